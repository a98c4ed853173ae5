package tier

import (
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/tlambot/feedgate/internal/config"
)

// WebhookPayload is a normalised IFTTT tweet trigger as stored in the queue.
type WebhookPayload struct {
	Text         string `json:"text"`
	EmbedCode    string `json:"embed_code"`
	LinkToTweet  string `json:"link_to_tweet"`
	FirstLinkURL string `json:"first_link_url"`
	Username     string `json:"username"`
	BotID        string `json:"bot_id,omitempty"`

	// PostID and SourceHandle are filled by Normalize.
	PostID       string `json:"post_id,omitempty"`
	SourceHandle string `json:"source_handle,omitempty"`
}

var statusIDPattern = regexp.MustCompile(`/status(?:es)?/(\d+)`)

// Decode reverses IFTTT's field encoding in place. It is NOT idempotent:
// once decoded, text legitimately containing percent signs or entities
// would be corrupted by a second pass, so it runs exactly once at ingress
// before the payload is queued.
func (p *WebhookPayload) Decode() {
	p.Text = decodeField(p.Text)
	p.EmbedCode = decodeField(p.EmbedCode)
}

// Normalize trims the trigger fields and derives the numeric post ID and
// the real source handle. IFTTT applets registered under a brand name still
// carry the source_handle from config so self-reply detection works.
// Safe to call again on a payload read back from the queue.
func (p *WebhookPayload) Normalize(source *config.SourceConfig) {
	p.Text = strings.TrimSpace(p.Text)
	p.LinkToTweet = strings.TrimSpace(p.LinkToTweet)
	p.FirstLinkURL = strings.TrimSpace(p.FirstLinkURL)
	p.Username = strings.TrimPrefix(strings.TrimSpace(p.Username), "@")

	if m := statusIDPattern.FindStringSubmatch(p.LinkToTweet); m != nil {
		p.PostID = m[1]
	}

	p.SourceHandle = p.Username
	if source != nil && source.SourceParams.SourceHandle != "" {
		p.SourceHandle = strings.TrimPrefix(source.SourceParams.SourceHandle, "@")
	}
}

// decodeField reverses the double encoding IFTTT applies: percent encoding
// over HTML entities.
func decodeField(s string) string {
	if unescaped, err := url.QueryUnescape(s); err == nil {
		s = unescaped
	}
	return html.UnescapeString(s)
}

// retweetHeaderPattern matches the RT prefix IFTTT delivers for retweets.
var retweetHeaderPattern = regexp.MustCompile(`^RT @([A-Za-z0-9_]+): ?`)

// RetweetAuthor returns the original author when the text carries an RT
// header, empty otherwise.
func (p *WebhookPayload) RetweetAuthor() string {
	if m := retweetHeaderPattern.FindStringSubmatch(p.Text); m != nil {
		return m[1]
	}
	return ""
}

// IsSelfReply reports whether the text starts by addressing the source's own
// handle, which marks a thread continuation.
func (p *WebhookPayload) IsSelfReply() bool {
	return p.SourceHandle != "" &&
		strings.HasPrefix(strings.ToLower(p.Text), "@"+strings.ToLower(p.SourceHandle))
}

var shortLinkPattern = regexp.MustCompile(`https?://t\.co/[A-Za-z0-9]+`)

// shortLinkCount counts t.co links in the text.
func shortLinkCount(text string) int {
	return len(shortLinkPattern.FindAllString(text, -1))
}
