package tier

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tlambot/feedgate/internal/config"
	"github.com/tlambot/feedgate/internal/models"
)

// Tier labels the processing path a payload takes.
type Tier string

const (
	Tier1  Tier = "1"
	Tier15 Tier = "1.5"
	Tier2  Tier = "2"
	Tier35 Tier = "3.5"
	Tier3  Tier = "3"
)

const (
	scraperAttempts = 3
	// ellipsisMinLength is the embed-text length past which a missing
	// terminator means the upstream already cut the tweet.
	ellipsisMinLength = 270
)

var scraperBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// tweetScraper fetches one tweet through the HTML/RSS bridge.
type tweetScraper interface {
	FetchSinglePost(ctx context.Context, id, username string) (*models.Post, error)
}

// tweetEmbedder fetches one tweet through the embed-JSON service.
type tweetEmbedder interface {
	FetchTweet(ctx context.Context, id string) (*EmbedTweet, error)
}

// Engine reconstructs a complete Post from a webhook payload. The trigger
// delivers a truncated, media-less view of the tweet; the engine decides how
// much extra fetching the payload warrants and degrades tier by tier when a
// remote half fails.
type Engine struct {
	scraper tweetScraper
	embed   tweetEmbedder
	client  *http.Client
	logger  *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates a tier engine over the given scraper and embed clients.
func NewEngine(scraper tweetScraper, embed tweetEmbedder, logger *slog.Logger) *Engine {
	return &Engine{
		scraper: scraper,
		embed:   embed,
		client: &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var (
	firstLinkMediaPattern = regexp.MustCompile(`/(photo|video)/\d+/?\z`)
	mediaPathPattern      = regexp.MustCompile(`https?://\S*/(?:photo|video)/\d+\S*`)
	embedImagePattern     = regexp.MustCompile(`https://pbs\.twimg\.com/media/[A-Za-z0-9_\-./?=&%]+`)
)

var embedMediaMarkers = []string{
	"pbs.twimg.com/media",
	"pic.twitter.com",
	"ext_tw_video_thumb",
	"video.twimg.com",
}

// Decide picks the tier for a normalised payload. With the scraper disabled
// everything goes through the embed-JSON service.
func (e *Engine) Decide(p *WebhookPayload, source *config.SourceConfig) Tier {
	if source != nil && !source.Processing.ScraperOn() {
		return Tier15
	}

	switch {
	case p.RetweetAuthor() != "":
		return Tier2
	case p.IsSelfReply():
		return Tier2
	case firstLinkMediaPattern.MatchString(p.FirstLinkURL):
		return Tier2
	case p.FirstLinkURL != "" && statusIDPattern.MatchString(p.FirstLinkURL):
		// Quote: the first link points at another tweet.
		return Tier2
	case embedSignalsMedia(p.EmbedCode):
		return Tier2
	case p.FirstLinkURL != "" && shortLinkCount(p.Text) >= 2:
		// A non-media first link plus a second shortened link usually
		// means an image tweet whose body also carries a URL.
		return Tier2
	case LikelyTruncated(p.Text):
		return Tier2
	}
	return Tier1
}

func embedSignalsMedia(embedCode string) bool {
	for _, marker := range embedMediaMarkers {
		if strings.Contains(embedCode, marker) {
			return true
		}
	}
	return false
}

// Process runs the payload through its tier and returns the reconstructed
// Post. The returned post may have empty text when the tweet was deleted
// upstream; the caller refuses to publish it.
func (e *Engine) Process(ctx context.Context, p *WebhookPayload, source *config.SourceConfig) (*models.Post, error) {
	if strings.TrimSpace(p.Text) == "" {
		return nil, models.Errorf(models.ErrKindValidation, "text cannot be empty")
	}
	if p.PostID == "" {
		return nil, models.Errorf(models.ErrKindValidation, "no status ID in link_to_tweet %q", p.LinkToTweet)
	}

	tier := e.Decide(p, source)
	e.logger.Debug("tier selected",
		slog.String("tier", string(tier)),
		slog.String("username", p.Username),
		slog.String("post_id", p.PostID))

	switch tier {
	case Tier2:
		return e.tier2(ctx, p)
	case Tier15:
		return e.tier15(ctx, p)
	default:
		return e.tier1(ctx, p), nil
	}
}

// tier1 builds the post straight from the payload.
func (e *Engine) tier1(ctx context.Context, p *WebhookPayload) *models.Post {
	post := e.payloadPost(p)
	post.Text = e.expandShortLinks(ctx, post.Text, embedSignalsVideo(p.EmbedCode))
	post.SetRaw("tier", string(Tier1))
	return post
}

func embedSignalsVideo(embedCode string) bool {
	return strings.Contains(embedCode, "ext_tw_video_thumb") ||
		strings.Contains(embedCode, "video.twimg.com")
}

// tier15 rebuilds the post from the embed-JSON service; payload-only on any
// failure.
func (e *Engine) tier15(ctx context.Context, p *WebhookPayload) (*models.Post, error) {
	tweet, err := e.embed.FetchTweet(ctx, p.PostID)
	if err != nil {
		e.logger.Warn("embed fetch failed, using payload",
			slog.String("post_id", p.PostID),
			slog.String("error", err.Error()))
		return e.tier1(ctx, p), nil
	}
	post := e.embedPost(p, tweet, Tier15)
	return post, nil
}

// tier2 fetches the full tweet through the scraper bridge, cascading to the
// embed service and finally the bare payload.
func (e *Engine) tier2(ctx context.Context, p *WebhookPayload) (*models.Post, error) {
	var lastErr error
	for attempt := 0; attempt < scraperAttempts; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, scraperBackoff[attempt-1]); err != nil {
				return nil, models.NewError(models.ErrKindTransient, err)
			}
		}

		post, err := e.scraper.FetchSinglePost(ctx, p.PostID, p.SourceHandle)
		if err != nil {
			lastErr = err
			e.logger.Warn("scraper fetch failed",
				slog.String("post_id", p.PostID),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()))
			continue
		}

		if strings.TrimSpace(post.Text) == "" {
			// 200 with no matching status: tweet likely deleted. The
			// empty post propagates so publishing is refused downstream.
			e.logger.Warn("tweet likely deleted",
				slog.String("post_id", p.PostID),
				slog.String("username", p.Username))
			post.SetRaw("tier", string(Tier2))
			return post, nil
		}

		e.applyRetweetHeader(p, post)
		post.SetRaw("tier", string(Tier2))
		return post, nil
	}

	e.logger.Warn("scraper exhausted, falling back to embed",
		slog.String("post_id", p.PostID),
		slog.String("error", lastErr.Error()))
	return e.tier35(ctx, p)
}

// applyRetweetHeader overrides the scraped author with the RT header from
// the trigger. The bridge sometimes reports a different user from the RT
// chain; the webhook header is authoritative.
func (e *Engine) applyRetweetHeader(p *WebhookPayload, post *models.Post) {
	author := p.RetweetAuthor()
	if author == "" {
		return
	}
	post.IsRepost = true
	post.Author.Username = author
	post.Author.ProfileURL = "https://twitter.com/" + author
	post.RepostedBy = p.SourceHandle
}

// tier35 is the embed-JSON fallback after scraper failure.
func (e *Engine) tier35(ctx context.Context, p *WebhookPayload) (*models.Post, error) {
	tweet, err := e.embed.FetchTweet(ctx, p.PostID)
	if err != nil {
		e.logger.Warn("embed fallback failed, using payload",
			slog.String("post_id", p.PostID),
			slog.String("error", err.Error()))
		return e.tier3(p), nil
	}
	post := e.embedPost(p, tweet, Tier35)
	post.SetRaw("force_read_more", true)
	return post, nil
}

// tier3 is the last resort: payload text only, media scraped out of the
// embed HTML.
func (e *Engine) tier3(p *WebhookPayload) *models.Post {
	post := e.payloadPost(p)
	post.Text = strings.TrimSpace(mediaPathPattern.ReplaceAllString(post.Text, ""))
	post.Text = collapseSpaces(post.Text)

	if marked, ok := maybeAppendEllipsis(post.Text); ok {
		post.Text = marked
		post.SetRaw("truncated", true)
	}

	for _, u := range embedImagePattern.FindAllString(p.EmbedCode, -1) {
		post.Media = append(post.Media, models.Media{Type: models.MediaImage, URL: u})
		if len(post.Media) == models.MaxAttachableMedia {
			break
		}
	}

	post.SetRaw("tier", string(Tier3))
	post.SetRaw("force_read_more", true)
	return post
}

// payloadPost builds the skeleton Post every tier starts from.
func (e *Engine) payloadPost(p *WebhookPayload) *models.Post {
	post := &models.Post{
		Platform:    models.PlatformTwitter,
		ID:          p.PostID,
		URL:         p.LinkToTweet,
		Text:        p.Text,
		PublishedAt: time.Now().UTC(),
		Author: models.Author{
			Username:   p.Username,
			ProfileURL: "https://twitter.com/" + p.Username,
		},
		IsThreadPost: p.IsSelfReply(),
	}
	if author := p.RetweetAuthor(); author != "" {
		post.IsRepost = true
		post.RepostedBy = p.SourceHandle
		post.Author.Username = author
		post.Author.ProfileURL = "https://twitter.com/" + author
	}
	return post
}

// embedPost merges the embed-JSON tweet into a payload skeleton.
func (e *Engine) embedPost(p *WebhookPayload, tweet *EmbedTweet, tier Tier) *models.Post {
	post := e.payloadPost(p)
	post.Text = tweet.Text
	if tweet.AuthorUser != "" && !post.IsRepost {
		post.Author.Username = tweet.AuthorUser
		post.Author.DisplayName = tweet.AuthorName
		post.Author.ProfileURL = "https://twitter.com/" + tweet.AuthorUser
	}

	for _, u := range tweet.Photos {
		post.Media = append(post.Media, models.Media{Type: models.MediaImage, URL: u})
	}
	if tweet.HasVideo {
		post.HasVideo = true
		post.Media = append(post.Media, models.Media{
			Type: models.MediaVideoThumbnail,
			URL:  tweet.VideoThumb,
		})
	}

	if marked, ok := maybeAppendEllipsis(post.Text); ok {
		post.Text = marked
		post.SetRaw("truncated", true)
	}
	post.SetRaw("tier", string(tier))
	return post
}

// maybeAppendEllipsis marks text the embed service itself returned cut: long
// enough, no natural ending, and not already marked.
func maybeAppendEllipsis(text string) (string, bool) {
	if strings.Contains(text, "…") {
		return text, false
	}
	if utf8.RuneCountInString(text) < ellipsisMinLength {
		return text, false
	}
	if !trailingShortLink.MatchString(text) && hasNaturalTerminator(strings.TrimRight(text, " \n")) {
		return text, false
	}
	return text + "…", true
}

// expandShortLinks resolves each t.co link with a single HEAD redirect
// follow. When the embed signals a video the expanded media URL is stripped
// from the text instead of substituted; the player link adds nothing over
// the status URL itself.
func (e *Engine) expandShortLinks(ctx context.Context, text string, stripMedia bool) string {
	for _, short := range shortLinkPattern.FindAllString(text, -1) {
		expanded := e.resolveOnce(ctx, short)
		if expanded == "" {
			continue
		}
		if stripMedia && mediaPathPattern.MatchString(expanded) {
			text = strings.Replace(text, short, "", 1)
			continue
		}
		text = strings.Replace(text, short, expanded, 1)
	}
	return collapseSpaces(strings.TrimSpace(text))
}

func (e *Engine) resolveOnce(ctx context.Context, shortURL string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, shortURL, nil)
	if err != nil {
		return ""
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Debug("short link expansion failed",
			slog.String("url", shortURL),
			slog.String("error", err.Error()))
		return ""
	}
	resp.Body.Close()
	if loc := resp.Header.Get("Location"); loc != "" && strings.HasPrefix(loc, "http") {
		return loc
	}
	return ""
}

var multiSpace = regexp.MustCompile(`[ \t]{2,}`)

func collapseSpaces(s string) string {
	return multiSpace.ReplaceAllString(s, " ")
}
