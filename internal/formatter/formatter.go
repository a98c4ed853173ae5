package formatter

import (
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/tlambot/feedgate/internal/config"
	"github.com/tlambot/feedgate/internal/models"
)

const (
	defaultThreadIndicator   = "🧵"
	defaultReadMoreIndicator = "(celý příspěvek v odkazu)"
	defaultTitleSeparator    = "\n\n"
)

// Formatter builds the outbound status text from a normalised post and the
// source's formatting config. Trimming and URL cleaning happen in later
// pipeline stages; the formatter only assembles structure.
type Formatter struct {
	cfg      config.FormattingConfig
	mentions config.MentionsConfig
	logger   *slog.Logger
}

// New creates a formatter for one source.
func New(source config.SourceConfig, logger *slog.Logger) *Formatter {
	return &Formatter{
		cfg:      source.Formatting,
		mentions: source.Mentions,
		logger:   logger,
	}
}

// Format produces the status text for a post.
func (f *Formatter) Format(post models.Post) string {
	text := f.bodyText(post)
	text = StripPlatformURLs(text)
	text = NormalizeEllipsis(text)
	text = TransformMentions(text, f.mentions)
	text = f.rewriteURLs(text)

	if post.RawBool("force_read_more") {
		indicator := f.cfg.ReadMoreIndicator
		if indicator == "" {
			indicator = defaultReadMoreIndicator
		}
		text = strings.TrimSpace(text) + " " + indicator
	}

	originURL := f.rewriteURLs(post.URL)

	switch {
	case post.IsRepost:
		return f.formatRepost(post, text, originURL)
	case post.IsQuote && post.QuotedPost != nil:
		return f.formatQuote(post, text, originURL)
	case post.IsThreadPost:
		return f.formatThread(post, text, originURL)
	default:
		return f.formatRegular(post, text, originURL)
	}
}

// bodyText selects between text, title and combined content for the post.
func (f *Formatter) bodyText(post models.Post) string {
	if post.Title == "" {
		return post.Text
	}

	mode := f.cfg.ContentMode
	if mode == "" {
		mode = config.ContentCombined
	}

	switch mode {
	case config.ContentText:
		return post.Text
	case config.ContentTitle:
		return post.Title
	default:
		if post.Text == "" {
			return post.Title
		}
		sep := f.cfg.TitleSeparator
		if sep == "" {
			sep = defaultTitleSeparator
		}
		return post.Title + sep + post.Text
	}
}

func (f *Formatter) formatRepost(post models.Post, text, originURL string) string {
	var b strings.Builder
	if f.cfg.SourceName != "" {
		b.WriteString(f.cfg.SourceName)
		b.WriteString(" ")
	}
	prefix := f.cfg.PrefixRepost
	if prefix == "" {
		prefix = "RT"
	}
	b.WriteString(prefix)
	b.WriteString(" @")
	b.WriteString(post.Author.Username)
	b.WriteString(":\n")
	b.WriteString(text)
	if originURL != "" {
		b.WriteString("\n")
		b.WriteString(originURL)
	}
	return b.String()
}

func (f *Formatter) formatQuote(post models.Post, text, originURL string) string {
	quoted := f.rewriteURLs(post.QuotedPost.URL)
	body := strings.TrimSpace(text)
	if body == "" {
		return quoted
	}
	out := body + "\n" + quoted
	if f.moveURLToEnd() && originURL != "" && originURL != quoted {
		out += "\n" + originURL
	}
	return out
}

func (f *Formatter) formatThread(post models.Post, text, originURL string) string {
	indicator := f.cfg.ThreadIndicator
	if indicator == "" {
		indicator = defaultThreadIndicator
	}
	out := indicator + " " + strings.TrimSpace(text)
	if f.moveURLToEnd() && originURL != "" {
		out += "\n" + originURL
	}
	return out
}

func (f *Formatter) formatRegular(post models.Post, text, originURL string) string {
	body := strings.TrimSpace(text)
	if !f.moveURLToEnd() || originURL == "" {
		return body
	}
	if body == "" {
		return originURL
	}
	return body + "\n" + originURL
}

// moveURLToEnd defaults to true; only an explicit false suppresses the
// trailing origin URL.
func (f *Formatter) moveURLToEnd() bool {
	return f.cfg.MoveURLToEnd == nil || *f.cfg.MoveURLToEnd
}

// rewriteURLs maps configured source domains onto their target host inside
// arbitrary text.
func (f *Formatter) rewriteURLs(text string) string {
	if len(f.cfg.URLRewrites) == 0 || text == "" {
		return text
	}
	return urlPattern.ReplaceAllStringFunc(text, func(raw string) string {
		u, err := url.Parse(raw)
		if err != nil {
			return raw
		}
		host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		target, ok := f.cfg.URLRewrites[host]
		if !ok {
			return raw
		}
		u.Host = target
		u.Scheme = "https"
		return u.String()
	})
}

var (
	urlPattern         = regexp.MustCompile(`https?://[^\s<>"]+`)
	platformURLPattern = regexp.MustCompile(`https?://[^\s<>"]*/(?:photo|video)/\d+(?:\S*)?`)
	quoteMarkerPattern = regexp.MustCompile(`(https?://[^\s<>"]+)#m\b`)
	ellipsisRun        = regexp.MustCompile(`…{2,}`)
	spaceRun           = regexp.MustCompile(`[ \t]{2,}`)
)

// StripPlatformURLs removes /photo/N and /video/N attachment URLs and the
// #m quote-marker fragment. The media they point at is attached separately.
func StripPlatformURLs(text string) string {
	text = platformURLPattern.ReplaceAllString(text, "")
	text = quoteMarkerPattern.ReplaceAllString(text, "$1")
	text = spaceRun.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// NormalizeEllipsis canonicalises ASCII and doubled ellipses to a single …
func NormalizeEllipsis(text string) string {
	text = strings.ReplaceAll(text, "...", "…")
	return ellipsisRun.ReplaceAllString(text, "…")
}

// ApplyReplacements runs the source's ordered text substitutions.
func ApplyReplacements(text string, rules []config.Replacement, logger *slog.Logger) string {
	for _, rule := range rules {
		if rule.Literal {
			text = strings.ReplaceAll(text, rule.Pattern, rule.Replacement)
			continue
		}
		pattern := rule.Pattern
		if strings.Contains(rule.Flags, "i") {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			logger.Warn("invalid replacement pattern, skipping", "pattern", rule.Pattern, "error", err)
			continue
		}
		text = re.ReplaceAllString(text, rule.Replacement)
	}
	return text
}
