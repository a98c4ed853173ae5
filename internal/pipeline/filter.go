package pipeline

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/tlambot/feedgate/internal/config"
	"github.com/tlambot/feedgate/internal/models"
)

// filterPost applies the per-source skip flags and rule trees. It returns a
// non-empty reason when the post must be skipped.
func filterPost(post models.Post, cfg config.FilteringConfig, logger *slog.Logger) string {
	switch {
	case cfg.SkipReplies && post.IsReply && !post.IsThreadPost:
		return "reply"
	case cfg.SkipRetweets && post.IsRepost:
		return "retweet"
	case cfg.SkipQuotes && post.IsQuote:
		return "quote"
	}

	text := post.Text
	if post.Title != "" {
		text = post.Title + "\n" + post.Text
	}

	for _, rule := range cfg.Banned {
		if evalRule(text, rule, logger) {
			return "banned_content"
		}
	}

	if len(cfg.Required) > 0 {
		matched := false
		for _, rule := range cfg.Required {
			if evalRule(text, rule, logger) {
				matched = true
				break
			}
		}
		if !matched {
			return "required_content_missing"
		}
	}
	return ""
}

// evalRule evaluates one filter rule tree node against the text.
func evalRule(text string, rule config.FilterRule, logger *slog.Logger) bool {
	switch rule.Type {
	case "", "literal":
		return strings.Contains(strings.ToLower(text), strings.ToLower(rule.Pattern))

	case "regex":
		pattern := rule.Pattern
		if strings.Contains(rule.Flags, "i") {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			logger.Warn("invalid filter regex, rule ignored", "pattern", rule.Pattern, "error", err)
			return false
		}
		return re.MatchString(text)

	case "and":
		for _, child := range rule.Content {
			if !evalRule(text, child, logger) {
				return false
			}
		}
		return true

	case "or":
		for _, child := range rule.Content {
			if evalRule(text, child, logger) {
				return true
			}
		}
		return false

	case "not":
		return !evalRule(text, rule.Content[0], logger)
	}
	return false
}
