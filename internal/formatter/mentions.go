package formatter

import (
	"regexp"
	"strings"

	"github.com/tlambot/feedgate/internal/config"
)

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_]+(?:\.[A-Za-z0-9_.-]+)*)`)

// TransformMentions rewrites @mentions according to the configured mode. A
// mention only counts when the @ is not preceded by a letter, digit or dot,
// so email addresses pass through untouched. Go's regexp has no look-behind;
// the boundary is checked against the match offset instead.
func TransformMentions(text string, cfg config.MentionsConfig) string {
	if cfg.Mode == "" || cfg.Mode == config.MentionsNone {
		return text
	}

	matches := mentionPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		user := text[m[2]:m[3]]

		if !mentionBoundary(text, start) {
			continue
		}

		b.WriteString(text[last:start])
		b.WriteString(rewriteMention(user, cfg))
		last = end
	}
	b.WriteString(text[last:])
	return b.String()
}

// mentionBoundary reports whether the byte before the @ allows a mention.
func mentionBoundary(text string, at int) bool {
	if at == 0 {
		return true
	}
	c := text[at-1]
	if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '.' {
		return false
	}
	return true
}

func rewriteMention(user string, cfg config.MentionsConfig) string {
	switch cfg.Mode {
	case config.MentionsPrefix:
		return joinMentionURL(cfg.URLPrefix, user)
	case config.MentionsSuffix:
		return "@" + user + " (" + joinMentionURL(cfg.URLPrefix, user) + ")"
	case config.MentionsDomainSuffix:
		return "@" + user + "@" + cfg.Domain
	default:
		return "@" + user
	}
}

func joinMentionURL(prefix, user string) string {
	if prefix == "" {
		prefix = "https://twitter.com/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + user
}
