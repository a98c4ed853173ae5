package formatter

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/tlambot/feedgate/internal/config"
)

const (
	// DefaultMaxLength is the target instance's standard status limit.
	DefaultMaxLength = 500

	defaultTrimTolerancePct = 20
)

// nonTerminatingAbbrevs are tokens whose trailing period never ends a
// sentence.
var nonTerminatingAbbrevs = map[string]bool{
	"např": true, "tj": true, "tzv": true, "tzn": true, "resp": true,
	"mj": true, "cca": true, "str": true, "č": true, "čís": true,
	"sv": true, "st": true, "dr": true, "ing": true, "mgr": true,
	"vs": true, "etc": true, "cf": true, "ca": true,
}

// Trim shortens text to the source's length budget. A trailing canonical URL
// is always preserved whole; only the body segment is shortened.
func Trim(text string, cfg config.FormattingConfig) string {
	maxLen := cfg.MaxLength
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}
	if utf8.RuneCountInString(text) <= maxLen {
		return text
	}

	body, tail := splitTrailingURL(text)
	budget := maxLen - utf8.RuneCountInString(tail)
	if budget < 2 {
		// The URL alone eats the budget; keep it and a bare marker.
		return strings.TrimSpace("…" + tail)
	}

	strategy := cfg.TrimStrategy
	if strategy == "" {
		strategy = config.TrimSmart
	}

	var trimmed string
	switch strategy {
	case config.TrimHard:
		trimmed = hardTrim(body, budget)
	case config.TrimWord:
		trimmed = wordTrim(body, budget)
	default:
		tolerance := cfg.TrimTolerancePct
		if tolerance <= 0 {
			tolerance = defaultTrimTolerancePct
		}
		trimmed = smartTrim(body, budget, tolerance)
	}
	return trimmed + tail
}

// splitTrailingURL separates a final URL token (and its leading separator)
// from the body.
func splitTrailingURL(text string) (body, tail string) {
	trimmed := strings.TrimRight(text, " \n")
	idx := strings.LastIndexAny(trimmed, " \n")
	if idx < 0 {
		return text, ""
	}
	last := trimmed[idx+1:]
	if !strings.HasPrefix(last, "http://") && !strings.HasPrefix(last, "https://") {
		return text, ""
	}
	return trimmed[:idx], trimmed[idx:]
}

// hardTrim cuts at the exact rune budget and appends an ellipsis.
func hardTrim(text string, budget int) string {
	runes := []rune(text)
	if len(runes) <= budget {
		return text
	}
	return strings.TrimRight(string(runes[:budget-1]), " ") + "…"
}

// wordTrim cuts at the last whitespace boundary inside the budget.
func wordTrim(text string, budget int) string {
	runes := []rune(text)
	if len(runes) <= budget {
		return text
	}

	cut := budget - 1
	for i := cut; i > 0; i-- {
		if unicode.IsSpace(runes[i]) {
			cut = i
			break
		}
	}
	return strings.TrimRight(string(runes[:cut]), " \n") + "…"
}

// smartTrim prefers the last sentence boundary inside the tolerance window
// below the budget, skipping periods that belong to URLs or abbreviations.
// When no boundary qualifies it degrades to a word trim.
func smartTrim(text string, budget, tolerancePct int) string {
	runes := []rune(text)
	if len(runes) <= budget {
		return text
	}

	floor := budget * (100 - tolerancePct) / 100
	limit := budget
	if limit > len(runes) {
		limit = len(runes)
	}

	for i := limit - 1; i >= floor; i-- {
		if !isSentenceEnd(runes, i) {
			continue
		}
		return strings.TrimRight(string(runes[:i+1]), " \n")
	}
	return wordTrim(text, budget)
}

// isSentenceEnd reports whether runes[i] terminates a sentence: sentence
// punctuation followed by whitespace or end of text, not inside a URL and
// not after a known abbreviation.
func isSentenceEnd(runes []rune, i int) bool {
	switch runes[i] {
	case '.', '!', '?':
	default:
		return false
	}
	if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
		return false
	}

	// Walk the token containing the punctuation.
	start := i
	for start > 0 && !unicode.IsSpace(runes[start-1]) {
		start--
	}
	token := string(runes[start:i])

	if strings.Contains(token, "://") || strings.HasPrefix(token, "www.") {
		return false
	}

	if runes[i] == '.' {
		word := strings.ToLower(strings.TrimRight(token, "."))
		if dot := strings.LastIndexByte(word, '.'); dot >= 0 {
			word = word[dot+1:]
		}
		if nonTerminatingAbbrevs[word] || utf8.RuneCountInString(word) == 1 {
			return false
		}
	}
	return true
}
