package tier

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// likelyTruncatedMinLength is the shortest text that can plausibly have been
// cut by the trigger's 257-character window.
const likelyTruncatedMinLength = 257

var (
	// Anchors use \z, not $: $ matches before a trailing newline and a
	// multi-line tweet would silently pass every end-of-text check.
	trailingShortLink  = regexp.MustCompile(`https?://t\.co/[A-Za-z0-9]*\s*\z`)
	truncatedShortLink = regexp.MustCompile(`https?://t\.co/[A-Za-z0-9]*…`)
	trailingHashtag    = regexp.MustCompile(`#[\pL\pN_]+\s*\z`)
	trailingMention    = regexp.MustCompile(`@[A-Za-z0-9_]+\s*\z`)
	trailingURL        = regexp.MustCompile(`https?://\S+\s*\z`)
	trailingDigit      = regexp.MustCompile(`\pN\z`)
)

// nonTerminatingWords are prepositions and conjunctions that never end a
// finished sentence; a text stopping on one of them was cut mid-phrase.
var nonTerminatingWords = map[string]bool{
	"a": true, "i": true, "o": true, "u": true, "k": true, "s": true,
	"v": true, "z": true, "na": true, "do": true, "od": true, "po": true,
	"za": true, "ze": true, "ke": true, "ve": true, "se": true, "si": true,
	"pro": true, "při": true, "před": true, "pod": true, "nad": true,
	"nebo": true, "ale": true, "že": true, "aby": true, "když": true,
	"and": true, "or": true, "but": true, "the": true, "of": true,
	"to": true, "in": true, "on": true, "at": true, "for": true,
	"with": true, "is": true, "are": true, "was": true,
}

var sentenceTerminators = []string{".", "!", "?", "…", ":", ";", "\"", "»", ")"}

// LikelyTruncated reports whether the trigger text looks cut off. The
// webhook window is roughly 257 characters; anything at or past it without a
// natural terminator is treated as truncated.
func LikelyTruncated(text string) bool {
	trimmed := strings.TrimRight(text, " \n")
	if trimmed == "" {
		return false
	}

	if strings.Contains(trimmed, "…") || strings.Contains(trimmed, "...") {
		return true
	}
	if truncatedShortLink.MatchString(trimmed) {
		return true
	}

	// A trailing t.co link is the trigger's own addition; judge the text
	// before it.
	body := strings.TrimRight(trailingShortLink.ReplaceAllString(trimmed, ""), " \n")
	if body == "" {
		return false
	}

	// A bare digit or a dangling preposition/conjunction at the end is
	// suspicious at any length.
	if trailingDigit.MatchString(body) {
		return true
	}
	if endsWithNonTerminatingWord(body) {
		return true
	}

	// The missing-terminator heuristic only applies once the text is long
	// enough to have hit the trigger's window.
	if utf8.RuneCountInString(trimmed) < likelyTruncatedMinLength {
		return false
	}
	return !hasNaturalTerminator(body)
}

// hasNaturalTerminator reports whether the text tail is evidence the tweet
// ended on purpose.
func hasNaturalTerminator(text string) bool {
	for _, t := range sentenceTerminators {
		if strings.HasSuffix(text, t) {
			return true
		}
	}
	if trailingHashtag.MatchString(text) || trailingMention.MatchString(text) || trailingURL.MatchString(text) {
		return true
	}
	last, _ := utf8.DecodeLastRuneInString(text)
	return isEmoji(last)
}

func endsWithNonTerminatingWord(text string) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	word := strings.ToLower(fields[len(fields)-1])
	return nonTerminatingWords[word]
}

// isEmoji covers the common emoji blocks without pulling in a full
// properties table.
func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	case r >= 0x2B00 && r <= 0x2BFF:
		return true
	case r == 0xFE0F || r == 0x200D:
		return true
	}
	return false
}
