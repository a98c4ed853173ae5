package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/tlambot/feedgate/internal/models"
)

var (
	normURLPattern     = regexp.MustCompile(`https?://\S+`)
	normMentionPattern = regexp.MustCompile(`@[\w.]+`)
	normHashtagPattern = regexp.MustCompile(`#\w+`)
	normSpacePattern   = regexp.MustCompile(`\s+`)
)

// NormalizeText reduces a post body to its comparable core: NFC-composed,
// lower-cased, with mentions, URLs and hashtags removed. Two edits of the
// same tweet normalise to the same string unless the wording itself changed.
func NormalizeText(text string) string {
	t := norm.NFC.String(text)
	t = strings.ToLower(t)
	t = normURLPattern.ReplaceAllString(t, "")
	t = normMentionPattern.ReplaceAllString(t, "")
	t = normHashtagPattern.ReplaceAllString(t, "")
	t = normSpacePattern.ReplaceAllString(t, " ")
	return strings.TrimSpace(t)
}

// TextHash hashes the normalised text for edit-buffer lookup.
func TextHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// PlatformIDLess orders two post IDs in platform order: numeric for twitter
// snowflakes, lexicographic for bluesky's sortable base32 record keys.
func PlatformIDLess(platform models.Platform, a, b string) bool {
	if platform == models.PlatformTwitter {
		if len(a) != len(b) {
			return len(a) < len(b)
		}
	}
	return a < b
}
