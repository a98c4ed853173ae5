package pipeline

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	textURLPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

	// trackingParams are removed from query strings unless the URL's host is
	// on the source's allow-list (shorteners and social hosts encode state
	// in their parameters).
	trackingParamPrefixes = []string{"utm_"}
	trackingParamNames    = map[string]bool{
		"fbclid":   true,
		"gclid":    true,
		"dclid":    true,
		"msclkid":  true,
		"igshid":   true,
		"mc_cid":   true,
		"mc_eid":   true,
		"ref_src":  true,
		"ref_url":  true,
		"cmpid":    true,
	}

	doubleSpace = regexp.MustCompile(`[ \t]{2,}`)
)

// CleanURLs post-processes every URL in the text: tracking parameters are
// stripped, URLs visibly truncated with a trailing ellipsis are dropped, and
// a duplicated URL at the tail is removed.
func CleanURLs(text string, allowHosts []string) string {
	text = dropTruncatedURLs(text)
	text = stripTrackingParams(text, allowHosts)
	text = dedupeTailURL(text)
	return strings.TrimSpace(text)
}

// dropTruncatedURLs removes URLs that end in an ellipsis; they are display
// artifacts of upstream truncation and never resolve.
func dropTruncatedURLs(text string) string {
	out := textURLPattern.ReplaceAllStringFunc(text, func(raw string) string {
		if strings.HasSuffix(raw, "…") || strings.HasSuffix(raw, "...") {
			return ""
		}
		return raw
	})
	out = doubleSpace.ReplaceAllString(out, " ")
	return out
}

func stripTrackingParams(text string, allowHosts []string) string {
	allowed := make(map[string]bool, len(allowHosts))
	for _, h := range allowHosts {
		allowed[strings.ToLower(h)] = true
	}

	return textURLPattern.ReplaceAllStringFunc(text, func(raw string) string {
		u, err := url.Parse(raw)
		if err != nil || u.RawQuery == "" {
			return raw
		}
		host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		if allowed[host] {
			return raw
		}

		q := u.Query()
		changed := false
		for key := range q {
			if isTrackingParam(key) {
				q.Del(key)
				changed = true
			}
		}
		if !changed {
			return raw
		}
		u.RawQuery = q.Encode()
		return u.String()
	})
}

func isTrackingParam(key string) bool {
	lower := strings.ToLower(key)
	for _, prefix := range trackingParamPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return trackingParamNames[lower]
}

// dedupeTailURL drops a trailing URL that already appears earlier in the
// text, which happens when upstream text embeds the canonical link the
// formatter also appends.
func dedupeTailURL(text string) string {
	trimmed := strings.TrimRight(text, " \n")
	idx := strings.LastIndexAny(trimmed, " \n")
	if idx < 0 {
		return text
	}
	last := trimmed[idx+1:]
	if !strings.HasPrefix(last, "http://") && !strings.HasPrefix(last, "https://") {
		return text
	}
	if strings.Contains(trimmed[:idx], last) {
		return strings.TrimRight(trimmed[:idx], " \n")
	}
	return text
}
