package adapters

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/tlambot/feedgate/internal/models"
)

// NitterClient reads single tweets through an RSS bridge instance. It is the
// scraper half of the Twitter source; the webhook half lives in the tier
// engine.
type NitterClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewNitterClient creates a client for the given bridge base URL.
func NewNitterClient(baseURL string, logger *slog.Logger) *NitterClient {
	return &NitterClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  NewHTTPClient(DefaultTimeouts()),
		logger:  logger,
	}
}

var (
	bridgeImgPattern    = regexp.MustCompile(`<img[^>]+src="([^"]+)"`)
	bridgePosterPattern = regexp.MustCompile(`<video[^>]+poster="([^"]+)"`)
	bridgeSourcePattern = regexp.MustCompile(`<source[^>]+src="([^"]+)"`)
	mediaNameParam      = regexp.MustCompile(`(name=|name%3D)[A-Za-z0-9_]+`)
	statusLinkPattern   = regexp.MustCompile(`href="([^"]*/status/\d+[^"]*)"`)
)

// FetchSinglePost fetches one tweet by ID from the bridge's per-user RSS
// feed. Callers retry; a single call makes a single request. A feed that
// answers 200 without the requested status yields a Post with empty text,
// which downstream treats as a deleted tweet.
func (c *NitterClient) FetchSinglePost(ctx context.Context, id, username string) (*models.Post, error) {
	if username == "" {
		return nil, models.Errorf(models.ErrKindAdapter, "bridge lookup for status %s requires a username", id)
	}

	feedURL := fmt.Sprintf("%s/%s/rss", c.baseURL, url.PathEscape(username))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, models.NewError(models.ErrKindAdapter, err)
	}
	req.Header.Set("User-Agent", adapterUserAgent)
	req.Header.Set("Accept", rssFetchAccept)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, models.NewError(models.ErrKindNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, models.Errorf(models.ErrKindNetwork, "bridge returned %d for %s", resp.StatusCode, feedURL)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.NewError(models.ErrKindNetwork, err)
	}

	// Bridge output is not guaranteed to be valid UTF-8. Replace invalid
	// bytes before the text is interpolated anywhere downstream.
	body := strings.ToValidUTF8(string(stripTrailingGarbage(raw)), "�")

	var feed rssFeed
	if err := xml.Unmarshal([]byte(body), &feed); err != nil {
		return nil, models.NewError(models.ErrKindAdapter, err)
	}

	for _, item := range feed.Channel.Items {
		if !linkMatchesStatus(item.Link, id) {
			continue
		}
		post := c.itemToPost(item, id, username)
		return &post, nil
	}

	c.logger.Warn("status not present in bridge feed", "username", username, "post_id", id)
	return &models.Post{
		Platform: models.PlatformTwitter,
		ID:       id,
		URL:      fmt.Sprintf("https://twitter.com/%s/status/%s", username, id),
		Author:   models.Author{Username: username},
	}, nil
}

func (c *NitterClient) itemToPost(item rssItem, id, feedUser string) models.Post {
	author := strings.TrimPrefix(strings.TrimSpace(item.Creator), "@")
	if author == "" {
		author = feedUser
	}

	post := models.Post{
		Platform:    models.PlatformTwitter,
		ID:          id,
		URL:         fmt.Sprintf("https://twitter.com/%s/status/%s", author, id),
		Text:        CleanHTML(item.Description, 0),
		PublishedAt: parseFeedDate(item.PubDate),
		Author: models.Author{
			Username:    author,
			DisplayName: author,
			ProfileURL:  "https://twitter.com/" + author,
		},
	}

	title := strings.TrimSpace(item.Title)
	switch {
	case strings.HasPrefix(title, "RT by @"):
		post.IsRepost = true
		rest := strings.TrimPrefix(title, "RT by @")
		if idx := strings.Index(rest, ":"); idx > 0 {
			post.RepostedBy = rest[:idx]
		}
	case strings.HasPrefix(title, "R to @"):
		post.IsReply = true
		rest := strings.TrimPrefix(title, "R to @")
		if idx := strings.Index(rest, ":"); idx > 0 {
			post.ReplyToHandle = rest[:idx]
		}
	}

	c.extractMedia(&post, item.Description)

	// A second status link inside the body marks a quote tweet.
	for _, m := range statusLinkPattern.FindAllStringSubmatch(item.Description, -1) {
		link := m[1]
		if linkMatchesStatus(link, id) {
			continue
		}
		post.IsQuote = true
		post.QuotedPost = &models.QuotedPost{URL: c.canonicalStatusURL(link)}
		break
	}

	return post
}

// extractMedia collects image and video references from the bridge HTML and
// rewrites them onto the bridge host.
func (c *NitterClient) extractMedia(post *models.Post, desc string) {
	for _, m := range bridgePosterPattern.FindAllStringSubmatch(desc, -1) {
		post.HasVideo = true
		post.Media = append(post.Media, models.Media{
			Type:         models.MediaVideo,
			ThumbnailURL: c.RewriteMediaURL(m[1]),
		})
	}
	if len(post.Media) > 0 {
		if m := bridgeSourcePattern.FindStringSubmatch(desc); m != nil {
			post.Media[len(post.Media)-1].URL = c.RewriteMediaURL(m[1])
		}
	}

	for _, m := range bridgeImgPattern.FindAllStringSubmatch(desc, -1) {
		src := m[1]
		if !strings.Contains(src, "/pic/") {
			continue
		}
		post.Media = append(post.Media, models.Media{
			Type: models.MediaImage,
			URL:  c.RewriteMediaURL(src),
		})
	}
}

// RewriteMediaURL points a bridge media reference at the configured bridge
// host and upgrades photo paths to original resolution. Video paths are left
// at whatever resolution the bridge served.
func (c *NitterClient) RewriteMediaURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	base, err := url.Parse(c.baseURL)
	if err == nil && base.Host != "" {
		u.Scheme = base.Scheme
		u.Host = base.Host
	}

	rewritten := u.String()
	lower := strings.ToLower(rewritten)
	if strings.Contains(lower, "/pic/") && strings.Contains(lower, "media") && !strings.Contains(lower, "video") {
		rewritten = upgradeResolution(rewritten)
	}
	return rewritten
}

// upgradeResolution forces name=orig on a photo URL, replacing an existing
// size parameter when present. The parameter may appear percent-encoded
// inside the bridge's proxied path.
func upgradeResolution(u string) string {
	if mediaNameParam.MatchString(u) {
		return mediaNameParam.ReplaceAllString(u, "${1}orig")
	}
	if strings.Contains(u, "?") {
		return u + "&name=orig"
	}
	return u + "?name=orig"
}

// linkMatchesStatus reports whether link points at exactly the given status
// ID, so that status 42 never matches 421.
func linkMatchesStatus(link, id string) bool {
	idx := strings.Index(link, "/status/")
	if idx < 0 {
		return false
	}
	rest := link[idx+len("/status/"):]
	if !strings.HasPrefix(rest, id) {
		return false
	}
	tail := rest[len(id):]
	return tail == "" || tail[0] == '#' || tail[0] == '?' || tail[0] == '/'
}

// canonicalStatusURL maps a bridge status link back to the canonical host.
func (c *NitterClient) canonicalStatusURL(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	u.Scheme = "https"
	u.Host = "twitter.com"
	u.Fragment = ""
	return u.String()
}
