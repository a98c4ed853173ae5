package adapters

import (
	"context"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/tlambot/feedgate/internal/config"
	"github.com/tlambot/feedgate/internal/models"
)

const (
	maxRedirects           = 5
	defaultContentBudget   = 16 * 1024
	rssFetchAccept         = "application/rss+xml, application/atom+xml, application/xml, text/xml"
	adapterUserAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// RSSAdapter fetches posts from RSS 2.0 and Atom feeds.
type RSSAdapter struct {
	source config.SourceConfig
	client *http.Client
	logger *slog.Logger
}

// NewRSSAdapter creates an RSS adapter for one source.
func NewRSSAdapter(source config.SourceConfig, logger *slog.Logger) (*RSSAdapter, error) {
	if source.SourceParams.FeedURL == "" {
		return nil, models.Errorf(models.ErrKindConfig, "rss source %q requires feed_url", source.ID)
	}
	return &RSSAdapter{
		source: source,
		client: NewHTTPClient(DefaultTimeouts()),
		logger: logger,
	}, nil
}

// Platform returns the platform this adapter handles.
func (a *RSSAdapter) Platform() models.Platform { return models.PlatformRSS }

// rssFeed is the RSS 2.0 document shape.
type rssFeed struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
	GUID        string `xml:"guid"`
	Creator     string `xml:"creator"`
}

// atomFeed is the Atom document shape.
type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Title   string      `xml:"title"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title     string      `xml:"title"`
	Links     []atomLink  `xml:"link"`
	Content   atomContent `xml:"content"`
	Summary   string      `xml:"summary"`
	Published string      `xml:"published"`
	Updated   string      `xml:"updated"`
	ID        string      `xml:"id"`
	Author    struct {
		Name string `xml:"name"`
		URI  string `xml:"uri"`
	} `xml:"author"`
}

type atomLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

type atomContent struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

// Fetch retrieves and parses the configured feed.
func (a *RSSAdapter) Fetch(ctx context.Context, since time.Time, limit int) ([]models.Post, error) {
	feedURL := a.source.SourceParams.FeedURL

	body, err := a.fetchFollowingRedirects(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	body = stripTrailingGarbage(body)

	posts, err := a.parseFeed(body, feedURL)
	if err != nil {
		return nil, models.NewError(models.ErrKindAdapter, err)
	}

	return capLimit(filterSince(posts, since), limit), nil
}

// fetchFollowingRedirects performs the GET by hand, following at most
// maxRedirects 301/302/307/308 hops and aborting on loops.
func (a *RSSAdapter) fetchFollowingRedirects(ctx context.Context, feedURL string) ([]byte, error) {
	seen := map[string]bool{}
	current := feedURL

	for hop := 0; hop <= maxRedirects; hop++ {
		if seen[current] {
			return nil, models.Errorf(models.ErrKindAdapter, "redirect loop at %s", current)
		}
		seen[current] = true

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return nil, models.NewError(models.ErrKindAdapter, err)
		}
		req.Header.Set("User-Agent", adapterUserAgent)
		req.Header.Set("Accept", rssFetchAccept)

		resp, err := a.client.Do(req)
		if err != nil {
			return nil, models.NewError(models.ErrKindNetwork, err)
		}

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc == "" {
				return nil, models.Errorf(models.ErrKindAdapter, "redirect without location from %s", current)
			}
			next, err := url.Parse(loc)
			if err != nil {
				return nil, models.NewError(models.ErrKindAdapter, err)
			}
			base, _ := url.Parse(current)
			current = base.ResolveReference(next).String()
			a.logger.Debug("following feed redirect", "from", base.String(), "to", current)
			continue

		case http.StatusOK:
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return nil, models.NewError(models.ErrKindNetwork, err)
			}
			return body, nil

		default:
			resp.Body.Close()
			return nil, models.Errorf(models.ErrKindNetwork, "unexpected status %d from %s", resp.StatusCode, current)
		}
	}

	return nil, models.Errorf(models.ErrKindAdapter, "too many redirects fetching %s", feedURL)
}

// rootClosers are the document end tags; anything an injected tracker
// appends after them is discarded before parsing.
var rootClosers = []string{"</rss>", "</feed>", "</rdf:RDF>"}

func stripTrailingGarbage(body []byte) []byte {
	s := string(body)
	for _, closer := range rootClosers {
		if idx := strings.LastIndex(s, closer); idx >= 0 {
			return []byte(s[:idx+len(closer)])
		}
	}
	return body
}

func (a *RSSAdapter) parseFeed(body []byte, feedURL string) ([]models.Post, error) {
	budget := a.source.Processing.MaxContentBytes
	if budget <= 0 {
		budget = defaultContentBudget
	}

	var rss rssFeed
	rssErr := xml.Unmarshal(body, &rss)
	if rssErr == nil && len(rss.Channel.Items) > 0 {
		posts := make([]models.Post, 0, len(rss.Channel.Items))
		for _, item := range rss.Channel.Items {
			post, ok := a.itemToPost(item, budget)
			if !ok {
				continue
			}
			posts = append(posts, post)
		}
		return posts, nil
	}

	var atom atomFeed
	atomErr := xml.Unmarshal(body, &atom)
	if atomErr == nil && len(atom.Entries) > 0 {
		posts := make([]models.Post, 0, len(atom.Entries))
		for _, entry := range atom.Entries {
			post, ok := a.entryToPost(entry, budget)
			if !ok {
				continue
			}
			posts = append(posts, post)
		}
		return posts, nil
	}

	if rssErr != nil || atomErr != nil {
		return nil, fmt.Errorf("failed to parse %s as RSS (%v) or Atom (%v)", feedURL, rssErr, atomErr)
	}
	return nil, fmt.Errorf("feed %s parsed but contains no items", feedURL)
}

func (a *RSSAdapter) itemToPost(item rssItem, budget int) (models.Post, bool) {
	link := strings.TrimSpace(item.Link)
	if link == "" {
		link = strings.TrimSpace(item.GUID)
	}
	if !strings.HasPrefix(link, "http://") && !strings.HasPrefix(link, "https://") {
		a.logger.Warn("invalid or empty URL in feed item, skipping", "link", item.Link, "title", item.Title)
		return models.Post{}, false
	}

	id := strings.TrimSpace(item.GUID)
	if id == "" {
		id = link
	}

	return models.Post{
		Platform:    models.PlatformRSS,
		ID:          id,
		URL:         link,
		Title:       CleanHTML(item.Title, 0),
		Text:        CleanHTML(item.Description, budget),
		PublishedAt: parseFeedDate(item.PubDate),
		Author: models.Author{
			Username:    item.Creator,
			DisplayName: item.Creator,
		},
	}, true
}

func (a *RSSAdapter) entryToPost(entry atomEntry, budget int) (models.Post, bool) {
	link := ""
	for _, l := range entry.Links {
		if l.Rel == "" || l.Rel == "alternate" {
			link = l.Href
			break
		}
	}
	if link == "" && len(entry.Links) > 0 {
		link = entry.Links[0].Href
	}
	if !strings.HasPrefix(link, "http://") && !strings.HasPrefix(link, "https://") {
		a.logger.Warn("invalid or empty URL in atom entry, skipping", "id", entry.ID, "title", entry.Title)
		return models.Post{}, false
	}

	id := strings.TrimSpace(entry.ID)
	if id == "" {
		id = link
	}

	content := entry.Content.Value
	if strings.TrimSpace(content) == "" {
		content = entry.Summary
	}

	published := entry.Published
	if published == "" {
		published = entry.Updated
	}

	return models.Post{
		Platform:    models.PlatformRSS,
		ID:          id,
		URL:         link,
		Title:       CleanHTML(entry.Title, 0),
		Text:        CleanHTML(content, budget),
		PublishedAt: parseFeedDate(published),
		Author: models.Author{
			Username:    entry.Author.Name,
			DisplayName: entry.Author.Name,
			ProfileURL:  entry.Author.URI,
		},
	}, true
}

// parseFeedDate attempts the common RSS and Atom date formats.
func parseFeedDate(dateStr string) time.Time {
	if dateStr == "" {
		return time.Now()
	}

	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05Z07:00",
		time.RFC1123Z,
		time.RFC1123,
		time.RFC822Z,
		time.RFC822,
		"Mon, 02 Jan 2006 15:04:05 -0700",
		"Mon, 02 Jan 2006 15:04:05 MST",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, dateStr); err == nil {
			return t
		}
	}

	// No-timezone variant, assume UTC.
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", dateStr, time.UTC); err == nil {
		return t
	}
	return time.Now()
}

var (
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`[ \t]+`)
	newlineRun        = regexp.MustCompile(`\n{3,}`)
)

// CleanHTML decodes HTML entities, strips tags and normalises whitespace.
// When budget > 0 the raw markup is pre-truncated at the last tag boundary
// inside the budget, so a multi-megabyte description never reaches the
// entity decoder.
func CleanHTML(text string, budget int) string {
	if budget > 0 && len(text) > budget {
		text = truncateAtTagBoundary(text, budget)
	}

	text = strings.ReplaceAll(text, "<p>", "\n")
	text = strings.ReplaceAll(text, "</p>", "\n")
	text = strings.ReplaceAll(text, "<br>", "\n")
	text = strings.ReplaceAll(text, "<br/>", "\n")
	text = strings.ReplaceAll(text, "<br />", "\n")

	text = tagPattern.ReplaceAllString(text, "")
	text = html.UnescapeString(text)

	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = whitespacePattern.ReplaceAllString(text, " ")
	text = newlineRun.ReplaceAllString(text, "\n\n")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// truncateAtTagBoundary cuts markup at the last closing tag before the
// budget, or failing that just before the open tag that straddles it.
func truncateAtTagBoundary(text string, budget int) string {
	cut := text[:budget]

	if idx := strings.LastIndex(cut, ">"); idx >= 0 {
		open := strings.LastIndex(cut, "<")
		if open <= idx {
			return cut[:idx+1]
		}
		// An open tag straddles the budget; drop it entirely.
		return cut[:open]
	}
	if idx := strings.LastIndex(cut, "<"); idx >= 0 {
		return cut[:idx]
	}
	return cut
}
