package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/tlambot/feedgate/internal/config"
	"github.com/tlambot/feedgate/internal/models"
)

const blueskyAPIBase = "https://public.api.bsky.app/xrpc"

// BlueskyAdapter fetches posts from the AT-protocol public API, either an
// author feed (profile mode) or a custom feed generator.
type BlueskyAdapter struct {
	source  config.SourceConfig
	apiBase string
	client  *http.Client
	logger  *slog.Logger
}

// NewBlueskyAdapter creates a Bluesky adapter for one source.
func NewBlueskyAdapter(source config.SourceConfig, logger *slog.Logger) (*BlueskyAdapter, error) {
	p := source.SourceParams
	if p.Handle == "" && p.FeedATURL == "" && (p.FeedCreator == "" || p.FeedRkey == "") {
		return nil, models.Errorf(models.ErrKindConfig,
			"bluesky source %q requires handle, feed_at_url, or feed_creator+feed_rkey", source.ID)
	}
	return &BlueskyAdapter{
		source:  source,
		apiBase: blueskyAPIBase,
		client:  NewHTTPClient(DefaultTimeouts()),
		logger:  logger,
	}, nil
}

// Platform returns the platform this adapter handles.
func (a *BlueskyAdapter) Platform() models.Platform { return models.PlatformBluesky }

// bskyFeedItem mirrors the subset of app.bsky.feed.defs#feedViewPost the
// gateway consumes.
type bskyFeedItem struct {
	Post   bskyPost `json:"post"`
	Reason *struct {
		Type string `json:"$type"`
		By   struct {
			Handle      string `json:"handle"`
			DisplayName string `json:"displayName"`
		} `json:"by"`
	} `json:"reason"`
	Reply *struct {
		Parent struct {
			URI    string `json:"uri"`
			Author struct {
				Handle string `json:"handle"`
			} `json:"author"`
		} `json:"parent"`
	} `json:"reply"`
}

type bskyPost struct {
	URI    string `json:"uri"`
	CID    string `json:"cid"`
	Author struct {
		DID         string `json:"did"`
		Handle      string `json:"handle"`
		DisplayName string `json:"displayName"`
	} `json:"author"`
	Record struct {
		Text      string      `json:"text"`
		CreatedAt time.Time   `json:"createdAt"`
		Facets    []bskyFacet `json:"facets"`
		Reply     *struct {
			Parent struct {
				URI string `json:"uri"`
			} `json:"parent"`
		} `json:"reply"`
	} `json:"record"`
	Embed *bskyEmbed `json:"embed"`
}

type bskyFacet struct {
	Index struct {
		ByteStart int `json:"byteStart"`
		ByteEnd   int `json:"byteEnd"`
	} `json:"index"`
	Features []struct {
		Type string `json:"$type"`
		URI  string `json:"uri"`
	} `json:"features"`
}

type bskyEmbed struct {
	Type   string `json:"$type"`
	Images []struct {
		Fullsize string `json:"fullsize"`
		Thumb    string `json:"thumb"`
		Alt      string `json:"alt"`
		Aspect   struct {
			Width  int `json:"width"`
			Height int `json:"height"`
		} `json:"aspectRatio"`
	} `json:"images"`
	Playlist  string `json:"playlist"`
	Thumbnail string `json:"thumbnail"`
	External  *struct {
		URI         string `json:"uri"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Thumb       string `json:"thumb"`
	} `json:"external"`
	Record *struct {
		URI    string `json:"uri"`
		Author struct {
			Handle string `json:"handle"`
		} `json:"author"`
	} `json:"record"`
	Media *bskyEmbed `json:"media"`
}

// Fetch retrieves posts in profile or custom-feed mode.
func (a *BlueskyAdapter) Fetch(ctx context.Context, since time.Time, limit int) ([]models.Post, error) {
	var items []bskyFeedItem
	var err error

	if a.source.SourceParams.Handle != "" {
		items, err = a.fetchAuthorFeed(ctx)
	} else {
		items, err = a.fetchCustomFeed(ctx)
	}
	if err != nil {
		return nil, err
	}

	posts := make([]models.Post, 0, len(items))
	for _, item := range items {
		posts = append(posts, a.itemToPost(item))
	}

	return capLimit(filterSince(posts, since), limit), nil
}

func (a *BlueskyAdapter) fetchAuthorFeed(ctx context.Context) ([]bskyFeedItem, error) {
	// The threading switch includes self-replies in the feed.
	filter := "posts_no_replies"
	if a.source.SourceParams.IncludeThreads {
		filter = "posts_with_replies"
	}

	q := url.Values{}
	q.Set("actor", a.source.SourceParams.Handle)
	q.Set("filter", filter)
	q.Set("limit", "30")

	return a.fetchFeedItems(ctx, a.apiBase+"/app.bsky.feed.getAuthorFeed?"+q.Encode())
}

func (a *BlueskyAdapter) fetchCustomFeed(ctx context.Context) ([]bskyFeedItem, error) {
	atURI, err := a.resolveFeedURI(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("feed", atURI)
	q.Set("limit", "30")

	return a.fetchFeedItems(ctx, a.apiBase+"/app.bsky.feed.getFeed?"+q.Encode())
}

// resolveFeedURI turns the configured feed reference into an AT-URI. A
// bsky.app feed URL is split into (creator, rkey); a bare handle creator is
// resolved to its DID first.
func (a *BlueskyAdapter) resolveFeedURI(ctx context.Context) (string, error) {
	p := a.source.SourceParams
	if p.FeedATURL != "" && strings.HasPrefix(p.FeedATURL, "at://") {
		return p.FeedATURL, nil
	}

	creator, rkey := p.FeedCreator, p.FeedRkey
	if p.FeedATURL != "" {
		// https://bsky.app/profile/{creator}/feed/{rkey}
		parts := strings.Split(strings.Trim(p.FeedATURL, "/"), "/")
		for i, part := range parts {
			if part == "profile" && i+3 < len(parts) && parts[i+2] == "feed" {
				creator, rkey = parts[i+1], parts[i+3]
			}
		}
		if creator == "" || rkey == "" {
			return "", models.Errorf(models.ErrKindConfig, "cannot parse feed URL %q", p.FeedATURL)
		}
	}

	did := creator
	if !strings.HasPrefix(did, "did:") {
		resolved, err := a.resolveHandle(ctx, creator)
		if err != nil {
			return "", err
		}
		did = resolved
	}

	return fmt.Sprintf("at://%s/app.bsky.feed.generator/%s", did, rkey), nil
}

func (a *BlueskyAdapter) resolveHandle(ctx context.Context, handle string) (string, error) {
	q := url.Values{}
	q.Set("handle", handle)

	body, err := a.get(ctx, a.apiBase+"/com.atproto.identity.resolveHandle?"+q.Encode())
	if err != nil {
		return "", err
	}

	var out struct {
		DID string `json:"did"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", models.NewError(models.ErrKindAdapter, err)
	}
	if out.DID == "" {
		return "", models.Errorf(models.ErrKindAdapter, "no DID for handle %q", handle)
	}
	return out.DID, nil
}

func (a *BlueskyAdapter) fetchFeedItems(ctx context.Context, feedURL string) ([]bskyFeedItem, error) {
	body, err := a.get(ctx, feedURL)
	if err != nil {
		return nil, err
	}

	var out struct {
		Feed []bskyFeedItem `json:"feed"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, models.NewError(models.ErrKindAdapter, err)
	}
	return out.Feed, nil
}

func (a *BlueskyAdapter) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, models.NewError(models.ErrKindAdapter, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, models.NewError(models.ErrKindNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, models.Errorf(models.ErrKindNetwork, "bluesky API returned %d for %s", resp.StatusCode, rawURL)
	}
	return io.ReadAll(resp.Body)
}

func (a *BlueskyAdapter) itemToPost(item bskyFeedItem) models.Post {
	p := item.Post
	rkey := rkeyFromATURI(p.URI)

	post := models.Post{
		Platform:    models.PlatformBluesky,
		ID:          rkey,
		URL:         fmt.Sprintf("https://bsky.app/profile/%s/post/%s", p.Author.Handle, rkey),
		Text:        ExpandFacets(p.Record.Text, p.Record.Facets),
		PublishedAt: p.Record.CreatedAt,
		Author: models.Author{
			Username:    p.Author.Handle,
			DisplayName: p.Author.DisplayName,
			ProfileURL:  "https://bsky.app/profile/" + p.Author.Handle,
		},
	}
	post.SetRaw("at_uri", p.URI)

	if item.Reason != nil && strings.HasSuffix(item.Reason.Type, "#reasonRepost") {
		post.IsRepost = true
		post.RepostedBy = item.Reason.By.Handle
	}

	if p.Record.Reply != nil {
		parentURI := p.Record.Reply.Parent.URI
		post.ReplyTo = parentURI
		if item.Reply != nil {
			post.ReplyToHandle = item.Reply.Parent.Author.Handle
		}
		// Self-reply: the DID embedded in the parent AT-URI matches the
		// author's DID. Those are thread posts, not replies.
		if didFromATURI(parentURI) == p.Author.DID {
			post.IsThreadPost = true
		} else {
			post.IsReply = true
		}
	}

	a.applyEmbed(&post, p.Embed)
	return post
}

func (a *BlueskyAdapter) applyEmbed(post *models.Post, embed *bskyEmbed) {
	if embed == nil {
		return
	}

	switch {
	case strings.HasPrefix(embed.Type, "app.bsky.embed.images"):
		for _, img := range embed.Images {
			post.Media = append(post.Media, models.Media{
				Type:    models.MediaImage,
				URL:     img.Fullsize,
				AltText: img.Alt,
				Width:   img.Aspect.Width,
				Height:  img.Aspect.Height,
			})
		}

	case strings.HasPrefix(embed.Type, "app.bsky.embed.video"):
		post.HasVideo = true
		post.Media = append(post.Media, models.Media{
			Type:         models.MediaVideo,
			URL:          embed.Playlist,
			ThumbnailURL: embed.Thumbnail,
		})

	case strings.HasPrefix(embed.Type, "app.bsky.embed.external"):
		if embed.External != nil {
			post.Media = append(post.Media, models.Media{
				Type:         models.MediaLinkCard,
				URL:          embed.External.URI,
				Title:        embed.External.Title,
				Description:  embed.External.Description,
				ThumbnailURL: embed.External.Thumb,
			})
		}

	case strings.HasPrefix(embed.Type, "app.bsky.embed.record"):
		if embed.Record != nil {
			post.IsQuote = true
			quoteRkey := rkeyFromATURI(embed.Record.URI)
			post.QuotedPost = &models.QuotedPost{
				URL:    fmt.Sprintf("https://bsky.app/profile/%s/post/%s", embed.Record.Author.Handle, quoteRkey),
				Author: embed.Record.Author.Handle,
			}
		}
		// recordWithMedia nests the actual media embed.
		if embed.Media != nil {
			a.applyEmbed(post, embed.Media)
		}
	}
}

// ExpandFacets replaces truncated display URLs with the facet's full URI.
// Facet indices are byte offsets into the UTF-8 text, not rune offsets;
// ranges are half-open [byteStart, byteEnd). Overlapping or out-of-range
// facets are ignored.
func ExpandFacets(text string, facets []bskyFacet) string {
	if len(facets) == 0 {
		return text
	}

	type span struct {
		start, end int
		uri        string
	}
	var spans []span
	for _, f := range facets {
		for _, feat := range f.Features {
			if !strings.HasSuffix(feat.Type, "#link") || feat.URI == "" {
				continue
			}
			s, e := f.Index.ByteStart, f.Index.ByteEnd
			if s < 0 || e > len(text) || s >= e {
				continue
			}
			spans = append(spans, span{start: s, end: e, uri: feat.URI})
		}
	}
	if len(spans) == 0 {
		return text
	}

	// Apply right to left so earlier offsets stay valid.
	sort.Slice(spans, func(i, j int) bool { return spans[i].start > spans[j].start })

	raw := []byte(text)
	prevStart := len(raw) + 1
	for _, sp := range spans {
		if sp.end > prevStart {
			continue
		}
		prevStart = sp.start
		replaced := make([]byte, 0, len(raw)-(sp.end-sp.start)+len(sp.uri))
		replaced = append(replaced, raw[:sp.start]...)
		replaced = append(replaced, sp.uri...)
		replaced = append(replaced, raw[sp.end:]...)
		raw = replaced
	}
	return string(raw)
}

// rkeyFromATURI extracts the record key from at://did/collection/rkey.
func rkeyFromATURI(uri string) string {
	idx := strings.LastIndex(uri, "/")
	if idx < 0 {
		return uri
	}
	return uri[idx+1:]
}

// didFromATURI extracts the DID authority from an AT-URI.
func didFromATURI(uri string) string {
	trimmed := strings.TrimPrefix(uri, "at://")
	if idx := strings.Index(trimmed, "/"); idx >= 0 {
		return trimmed[:idx]
	}
	return trimmed
}
