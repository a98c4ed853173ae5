package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tlambot/feedgate/internal/config"
)

func blueskySource(params config.SourceParams) config.SourceConfig {
	return config.SourceConfig{
		ID:           "test-bsky",
		Platform:     "bluesky",
		SourceParams: params,
	}
}

func TestExpandFacets(t *testing.T) {
	mkFacet := func(start, end int, uri string) bskyFacet {
		var f bskyFacet
		f.Index.ByteStart = start
		f.Index.ByteEnd = end
		f.Features = append(f.Features, struct {
			Type string `json:"$type"`
			URI  string `json:"uri"`
		}{Type: "app.bsky.richtext.facet#link", URI: uri})
		return f
	}

	tests := []struct {
		name   string
		text   string
		facets []bskyFacet
		want   string
	}{
		{
			name:   "no facets",
			text:   "plain text",
			facets: nil,
			want:   "plain text",
		},
		{
			name:   "single link",
			text:   "ahoj example.com/abc...",
			facets: []bskyFacet{mkFacet(5, 23, "https://example.com/abc/def")},
			want:   "ahoj https://example.com/abc/def",
		},
		{
			// "Привет " is 13 bytes; facet indices are byte offsets.
			name:   "multibyte prefix",
			text:   "Привет example.com",
			facets: []bskyFacet{mkFacet(13, 24, "https://example.com/full")},
			want:   "Привет https://example.com/full",
		},
		{
			name: "two links applied right to left",
			text: "a.com and b.com",
			facets: []bskyFacet{
				mkFacet(0, 5, "https://a.com/x"),
				mkFacet(10, 15, "https://b.com/y"),
			},
			want: "https://a.com/x and https://b.com/y",
		},
		{
			name:   "out of range ignored",
			text:   "short",
			facets: []bskyFacet{mkFacet(2, 99, "https://nope")},
			want:   "short",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpandFacets(tt.text, tt.facets); got != tt.want {
				t.Errorf("ExpandFacets = %q, want %q", got, tt.want)
			}
		})
	}
}

func mustFeedItem(t *testing.T, raw string) bskyFeedItem {
	t.Helper()
	var item bskyFeedItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}
	return item
}

func TestItemToPostClassification(t *testing.T) {
	adapter := &BlueskyAdapter{
		source: blueskySource(config.SourceParams{Handle: "alice.bsky.social"}),
		logger: testLogger(),
	}

	t.Run("repost", func(t *testing.T) {
		item := mustFeedItem(t, `{
			"post": {
				"uri": "at://did:plc:orig/app.bsky.feed.post/3kaaa",
				"author": {"did": "did:plc:orig", "handle": "bob.bsky.social", "displayName": "Bob"},
				"record": {"text": "hello", "createdAt": "2024-05-01T10:00:00Z"}
			},
			"reason": {"$type": "app.bsky.feed.defs#reasonRepost", "by": {"handle": "alice.bsky.social"}}
		}`)
		post := adapter.itemToPost(item)
		if !post.IsRepost || post.RepostedBy != "alice.bsky.social" {
			t.Errorf("repost not classified: %+v", post)
		}
		if post.ID != "3kaaa" {
			t.Errorf("rkey = %q", post.ID)
		}
	})

	t.Run("self-reply is thread post", func(t *testing.T) {
		item := mustFeedItem(t, `{
			"post": {
				"uri": "at://did:plc:self/app.bsky.feed.post/3kbbb",
				"author": {"did": "did:plc:self", "handle": "alice.bsky.social"},
				"record": {
					"text": "part two",
					"createdAt": "2024-05-01T10:00:00Z",
					"reply": {"parent": {"uri": "at://did:plc:self/app.bsky.feed.post/3kaaa"}}
				}
			}
		}`)
		post := adapter.itemToPost(item)
		if !post.IsThreadPost || post.IsReply {
			t.Errorf("self-reply should be a thread post: %+v", post)
		}
		if post.ReplyTo != "at://did:plc:self/app.bsky.feed.post/3kaaa" {
			t.Errorf("reply_to = %q", post.ReplyTo)
		}
	})

	t.Run("reply to other account", func(t *testing.T) {
		item := mustFeedItem(t, `{
			"post": {
				"uri": "at://did:plc:self/app.bsky.feed.post/3kccc",
				"author": {"did": "did:plc:self", "handle": "alice.bsky.social"},
				"record": {
					"text": "replying",
					"createdAt": "2024-05-01T10:00:00Z",
					"reply": {"parent": {"uri": "at://did:plc:other/app.bsky.feed.post/3kaaa"}}
				}
			},
			"reply": {"parent": {"uri": "at://did:plc:other/app.bsky.feed.post/3kaaa", "author": {"handle": "carol.bsky.social"}}}
		}`)
		post := adapter.itemToPost(item)
		if !post.IsReply || post.IsThreadPost {
			t.Errorf("cross-account reply misclassified: %+v", post)
		}
		if post.ReplyToHandle != "carol.bsky.social" {
			t.Errorf("reply_to_handle = %q", post.ReplyToHandle)
		}
	})

	t.Run("quote with embedded record", func(t *testing.T) {
		item := mustFeedItem(t, `{
			"post": {
				"uri": "at://did:plc:self/app.bsky.feed.post/3kddd",
				"author": {"did": "did:plc:self", "handle": "alice.bsky.social"},
				"record": {"text": "look at this", "createdAt": "2024-05-01T10:00:00Z"},
				"embed": {
					"$type": "app.bsky.embed.record#view",
					"record": {"uri": "at://did:plc:other/app.bsky.feed.post/3kzzz", "author": {"handle": "carol.bsky.social"}}
				}
			}
		}`)
		post := adapter.itemToPost(item)
		if !post.IsQuote || post.QuotedPost == nil {
			t.Fatalf("quote not classified: %+v", post)
		}
		if post.QuotedPost.URL != "https://bsky.app/profile/carol.bsky.social/post/3kzzz" {
			t.Errorf("quoted URL = %q", post.QuotedPost.URL)
		}
	})

	t.Run("image embed", func(t *testing.T) {
		item := mustFeedItem(t, `{
			"post": {
				"uri": "at://did:plc:self/app.bsky.feed.post/3keee",
				"author": {"did": "did:plc:self", "handle": "alice.bsky.social"},
				"record": {"text": "photos", "createdAt": "2024-05-01T10:00:00Z"},
				"embed": {
					"$type": "app.bsky.embed.images#view",
					"images": [
						{"fullsize": "https://cdn/img1.jpg", "alt": "first", "aspectRatio": {"width": 800, "height": 600}},
						{"fullsize": "https://cdn/img2.jpg"}
					]
				}
			}
		}`)
		post := adapter.itemToPost(item)
		if len(post.Media) != 2 {
			t.Fatalf("expected 2 media, got %d", len(post.Media))
		}
		if post.Media[0].AltText != "first" || post.Media[0].Width != 800 {
			t.Errorf("first media = %+v", post.Media[0])
		}
	})
}

func TestBlueskyFetchAuthorFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/app.bsky.feed.getAuthorFeed" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("filter"); got != "posts_no_replies" {
			t.Errorf("filter = %q", got)
		}
		fmt.Fprint(w, `{"feed": [{
			"post": {
				"uri": "at://did:plc:self/app.bsky.feed.post/3kfff",
				"author": {"did": "did:plc:self", "handle": "alice.bsky.social"},
				"record": {"text": "hello world", "createdAt": "2024-05-01T10:00:00Z"}
			}
		}]}`)
	}))
	defer srv.Close()

	adapter, err := NewBlueskyAdapter(blueskySource(config.SourceParams{Handle: "alice.bsky.social"}), testLogger())
	if err != nil {
		t.Fatalf("NewBlueskyAdapter: %v", err)
	}
	adapter.apiBase = srv.URL

	posts, err := adapter.Fetch(context.Background(), time.Time{}, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(posts) != 1 || posts[0].Text != "hello world" {
		t.Fatalf("unexpected posts: %+v", posts)
	}
	if posts[0].URL != "https://bsky.app/profile/alice.bsky.social/post/3kfff" {
		t.Errorf("url = %q", posts[0].URL)
	}
}

func TestBlueskyCustomFeedResolution(t *testing.T) {
	var gotFeedURI string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/com.atproto.identity.resolveHandle":
			fmt.Fprint(w, `{"did": "did:plc:creator"}`)
		case "/app.bsky.feed.getFeed":
			gotFeedURI = r.URL.Query().Get("feed")
			fmt.Fprint(w, `{"feed": []}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	adapter, err := NewBlueskyAdapter(blueskySource(config.SourceParams{
		FeedCreator: "maker.bsky.social",
		FeedRkey:    "news-feed",
	}), testLogger())
	if err != nil {
		t.Fatalf("NewBlueskyAdapter: %v", err)
	}
	adapter.apiBase = srv.URL

	if _, err := adapter.Fetch(context.Background(), time.Time{}, 0); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	want := "at://did:plc:creator/app.bsky.feed.generator/news-feed"
	if gotFeedURI != want {
		t.Errorf("feed URI = %q, want %q", gotFeedURI, want)
	}
}

func TestBlueskyRequiresSourceParams(t *testing.T) {
	if _, err := NewBlueskyAdapter(blueskySource(config.SourceParams{}), testLogger()); err == nil {
		t.Fatal("expected config error for empty source params")
	}
}
