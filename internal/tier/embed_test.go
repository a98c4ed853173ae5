package tier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tlambot/feedgate/internal/models"
)

func TestSyndicationToken(t *testing.T) {
	tok := syndicationToken("1234567890")
	if len(tok) != 10 {
		t.Errorf("token length = %d", len(tok))
	}
	if tok != syndicationToken("1234567890") {
		t.Error("token not deterministic")
	}
	if tok == syndicationToken("1234567891") {
		t.Error("token ignores tweet ID")
	}
}

func TestFetchTweet(t *testing.T) {
	var gotUA, gotToken, gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotToken = r.URL.Query().Get("token")
		gotID = r.URL.Query().Get("id")
		w.Write([]byte(`{
			"text": "plný text tweetu",
			"user": {"name": "Foo Bar", "screen_name": "foo"},
			"photos": [{"url": "https://pbs.twimg.com/media/a.jpg"}],
			"video": {"poster": "https://pbs.twimg.com/ext_tw_video_thumb/1/pu/img/x.jpg"}
		}`))
	}))
	defer srv.Close()

	c := NewSyndicationClient(testLogger())
	c.baseURL = srv.URL

	tweet, err := c.FetchTweet(context.Background(), "42")
	if err != nil {
		t.Fatalf("FetchTweet: %v", err)
	}
	if gotID != "42" || gotToken != syndicationToken("42") {
		t.Errorf("query id=%q token=%q", gotID, gotToken)
	}
	if gotUA != syndicationUserAgent {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if tweet.Text != "plný text tweetu" {
		t.Errorf("Text = %q", tweet.Text)
	}
	if tweet.AuthorUser != "foo" || tweet.AuthorName != "Foo Bar" {
		t.Errorf("author = %q %q", tweet.AuthorUser, tweet.AuthorName)
	}
	if len(tweet.Photos) != 1 {
		t.Errorf("photos = %v", tweet.Photos)
	}
	if !tweet.HasVideo || tweet.VideoThumb == "" {
		t.Errorf("video = %v %q", tweet.HasVideo, tweet.VideoThumb)
	}
}

func TestFetchTweetMediaDetailsFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"text": "bez photos pole",
			"mediaDetails": [
				{"type": "photo", "media_url_https": "https://pbs.twimg.com/media/b.jpg"},
				{"type": "video", "media_url_https": "https://pbs.twimg.com/media/c.jpg"}
			]
		}`))
	}))
	defer srv.Close()

	c := NewSyndicationClient(testLogger())
	c.baseURL = srv.URL

	tweet, err := c.FetchTweet(context.Background(), "42")
	if err != nil {
		t.Fatalf("FetchTweet: %v", err)
	}
	if len(tweet.Photos) != 1 || tweet.Photos[0] != "https://pbs.twimg.com/media/b.jpg" {
		t.Errorf("photos = %v", tweet.Photos)
	}
}

func TestFetchTweetFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("id") {
		case "404":
			w.WriteHeader(http.StatusNotFound)
		case "empty":
			w.Write([]byte(`{"text": ""}`))
		default:
			w.Write([]byte(`not json`))
		}
	}))
	defer srv.Close()

	c := NewSyndicationClient(testLogger())
	c.baseURL = srv.URL

	if _, err := c.FetchTweet(context.Background(), "404"); !models.IsKind(err, models.ErrKindNetwork) {
		t.Errorf("404 error = %v", err)
	}
	if _, err := c.FetchTweet(context.Background(), "empty"); !models.IsKind(err, models.ErrKindAdapter) {
		t.Errorf("empty text error = %v", err)
	}
	if _, err := c.FetchTweet(context.Background(), "garbage"); !models.IsKind(err, models.ErrKindAdapter) {
		t.Errorf("bad JSON error = %v", err)
	}
}
