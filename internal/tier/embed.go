package tier

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tlambot/feedgate/internal/models"
)

const (
	syndicationBase      = "https://cdn.syndication.twimg.com/tweet-result"
	syndicationUserAgent = "Googlebot/2.1 (+http://www.google.com/bot.html)"
)

// EmbedTweet is the subset of the syndication JSON the tiers consume.
type EmbedTweet struct {
	Text       string
	AuthorName string
	AuthorUser string
	Photos     []string
	VideoThumb string
	HasVideo   bool
}

// SyndicationClient reads single tweets from the public embed-JSON service.
// The endpoint is unauthenticated but gated by a deterministic token derived
// from the tweet ID.
type SyndicationClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewSyndicationClient creates the embed-JSON client.
func NewSyndicationClient(logger *slog.Logger) *SyndicationClient {
	return &SyndicationClient{
		baseURL: syndicationBase,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// syndicationToken derives the request token: first 10 hex characters of
// md5 over the tweet ID.
func syndicationToken(id string) string {
	sum := md5.Sum([]byte(id))
	return hex.EncodeToString(sum[:])[:10]
}

// FetchTweet retrieves one tweet by ID.
func (c *SyndicationClient) FetchTweet(ctx context.Context, id string) (*EmbedTweet, error) {
	q := url.Values{}
	q.Set("id", id)
	q.Set("token", syndicationToken(id))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, models.NewError(models.ErrKindAdapter, err)
	}
	req.Header.Set("User-Agent", syndicationUserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, models.NewError(models.ErrKindNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, models.Errorf(models.ErrKindNetwork, "embed service returned %d for tweet %s", resp.StatusCode, id)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.NewError(models.ErrKindNetwork, err)
	}

	var raw struct {
		Text string `json:"text"`
		User struct {
			Name       string `json:"name"`
			ScreenName string `json:"screen_name"`
		} `json:"user"`
		Photos []struct {
			URL string `json:"url"`
		} `json:"photos"`
		Video struct {
			Poster string `json:"poster"`
		} `json:"video"`
		MediaDetails []struct {
			Type     string `json:"type"`
			MediaURL string `json:"media_url_https"`
		} `json:"mediaDetails"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, models.NewError(models.ErrKindAdapter, err)
	}
	if strings.TrimSpace(raw.Text) == "" {
		return nil, models.Errorf(models.ErrKindAdapter, "embed service returned no text for tweet %s", id)
	}

	tweet := &EmbedTweet{
		Text:       strings.ToValidUTF8(raw.Text, "�"),
		AuthorName: raw.User.Name,
		AuthorUser: raw.User.ScreenName,
		VideoThumb: raw.Video.Poster,
		HasVideo:   raw.Video.Poster != "",
	}
	for _, p := range raw.Photos {
		if p.URL != "" {
			tweet.Photos = append(tweet.Photos, p.URL)
		}
	}
	if len(tweet.Photos) == 0 {
		for _, m := range raw.MediaDetails {
			if m.Type == "photo" && m.MediaURL != "" {
				tweet.Photos = append(tweet.Photos, m.MediaURL)
			}
		}
	}
	if len(tweet.Photos) > models.MaxAttachableMedia {
		tweet.Photos = tweet.Photos[:models.MaxAttachableMedia]
	}
	return tweet, nil
}
