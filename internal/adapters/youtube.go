package adapters

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tlambot/feedgate/internal/config"
	"github.com/tlambot/feedgate/internal/models"
)

const youtubeFeedBase = "https://www.youtube.com/feeds/videos.xml"

// YouTubeAdapter fetches videos from a channel's Atom feed. The channel
// must be configured by its UC… identifier; handle-to-id resolution is
// broken upstream and such sources are rejected outright.
type YouTubeAdapter struct {
	source config.SourceConfig
	client *http.Client
	logger *slog.Logger
}

// NewYouTubeAdapter creates a YouTube adapter for one source.
func NewYouTubeAdapter(source config.SourceConfig, logger *slog.Logger) (*YouTubeAdapter, error) {
	channelID := source.SourceParams.ChannelID
	if channelID == "" {
		return nil, models.Errorf(models.ErrKindConfig, "youtube source %q requires channel_id", source.ID)
	}
	if !strings.HasPrefix(channelID, "UC") {
		return nil, models.Errorf(models.ErrKindConfig,
			"youtube source %q: channel_id %q must be a UC… identifier, handle resolution is not supported", source.ID, channelID)
	}
	return &YouTubeAdapter{
		source: source,
		client: NewHTTPClient(DefaultTimeouts()),
		logger: logger,
	}, nil
}

// Platform returns the platform this adapter handles.
func (a *YouTubeAdapter) Platform() models.Platform { return models.PlatformYouTube }

// feedURL builds the channel feed URL, or the derived UULF playlist that
// excludes short videos.
func (a *YouTubeAdapter) feedURL() string {
	channelID := a.source.SourceParams.ChannelID
	if a.source.SourceParams.ExcludeShorts {
		playlist := "UULF" + strings.TrimPrefix(channelID, "UC")
		return fmt.Sprintf("%s?playlist_id=%s", youtubeFeedBase, playlist)
	}
	return fmt.Sprintf("%s?channel_id=%s", youtubeFeedBase, channelID)
}

type youtubeFeed struct {
	XMLName xml.Name       `xml:"feed"`
	Entries []youtubeEntry `xml:"entry"`
}

type youtubeEntry struct {
	ID        string `xml:"id"`
	VideoID   string `xml:"videoId"`
	Title     string `xml:"title"`
	Published string `xml:"published"`
	Author    struct {
		Name string `xml:"name"`
		URI  string `xml:"uri"`
	} `xml:"author"`
	Link struct {
		Href string `xml:"href,attr"`
	} `xml:"link"`
	Group youtubeMediaGroup `xml:"group"`
}

// youtubeMediaGroup is the media-namespace block carrying description,
// thumbnail and community statistics.
type youtubeMediaGroup struct {
	Description string `xml:"description"`
	Thumbnails  []struct {
		URL    string `xml:"url,attr"`
		Width  int    `xml:"width,attr"`
		Height int    `xml:"height,attr"`
	} `xml:"thumbnail"`
	Community struct {
		StarRating struct {
			Average float64 `xml:"average,attr"`
			Count   int     `xml:"count,attr"`
		} `xml:"starRating"`
		Statistics struct {
			Views int64 `xml:"views,attr"`
		} `xml:"statistics"`
	} `xml:"community"`
}

// Fetch retrieves the channel feed. Upstream 404/500/502/503 become
// TransientError so maintenance windows do not burn the error budget.
func (a *YouTubeAdapter) Fetch(ctx context.Context, since time.Time, limit int) ([]models.Post, error) {
	feedURL := a.feedURL()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, models.NewError(models.ErrKindAdapter, err)
	}
	req.Header.Set("User-Agent", adapterUserAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, models.NewError(models.ErrKindNetwork, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return nil, models.Errorf(models.ErrKindTransient, "youtube feed returned %d for %s", resp.StatusCode, feedURL)
	default:
		return nil, models.Errorf(models.ErrKindNetwork, "unexpected status %d from %s", resp.StatusCode, feedURL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.NewError(models.ErrKindNetwork, err)
	}

	var feed youtubeFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, models.NewError(models.ErrKindAdapter, err)
	}

	posts := make([]models.Post, 0, len(feed.Entries))
	for _, entry := range feed.Entries {
		posts = append(posts, a.entryToPost(entry))
	}

	return capLimit(filterSince(posts, since), limit), nil
}

func (a *YouTubeAdapter) entryToPost(entry youtubeEntry) models.Post {
	videoID := entry.VideoID
	if videoID == "" {
		videoID = strings.TrimPrefix(entry.ID, "yt:video:")
	}

	videoURL := entry.Link.Href
	if videoURL == "" {
		videoURL = "https://www.youtube.com/watch?v=" + videoID
	}

	thumb := a.bestThumbnail(entry.Group)
	if thumb.URL == "" {
		thumb = models.Media{
			Type: models.MediaVideoThumbnail,
			URL:  fmt.Sprintf("https://i.ytimg.com/vi/%s/hqdefault.jpg", videoID),
		}
	}

	post := models.Post{
		Platform:    models.PlatformYouTube,
		ID:          videoID,
		URL:         videoURL,
		Title:       strings.TrimSpace(entry.Title),
		Text:        strings.TrimSpace(entry.Group.Description),
		PublishedAt: parseFeedDate(entry.Published),
		Author: models.Author{
			Username:    entry.Author.Name,
			DisplayName: entry.Author.Name,
			ProfileURL:  entry.Author.URI,
		},
		Media:    []models.Media{thumb},
		HasVideo: true,
	}
	post.SetRaw("views", entry.Group.Community.Statistics.Views)
	post.SetRaw("rating", entry.Group.Community.StarRating.Average)
	return post
}

// bestThumbnail picks the highest-resolution advertised thumbnail.
func (a *YouTubeAdapter) bestThumbnail(group youtubeMediaGroup) models.Media {
	best := models.Media{Type: models.MediaVideoThumbnail}
	bestArea := 0
	for _, t := range group.Thumbnails {
		area := t.Width * t.Height
		if area > bestArea {
			bestArea = area
			best.URL = t.URL
			best.Width = t.Width
			best.Height = t.Height
		}
	}
	return best
}
