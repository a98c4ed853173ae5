package adapters

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/tlambot/feedgate/internal/models"
)

// Adapter turns a source configuration into a finite, ordered list of Post
// records. Implementations drop records whose published_at is not after
// since and return them oldest first.
type Adapter interface {
	// Platform returns the platform this adapter handles.
	Platform() models.Platform

	// Fetch retrieves new posts published after since, capped at limit.
	Fetch(ctx context.Context, since time.Time, limit int) ([]models.Post, error)
}

// HTTPTimeouts are the explicit budgets applied to every outbound call.
// Long-polling is not used; a dead upstream must never hang a source.
type HTTPTimeouts struct {
	Open time.Duration
	Read time.Duration
}

// DefaultTimeouts returns the standard open/read budget.
func DefaultTimeouts() HTTPTimeouts {
	return HTTPTimeouts{Open: 8 * time.Second, Read: 20 * time.Second}
}

// NewHTTPClient builds a client with explicit connect and overall deadlines
// and redirect following disabled; adapters that follow redirects do so by
// hand so hop counts and loops stay bounded.
func NewHTTPClient(t HTTPTimeouts) *http.Client {
	return &http.Client{
		Timeout: t.Open + t.Read,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: t.Open,
			}).DialContext,
			TLSHandshakeTimeout:   t.Open,
			ResponseHeaderTimeout: t.Read,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// filterSince drops posts published at or before since and sorts the rest
// oldest first.
func filterSince(posts []models.Post, since time.Time) []models.Post {
	out := make([]models.Post, 0, len(posts))
	for _, p := range posts {
		if !since.IsZero() && !p.PublishedAt.After(since) {
			continue
		}
		out = append(out, p)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].PublishedAt.Before(out[j-1].PublishedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func capLimit(posts []models.Post, limit int) []models.Post {
	if limit > 0 && len(posts) > limit {
		return posts[:limit]
	}
	return posts
}
