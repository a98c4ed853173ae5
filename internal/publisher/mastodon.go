package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/tlambot/feedgate/internal/models"
)

const (
	maxMediaBytes = 10 << 20

	mediaPollInitial     = 1 * time.Second
	mediaPollMax         = 5 * time.Second
	mediaPollAttempts    = 10
	rateLimitAttempts    = 3
	serverErrorAttempts  = 2
	defaultStatusTimeout = 30 * time.Second
)

// Status is the subset of the target instance's status object the gateway
// records. URI is the federation identifier stored for thread lookup.
type Status struct {
	ID  string `json:"id"`
	URL string `json:"url"`
	URI string `json:"uri"`
}

// PublishRequest is one outbound status.
type PublishRequest struct {
	Text       string
	MediaIDs   []string
	Visibility string
	InReplyTo  string
}

// MastodonClient talks to one target account on a Mastodon-compatible
// instance.
type MastodonClient struct {
	instance string
	token    string
	client   *http.Client
	logger   *slog.Logger

	// sleep is replaceable so retry ladders can be tested without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewMastodonClient creates a client for one target account.
func NewMastodonClient(instance, token string, logger *slog.Logger) *MastodonClient {
	return &MastodonClient{
		instance: strings.TrimRight(instance, "/"),
		token:    token,
		client:   &http.Client{Timeout: defaultStatusTimeout},
		logger:   logger,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// VerifyCredentials checks the token and returns the account name.
func (c *MastodonClient) VerifyCredentials(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v1/accounts/verify_credentials", nil, "")
	if err != nil {
		return "", err
	}
	var account struct {
		Username string `json:"username"`
		Acct     string `json:"acct"`
	}
	if err := json.Unmarshal(body, &account); err != nil {
		return "", models.NewError(models.ErrKindServer, err)
	}
	if account.Acct != "" {
		return account.Acct, nil
	}
	return account.Username, nil
}

// Publish posts a status, honouring the 429 and 5xx retry ladders. When the
// reply parent no longer exists the status is republished detached once
// rather than dropped.
func (c *MastodonClient) Publish(ctx context.Context, req PublishRequest) (*Status, error) {
	if strings.TrimSpace(req.Text) == "" && len(req.MediaIDs) == 0 {
		return nil, models.Errorf(models.ErrKindValidation, "text cannot be empty")
	}

	inReplyTo := req.InReplyTo
	detachedRetried := false
	rateAttempts, serverAttempts := 0, 0

	for {
		status, err := c.postStatus(ctx, req, inReplyTo)
		if err == nil {
			return status, nil
		}

		switch models.KindOf(err) {
		case models.ErrKindRateLimit:
			rateAttempts++
			if rateAttempts >= rateLimitAttempts {
				return nil, err
			}
			delay := models.RetryAfterOf(err) + jitterSeconds(1, 3)
			c.logger.Warn("rate limited by target instance", "retry_in", delay, "attempt", rateAttempts)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, models.NewError(models.ErrKindNetwork, err)
			}

		case models.ErrKindServer:
			serverAttempts++
			if serverAttempts >= serverErrorAttempts {
				return nil, err
			}
			delay := time.Duration(serverAttempts)*time.Second + jitterSeconds(0, 2)
			c.logger.Warn("server error from target instance", "retry_in", delay, "attempt", serverAttempts)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, models.NewError(models.ErrKindNetwork, err)
			}

		default:
			if inReplyTo != "" && !detachedRetried && isRecordNotFound(err) {
				c.logger.Warn("reply parent missing, republishing detached", "in_reply_to", inReplyTo)
				detachedRetried = true
				inReplyTo = ""
				continue
			}
			return nil, err
		}
	}
}

func (c *MastodonClient) postStatus(ctx context.Context, req PublishRequest, inReplyTo string) (*Status, error) {
	payload := map[string]interface{}{
		"status": req.Text,
	}
	if len(req.MediaIDs) > 0 {
		payload["media_ids"] = req.MediaIDs
	}
	if req.Visibility != "" {
		payload["visibility"] = req.Visibility
	}
	if inReplyTo != "" {
		payload["in_reply_to_id"] = inReplyTo
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, models.NewError(models.ErrKindValidation, err)
	}

	respBody, err := c.do(ctx, http.MethodPost, "/api/v1/statuses", bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, err
	}

	var status Status
	if err := json.Unmarshal(respBody, &status); err != nil {
		return nil, models.NewError(models.ErrKindServer, err)
	}
	return &status, nil
}

// UpdateStatus edits the text of an existing status. Media cannot be
// changed this way; callers delete and republish instead.
func (c *MastodonClient) UpdateStatus(ctx context.Context, statusID, text string) (*Status, error) {
	body, err := json.Marshal(map[string]string{"status": text})
	if err != nil {
		return nil, models.NewError(models.ErrKindValidation, err)
	}

	respBody, err := c.do(ctx, http.MethodPut, "/api/v1/statuses/"+statusID, bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, err
	}

	var status Status
	if err := json.Unmarshal(respBody, &status); err != nil {
		return nil, models.NewError(models.ErrKindServer, err)
	}
	return &status, nil
}

// DeleteStatus removes a status.
func (c *MastodonClient) DeleteStatus(ctx context.Context, statusID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/v1/statuses/"+statusID, nil, "")
	return err
}

// UploadAll uploads every attachable media entry and returns the ready
// media IDs. More than models.MaxAttachableMedia entries is a caller bug.
func (c *MastodonClient) UploadAll(ctx context.Context, media []models.Media) ([]string, error) {
	if len(media) > models.MaxAttachableMedia {
		return nil, models.Errorf(models.ErrKindValidation, "%d media exceed the %d attachment limit", len(media), models.MaxAttachableMedia)
	}

	ids := make([]string, 0, len(media))
	for _, m := range media {
		id, err := c.UploadMedia(ctx, m)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// UploadMedia downloads one attachment from its origin and uploads it via
// the asynchronous media endpoint, polling until the instance has finished
// processing it.
func (c *MastodonClient) UploadMedia(ctx context.Context, m models.Media) (string, error) {
	src := m.URL
	if m.Type == models.MediaVideo && m.ThumbnailURL != "" {
		// Playable video is never mirrored; its thumbnail is.
		src = m.ThumbnailURL
	}
	if src == "" {
		return "", models.Errorf(models.ErrKindValidation, "media entry has no URL")
	}

	data, contentType, err := c.downloadMedia(ctx, src)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", mediaFilename(src))
	if err != nil {
		return "", models.NewError(models.ErrKindValidation, err)
	}
	if _, err := part.Write(data); err != nil {
		return "", models.NewError(models.ErrKindValidation, err)
	}
	if m.AltText != "" {
		if err := writer.WriteField("description", m.AltText); err != nil {
			return "", models.NewError(models.ErrKindValidation, err)
		}
	}
	if err := writer.Close(); err != nil {
		return "", models.NewError(models.ErrKindValidation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.instance+"/api/v2/media", &buf)
	if err != nil {
		return "", models.NewError(models.ErrKindValidation, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", models.NewError(models.ErrKindNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", models.NewError(models.ErrKindNetwork, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusAccepted:
		// Processing continues server side; block until ready.
		var pending Status
		if err := json.Unmarshal(respBody, &pending); err != nil {
			return "", models.NewError(models.ErrKindServer, err)
		}
		if err := c.waitForMedia(ctx, pending.ID); err != nil {
			return "", err
		}
		c.logger.Debug("async media ready", "media_id", pending.ID, "content_type", contentType)
		return pending.ID, nil
	default:
		return "", classifyStatus(resp.StatusCode, resp.Header, respBody)
	}

	var uploaded Status
	if err := json.Unmarshal(respBody, &uploaded); err != nil {
		return "", models.NewError(models.ErrKindServer, err)
	}
	return uploaded.ID, nil
}

func (c *MastodonClient) downloadMedia(ctx context.Context, src string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, "", models.NewError(models.ErrKindValidation, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", models.NewError(models.ErrKindNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", models.Errorf(models.ErrKindNetwork, "media download returned %d for %s", resp.StatusCode, src)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", models.NewError(models.ErrKindNetwork, err)
	}
	if len(data) > maxMediaBytes {
		return nil, "", models.Errorf(models.ErrKindValidation, "media at %s exceeds the %d byte limit", src, maxMediaBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// waitForMedia polls the v1 media endpoint with exponential back-off until
// the attachment reports ready.
func (c *MastodonClient) waitForMedia(ctx context.Context, mediaID string) error {
	delay := mediaPollInitial
	for attempt := 1; attempt <= mediaPollAttempts; attempt++ {
		if err := c.sleep(ctx, delay); err != nil {
			return models.NewError(models.ErrKindNetwork, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.instance+"/api/v1/media/"+mediaID, nil)
		if err != nil {
			return models.NewError(models.ErrKindValidation, err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)

		resp, err := c.client.Do(req)
		if err != nil {
			return models.NewError(models.ErrKindNetwork, err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			return nil
		case http.StatusPartialContent:
			// Still processing.
		default:
			return models.Errorf(models.ErrKindServer, "media %s poll returned %d", mediaID, resp.StatusCode)
		}

		delay *= 2
		if delay > mediaPollMax {
			delay = mediaPollMax
		}
	}
	return models.Errorf(models.ErrKindServer, "media %s not ready after %d polls", mediaID, mediaPollAttempts)
}

// do performs an authenticated request and maps non-2xx responses onto the
// error taxonomy.
func (c *MastodonClient) do(ctx context.Context, method, apiPath string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.instance+apiPath, body)
	if err != nil {
		return nil, models.NewError(models.ErrKindValidation, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, models.NewError(models.ErrKindNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.NewError(models.ErrKindNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus(resp.StatusCode, resp.Header, respBody)
	}
	return respBody, nil
}

// classifyStatus maps an HTTP failure onto the error taxonomy.
func classifyStatus(code int, header http.Header, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}

	switch {
	case code == http.StatusTooManyRequests:
		return models.NewRateLimitError(fmt.Errorf("429: %s", msg), parseRetryAfter(header.Get("Retry-After")))
	case code == http.StatusNotFound:
		return models.Errorf(models.ErrKindNotFound, "404: %s", msg)
	case code == http.StatusForbidden:
		return models.Errorf(models.ErrKindEditForbidden, "403: %s", msg)
	case code == http.StatusUnprocessableEntity:
		return models.Errorf(models.ErrKindValidation, "422: %s", msg)
	case code >= 500:
		return models.Errorf(models.ErrKindServer, "%d: %s", code, msg)
	default:
		return models.Errorf(models.ErrKindNetwork, "%d: %s", code, msg)
	}
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// isRecordNotFound matches the instance's "Record not found" reply for a
// missing in_reply_to parent.
func isRecordNotFound(err error) bool {
	if !models.IsKind(err, models.ErrKindNotFound) && !models.IsKind(err, models.ErrKindValidation) {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "record not found")
}

func jitterSeconds(min, max float64) time.Duration {
	return time.Duration((min + rand.Float64()*(max-min)) * float64(time.Second))
}

func mediaFilename(src string) string {
	name := path.Base(strings.SplitN(src, "?", 2)[0])
	if name == "" || name == "." || name == "/" {
		return "media"
	}
	return name
}
