package queue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tlambot/feedgate/internal/tier"
)

// maxWebhookBody caps inbound payloads; IFTTT triggers are a few KB.
const maxWebhookBody = 1 << 20

// API is the webhook ingress handler. It validates and files inbound
// payloads; all actual processing happens later in the queue processor.
type API struct {
	prod      *Queue
	test      *Queue
	broadcast *Queue

	secret string
	token  string
	logger *slog.Logger

	started  time.Time
	requests atomic.Int64
}

// NewAPI wires the ingress endpoints over the per-environment queues.
// secret enables HMAC verification of broadcast payloads; token, when set,
// requires a bearer on the tweet endpoint.
func NewAPI(prod, test, broadcast *Queue, secret, token string, logger *slog.Logger) *API {
	return &API{
		prod:      prod,
		test:      test,
		broadcast: broadcast,
		secret:    secret,
		token:     token,
		logger:    logger,
		started:   time.Now(),
	}
}

// Handler builds the route mux.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/ifttt/twitter", a.handleTweet)
	mux.HandleFunc("POST /api/mastodon/broadcast", a.handleBroadcast)
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /stats", a.handleStats)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.requests.Add(1)
		mux.ServeHTTP(w, r)
	})
}

func (a *API) queueFor(env string) (*Queue, string) {
	if env == "test" {
		return a.test, "test"
	}
	return a.prod, "prod"
}

func (a *API) handleTweet(w http.ResponseWriter, r *http.Request) {
	if a.token != "" {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") ||
			!hmac.Equal([]byte(strings.TrimPrefix(auth, "Bearer ")), []byte(a.token)) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	var payload tier.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	// Decode runs only here; the processor re-normalizes the stored payload
	// but must never decode it a second time.
	payload.Decode()
	payload.Normalize(nil)
	if payload.Text == "" || payload.Username == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text and username are required"})
		return
	}

	q, env := a.queueFor(r.URL.Query().Get("env"))
	name, err := q.Enqueue(Job{WebhookPayload: payload})
	if err != nil {
		a.logger.Error("enqueue failed",
			slog.String("env", env),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "queue write failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "queued",
		"queue_file": name,
		"post_id":    payload.PostID,
	})
}

func (a *API) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	if !a.verifySignature(body, r.Header.Get("X-Hub-Signature")) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	var event struct {
		Event  string `json:"event"`
		Object struct {
			ID string `json:"id"`
		} `json:"object"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if event.Event != "" && !strings.HasPrefix(event.Event, "status.") {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	statusID := event.Object.ID
	if statusID == "" {
		statusID = "unknown"
	}
	// The raw body is preserved verbatim for downstream collaborators.
	name := a.broadcast.Filename("tlambot", statusID)
	if err := a.broadcast.EnqueueRaw(name, body); err != nil {
		a.logger.Error("broadcast enqueue failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "queue write failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "queued", "queue_file": name})
}

// verifySignature checks the hex HMAC-SHA256 in "sha256=<hex>" form. An
// empty secret disables verification, for local development only.
func (a *API) verifySignature(body []byte, header string) bool {
	if a.secret == "" {
		return true
	}
	expected, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}

	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.ToLower(expected)))
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"uptime":       time.Since(a.started).Round(time.Second).String(),
		"requests":     a.requests.Load(),
		"environments": []string{"prod", "test"},
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{}
	for env, q := range map[string]*Queue{"prod": a.prod, "test": a.test, "broadcast": a.broadcast} {
		s, err := q.Stats()
		if err != nil {
			a.logger.Error("stats read failed",
				slog.String("env", env),
				slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stats unavailable"})
			return
		}
		stats[env] = s
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
