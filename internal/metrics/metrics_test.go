package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, c *HTTPCollector) string {
	t.Helper()
	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rr.Code)
	}
	return rr.Body.String()
}

func TestInstrumentHandlerRecordsRequest(t *testing.T) {
	c, err := NewHTTPCollector()
	if err != nil {
		t.Fatalf("NewHTTPCollector: %v", err)
	}

	handler := c.InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/ifttt/twitter", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rr.Code)
	}

	body := scrape(t, c)
	if !strings.Contains(body, `feedgate_http_requests_total{method="POST",path="/api/ifttt/twitter",status="401"} 1`) {
		t.Errorf("requests_total not recorded, body=%q", body)
	}
	if !strings.Contains(body, `feedgate_http_request_duration_seconds_count{method="POST",path="/api/ifttt/twitter",status="401"} 1`) {
		t.Errorf("request duration not recorded, body=%q", body)
	}
}

func TestInFlightGaugeReturnsToZero(t *testing.T) {
	c, err := NewHTTPCollector()
	if err != nil {
		t.Fatalf("NewHTTPCollector: %v", err)
	}

	var during string
	handler := c.InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = scrape(t, c)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	if !strings.Contains(during, "feedgate_http_in_flight_requests 1") {
		t.Errorf("gauge during request:\n%s", during)
	}
	if after := scrape(t, c); !strings.Contains(after, "feedgate_http_in_flight_requests 0") {
		t.Errorf("gauge after request:\n%s", after)
	}
}
