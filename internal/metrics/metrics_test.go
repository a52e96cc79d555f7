package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	if fetchesTotal == nil || recordsTotal == nil || httpRequestsTotal == nil || inflightFetches == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	ObserveFetch("https://metrics-test.example/a", 200, 128, false, 10*time.Millisecond)
	ObserveRetry("https://metrics-test.example/a")
	ObserveRecord("METRICS_TEST")
	ObserveFailure("page", "metrics_test")

	if val := testutil.ToFloat64(fetchesTotal.WithLabelValues("metrics-test.example", "200")); val != 1 {
		t.Errorf("expected fetchesTotal 1, got %f", val)
	}
	if val := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("metrics-test.example")); val != 128 {
		t.Errorf("expected fetchBytesTotal 128, got %f", val)
	}
	if val := testutil.ToFloat64(fetchRetriesTotal.WithLabelValues("metrics-test.example")); val != 1 {
		t.Errorf("expected fetchRetriesTotal 1, got %f", val)
	}
	if val := testutil.ToFloat64(recordsTotal.WithLabelValues("METRICS_TEST")); val != 1 {
		t.Errorf("expected recordsTotal 1, got %f", val)
	}
	if val := testutil.ToFloat64(failuresTotal.WithLabelValues("page", "metrics_test")); val != 1 {
		t.Errorf("expected failuresTotal 1, got %f", val)
	}

	SetFrontierPending(7)
	if val := testutil.ToFloat64(frontierPending); val != 7 {
		t.Errorf("expected frontierPending 7, got %f", val)
	}
	SetMemoryHeld(1024)
	if val := testutil.ToFloat64(memoryHeldBytes); val != 1024 {
		t.Errorf("expected memoryHeldBytes 1024, got %f", val)
	}
}

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/mw-test", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	r.Get("/mw-missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	for _, path := range []string{"/mw-test", "/mw-missing"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		if errInner := resp.Body.Close(); errInner != nil {
			t.Log(errInner)
		}
	}

	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "202")); val != 1 {
		t.Errorf("Expected httpRequestsTotal for GET 202 to be 1, got %f", val)
	}
	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "410")); val != 1 {
		t.Errorf("Expected httpRequestsTotal for GET 410 to be 1, got %f", val)
	}
	if val := testutil.CollectAndCount(httpRequestDurationSeconds); val <= 0 {
		t.Errorf("Expected httpRequestDurationSeconds to be observed, got %d", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
