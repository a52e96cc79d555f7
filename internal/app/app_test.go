package app_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/apilink-crawler/internal/api"
	"github.com/JakeFAU/apilink-crawler/internal/app"
	"github.com/JakeFAU/apilink-crawler/internal/config"
	"github.com/JakeFAU/apilink-crawler/internal/crawler"
	"github.com/JakeFAU/apilink-crawler/internal/dispatcher"
)

type site struct {
	*httptest.Server
	privateHits atomic.Int64
}

func newSite(t *testing.T) *site {
	t.Helper()
	s := &site{}
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body>
			<a href="/a">A</a><a href="/private/x">secret</a>
			<script>fetch("/api/v1/items")</script>
		</body></html>`)
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<a href="/">home</a>`)
	})
	mux.HandleFunc("/private/", func(w http.ResponseWriter, _ *http.Request) {
		s.privateHits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<a href="/hidden">hidden</a>`)
	})
	mux.HandleFunc("/api/v1/items", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"items":[1,2,3]}`)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func testConfig(t *testing.T, seed string) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load("", map[string]any{
		"crawler.seed_url":       seed,
		"crawler.download_delay": "0s",
		"autothrottle.enabled":   false,
		"httpcache.dir":          filepath.Join(dir, "cache"),
		"output.path":            filepath.Join(dir, "out", "apis_and_links.json"),
	})
	require.NoError(t, err)
	return cfg
}

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var records []map[string]any
	require.NoError(t, json.Unmarshal(data, &records), "output must be a JSON array: %s", data)
	return records
}

func TestRunWritesJSONArray(t *testing.T) {
	srv := newSite(t)
	cfg := testConfig(t, srv.URL+"/")

	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	assert.Equal(t, api.StateStarting, a.Status().State)

	res, err := a.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, dispatcher.StopDrained, res.Summary.Reason)
	assert.Equal(t, a.RunID(), res.RunID)
	assert.EqualValues(t, 2, res.Stats.Pages, "/ and /a")
	assert.EqualValues(t, 1, res.Stats.Failures, "robots-disallowed page")
	assert.Equal(t, 3, res.Records[crawler.RecordTypeLink])
	assert.Equal(t, 1, res.Records[crawler.RecordTypeAPI])
	assert.Zero(t, srv.privateHits.Load(), "disallowed path must never be requested")

	records := readRecords(t, cfg.Output.Path)
	require.Len(t, records, 4)
	var endpoint map[string]any
	for _, r := range records {
		if r["type"] == "API" {
			endpoint = r
		}
	}
	require.NotNil(t, endpoint)
	assert.Equal(t, "items", endpoint["endpoint_name"])
	assert.Equal(t, "GET", endpoint["method"])
	assert.Equal(t, `{"items":[1,2,3]}`, endpoint["response_body"])

	status := a.Status()
	assert.Equal(t, api.StateStopped, status.State)
	assert.Equal(t, string(dispatcher.StopDrained), status.StopReason)
	assert.Equal(t, 3, status.Records["LINK"])
	assert.Zero(t, status.Pending)
}

func TestRunCanceledStillFinalizesOutput(t *testing.T) {
	srv := newSite(t)
	cfg := testConfig(t, srv.URL+"/")

	a, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := a.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, dispatcher.StopCanceled, res.Summary.Reason)
	assert.Empty(t, readRecords(t, cfg.Output.Path))
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	cfg := testConfig(t, "https://example.com/")
	cfg.Output.Format = "xml"

	_, err := app.New(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	cfg := testConfig(t, "https://example.com/")
	a, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}
