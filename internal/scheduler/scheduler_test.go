package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/apilink-crawler/internal/crawler"
)

type stubFetcher struct {
	mu     sync.Mutex
	calls  int
	starts []time.Time
	fn     func(call int, req crawler.FetchRequest) (crawler.FetchResult, error)
}

func (f *stubFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.starts = append(f.starts, time.Now())
	f.mu.Unlock()
	return f.fn(call, req)
}

func (f *stubFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func okResult(req crawler.FetchRequest, status int, body string) crawler.FetchResult {
	return crawler.FetchResult{URL: req.URL, FinalURL: req.URL, StatusCode: status, Body: []byte(body)}
}

func baseConfig() Config {
	return Config{
		MaxConcurrency:     4,
		PerHostConcurrency: 2,
		RetryTimes:         2,
	}
}

type denyRobots struct{}

func (denyRobots) Allowed(context.Context, string) bool { return false }

func TestFetchRetriesExhaustedOnServiceUnavailable(t *testing.T) {
	t.Parallel()

	f := &stubFetcher{fn: func(_ int, req crawler.FetchRequest) (crawler.FetchResult, error) {
		return okResult(req, 503, "busy"), nil
	}}
	s, err := New(baseConfig(), f)
	require.NoError(t, err)

	_, err = s.Fetch(context.Background(), "https://example.com/flaky")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 503, statusErr.StatusCode)
	assert.Equal(t, 3, f.Calls())
}

func TestFetchRetriesTransportErrors(t *testing.T) {
	t.Parallel()

	f := &stubFetcher{fn: func(call int, req crawler.FetchRequest) (crawler.FetchResult, error) {
		if call < 3 {
			return crawler.FetchResult{}, errors.New("connection reset")
		}
		return okResult(req, 200, "ok"), nil
	}}
	s, err := New(baseConfig(), f)
	require.NoError(t, err)

	res, err := s.Fetch(context.Background(), "https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, 3, f.Calls())
}

func TestFetchReturnsNonRetryableStatus(t *testing.T) {
	t.Parallel()

	f := &stubFetcher{fn: func(_ int, req crawler.FetchRequest) (crawler.FetchResult, error) {
		return okResult(req, 404, "missing"), nil
	}}
	s, err := New(baseConfig(), f)
	require.NoError(t, err)

	res, err := s.Fetch(context.Background(), "https://example.com/nope")
	require.NoError(t, err)
	assert.Equal(t, 404, res.StatusCode)
	assert.Equal(t, 1, f.Calls())
}

func TestFetchRetryDisabled(t *testing.T) {
	t.Parallel()

	f := &stubFetcher{fn: func(_ int, req crawler.FetchRequest) (crawler.FetchResult, error) {
		return okResult(req, 500, ""), nil
	}}
	cfg := baseConfig()
	cfg.RetryTimes = 0
	s, err := New(cfg, f)
	require.NoError(t, err)

	_, err = s.Fetch(context.Background(), "https://example.com/")
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 1, f.Calls())
}

func TestFetchRobotsDisallowed(t *testing.T) {
	t.Parallel()

	f := &stubFetcher{fn: func(_ int, req crawler.FetchRequest) (crawler.FetchResult, error) {
		return okResult(req, 200, ""), nil
	}}
	s, err := New(baseConfig(), f, WithRobots(denyRobots{}))
	require.NoError(t, err)

	_, err = s.Fetch(context.Background(), "https://example.com/private")
	assert.ErrorIs(t, err, ErrDisallowedByRobots)
	assert.Zero(t, f.Calls())
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	f := &stubFetcher{fn: func(_ int, req crawler.FetchRequest) (crawler.FetchResult, error) {
		return okResult(req, 200, ""), nil
	}}
	s, err := New(baseConfig(), f)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Fetch(ctx, "https://example.com/")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.Calls())
}

func TestFetchRejectsBadURL(t *testing.T) {
	t.Parallel()

	s, err := New(baseConfig(), &stubFetcher{})
	require.NoError(t, err)
	_, err = s.Fetch(context.Background(), "ftp://example.com/file")
	assert.ErrorIs(t, err, crawler.ErrUnsupportedScheme)
}

func TestPolitenessSpacesSameHost(t *testing.T) {
	t.Parallel()

	f := &stubFetcher{fn: func(_ int, req crawler.FetchRequest) (crawler.FetchResult, error) {
		return okResult(req, 200, ""), nil
	}}
	cfg := baseConfig()
	cfg.DownloadDelay = 60 * time.Millisecond
	s, err := New(cfg, f)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Fetch(context.Background(), "https://example.com/page")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, f.starts, 3)
	f.mu.Lock()
	defer f.mu.Unlock()
	starts := append([]time.Time(nil), f.starts...)
	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), 40*time.Millisecond)
	}
}

func TestPolitenessIndependentHosts(t *testing.T) {
	t.Parallel()

	f := &stubFetcher{fn: func(_ int, req crawler.FetchRequest) (crawler.FetchResult, error) {
		return okResult(req, 200, ""), nil
	}}
	cfg := baseConfig()
	cfg.DownloadDelay = time.Second
	s, err := New(cfg, f)
	require.NoError(t, err)

	start := time.Now()
	for _, u := range []string{"https://a.example/", "https://b.example/", "https://c.example/"} {
		_, err := s.Fetch(context.Background(), u)
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestConcurrencyBounds(t *testing.T) {
	t.Parallel()

	var (
		current atomic.Int32
		peak    atomic.Int32
	)
	f := &stubFetcher{fn: func(_ int, req crawler.FetchRequest) (crawler.FetchResult, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return okResult(req, 200, ""), nil
	}}
	cfg := baseConfig()
	cfg.MaxConcurrency = 3
	cfg.PerHostConcurrency = 1
	s, err := New(cfg, f)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Fetch(context.Background(), "https://same.example/x")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load(), "per-host bound")

	peak.Store(0)
	hosts := []string{"a", "b", "c", "d", "e", "f"}
	for _, h := range hosts {
		wg.Add(1)
		go func(h string) {
			defer wg.Done()
			_, err := s.Fetch(context.Background(), "https://"+h+".example/x")
			assert.NoError(t, err)
		}(h)
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(3), "global bound")
}

func TestMemoryBudgetShedsNewFetches(t *testing.T) {
	t.Parallel()

	f := &stubFetcher{fn: func(_ int, req crawler.FetchRequest) (crawler.FetchResult, error) {
		return okResult(req, 200, "0123456789abcdefghij"), nil
	}}
	cfg := baseConfig()
	cfg.Memory = MemoryConfig{Enabled: true, LimitBytes: 10, WarningBytes: 5}
	s, err := New(cfg, f)
	require.NoError(t, err)

	first, err := s.Fetch(context.Background(), "https://example.com/1")
	require.NoError(t, err)
	assert.True(t, s.Overloaded())

	_, err = s.Fetch(context.Background(), "https://example.com/2")
	assert.ErrorIs(t, err, ErrOverBudget)
	assert.Equal(t, 1, f.Calls())

	s.Release(first)
	assert.False(t, s.Overloaded())
	_, err = s.Fetch(context.Background(), "https://example.com/3")
	assert.NoError(t, err)
}

func TestMemoryWarningIsThrottled(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	b := newMemoryBudget(MemoryConfig{Enabled: true, LimitBytes: 100, WarningBytes: 10}, zap.New(core))
	b.reserve(50)
	for i := 0; i < 5; i++ {
		assert.False(t, b.exceeded())
	}
	assert.Equal(t, 1, logs.FilterMessage("memory usage above warning threshold").Len())
}

func TestMemoryBudgetWatchesHeap(t *testing.T) {
	t.Parallel()

	b := newMemoryBudget(MemoryConfig{Enabled: true, LimitBytes: 100, WatchHeap: true}, zap.NewNop())
	b.readHeap = func() int64 { return 500 }
	assert.True(t, b.exceeded())

	disabled := newMemoryBudget(MemoryConfig{LimitBytes: 1}, zap.NewNop())
	disabled.reserve(10)
	assert.False(t, disabled.exceeded())
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]crawler.FetchResult
}

func (c *mapCache) Get(_ context.Context, u string) (crawler.FetchResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.entries[u]
	if ok {
		res.FromCache = true
	}
	return res, ok
}

func (c *mapCache) Put(_ context.Context, res crawler.FetchResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[res.URL] = res
}

func TestCacheShortCircuits(t *testing.T) {
	t.Parallel()

	f := &stubFetcher{fn: func(_ int, req crawler.FetchRequest) (crawler.FetchResult, error) {
		return okResult(req, 200, "fresh"), nil
	}}
	cache := &mapCache{entries: map[string]crawler.FetchResult{}}
	s, err := New(baseConfig(), f, WithCache(cache))
	require.NoError(t, err)

	first, err := s.Fetch(context.Background(), "https://example.com/c")
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := s.Fetch(context.Background(), "https://example.com/c")
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, "fresh", string(second.Body))
	assert.Equal(t, 1, f.Calls())
}

func TestHeadersForwarded(t *testing.T) {
	t.Parallel()

	var got atomic.Value
	f := &stubFetcher{fn: func(_ int, req crawler.FetchRequest) (crawler.FetchResult, error) {
		got.Store(req.Headers.Get("Accept-Language"))
		return okResult(req, 200, ""), nil
	}}
	cfg := baseConfig()
	cfg.Headers = map[string][]string{"Accept-Language": {"en"}}
	s, err := New(cfg, f)
	require.NoError(t, err)

	_, err = s.Fetch(context.Background(), "https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "en", got.Load())
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(baseConfig(), nil)
	assert.Error(t, err)

	cfg := baseConfig()
	cfg.MaxConcurrency = 0
	_, err = New(cfg, &stubFetcher{})
	assert.Error(t, err)

	cfg = baseConfig()
	cfg.PerHostConcurrency = 0
	_, err = New(cfg, &stubFetcher{})
	assert.Error(t, err)

	cfg = baseConfig()
	cfg.RetryTimes = -1
	_, err = New(cfg, &stubFetcher{})
	assert.Error(t, err)
}
