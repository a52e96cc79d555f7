// Package scheduler bounds, paces and retries every HTTP fetch the crawl makes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/apilink-crawler/internal/crawler"
	"github.com/JakeFAU/apilink-crawler/internal/metrics"
	"github.com/JakeFAU/apilink-crawler/internal/robots"
)

// DefaultRetryHTTPCodes are the statuses retried when none are configured.
var DefaultRetryHTTPCodes = []int{500, 502, 503, 504, 408, 429}

// AutoThrottleConfig adapts per-host delay to observed latency.
type AutoThrottleConfig struct {
	Enabled           bool
	StartDelay        time.Duration
	MaxDelay          time.Duration
	TargetConcurrency float64
}

// MemoryConfig is the soft cap on buffered response bytes.
type MemoryConfig struct {
	Enabled      bool
	LimitBytes   int64
	WarningBytes int64
	WatchHeap    bool
}

// Config controls concurrency, pacing and retries.
type Config struct {
	MaxConcurrency     int
	PerHostConcurrency int
	DownloadDelay      time.Duration
	RandomizeDelay     bool
	AutoThrottle       AutoThrottleConfig
	RetryTimes         int
	RetryHTTPCodes     []int
	RequestTimeout     time.Duration
	Headers            http.Header
	Memory             MemoryConfig
}

// ResponseCache short-circuits fetches that were answered recently.
type ResponseCache interface {
	Get(ctx context.Context, rawURL string) (crawler.FetchResult, bool)
	Put(ctx context.Context, result crawler.FetchResult)
}

// HostLimiter applies an additional per-host request rate.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithRobots enables robots.txt checks.
func WithRobots(policy crawler.RobotsPolicy) Option {
	return func(s *Scheduler) { s.robots = policy }
}

// WithCache consults cache before any network fetch.
func WithCache(cache ResponseCache) Option {
	return func(s *Scheduler) { s.cache = cache }
}

// WithHostLimiter adds a per-host rate limiter after the politeness wait.
func WithHostLimiter(limiter HostLimiter) Option {
	return func(s *Scheduler) { s.limiter = limiter }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// Scheduler runs fetches under global and per-host bounds with politeness,
// retries, robots checks and a memory soft cap.
type Scheduler struct {
	cfg       Config
	fetcher   crawler.Fetcher
	robots    crawler.RobotsPolicy
	cache     ResponseCache
	limiter   HostLimiter
	global    *semaphore.Weighted
	hostMu    sync.Mutex
	hostSems  map[string]*semaphore.Weighted
	polite    *politeness
	budget    *memoryBudget
	retryable map[int]struct{}
	inflight  atomic.Int64
	logger    *zap.Logger
}

// New builds a Scheduler around fetcher.
func New(cfg Config, fetcher crawler.Fetcher, opts ...Option) (*Scheduler, error) {
	if fetcher == nil {
		return nil, errors.New("scheduler requires a fetcher")
	}
	if cfg.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("max concurrency must be > 0, got %d", cfg.MaxConcurrency)
	}
	if cfg.PerHostConcurrency <= 0 {
		return nil, fmt.Errorf("per-host concurrency must be > 0, got %d", cfg.PerHostConcurrency)
	}
	if cfg.RetryTimes < 0 {
		return nil, fmt.Errorf("retry times must be >= 0, got %d", cfg.RetryTimes)
	}
	codes := cfg.RetryHTTPCodes
	if codes == nil {
		codes = DefaultRetryHTTPCodes
	}
	retryable := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		retryable[c] = struct{}{}
	}

	s := &Scheduler{
		cfg:       cfg,
		fetcher:   fetcher,
		robots:    robots.AllowAll{},
		global:    semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		hostSems:  make(map[string]*semaphore.Weighted),
		polite:    newPoliteness(cfg.DownloadDelay, cfg.RandomizeDelay, cfg.AutoThrottle),
		retryable: retryable,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("scheduler")
	s.budget = newMemoryBudget(cfg.Memory, s.logger)
	return s, nil
}

// Fetch performs a GET for rawURL. Non-2xx statuses outside the retry set are
// returned as results. Callers must pass every successful result to Release.
func (s *Scheduler) Fetch(ctx context.Context, rawURL string) (crawler.FetchResult, error) {
	u, err := crawler.ParseHTTPURL(rawURL)
	if err != nil {
		return crawler.FetchResult{}, err
	}
	target := u.String()
	host := strings.ToLower(u.Host)

	if err := ctx.Err(); err != nil {
		return crawler.FetchResult{}, fmt.Errorf("fetch %s: %w", target, err)
	}
	if !s.robots.Allowed(ctx, target) {
		return crawler.FetchResult{}, fmt.Errorf("fetch %s: %w", target, ErrDisallowedByRobots)
	}
	if s.cache != nil {
		if res, ok := s.cache.Get(ctx, target); ok {
			metrics.ObserveFetch(target, res.StatusCode, len(res.Body), true, 0)
			s.budget.reserve(len(res.Body))
			return res, nil
		}
	}

	attempts := s.cfg.RetryTimes + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			metrics.ObserveRetry(target)
			s.logger.Debug("retrying fetch",
				zap.String("url", target),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
		}

		res, err := s.attempt(ctx, target, host)
		if err != nil {
			if errors.Is(err, ErrOverBudget) || ctx.Err() != nil {
				return crawler.FetchResult{}, err
			}
			lastErr = err
			continue
		}
		if _, retry := s.retryable[res.StatusCode]; retry {
			lastErr = &StatusError{URL: target, StatusCode: res.StatusCode}
			continue
		}

		if s.cache != nil {
			s.cache.Put(ctx, res)
		}
		s.budget.reserve(len(res.Body))
		return res, nil
	}
	return crawler.FetchResult{}, fmt.Errorf("fetch %s: %w after %d attempts: %w", target, ErrRetriesExhausted, attempts, lastErr)
}

// Release returns a result's body bytes to the memory budget.
func (s *Scheduler) Release(res crawler.FetchResult) {
	s.budget.release(len(res.Body))
}

// Overloaded reports whether the memory soft cap is currently exceeded.
func (s *Scheduler) Overloaded() bool {
	return s.budget.exceeded()
}

// InFlight returns the number of network fetches in progress.
func (s *Scheduler) InFlight() int {
	return int(s.inflight.Load())
}

func (s *Scheduler) attempt(ctx context.Context, target, host string) (crawler.FetchResult, error) {
	if s.budget.exceeded() {
		return crawler.FetchResult{}, fmt.Errorf("fetch %s: %w", target, ErrOverBudget)
	}

	hostSem := s.hostSemaphore(host)
	if err := hostSem.Acquire(ctx, 1); err != nil {
		return crawler.FetchResult{}, fmt.Errorf("acquire host slot: %w", err)
	}
	defer hostSem.Release(1)

	waited, err := s.polite.wait(ctx, host)
	if err != nil {
		return crawler.FetchResult{}, fmt.Errorf("politeness wait: %w", err)
	}
	if waited > 0 {
		metrics.ObservePolitenessDelay(target, waited)
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, target); err != nil {
			return crawler.FetchResult{}, err
		}
	}

	if err := s.global.Acquire(ctx, 1); err != nil {
		return crawler.FetchResult{}, fmt.Errorf("acquire global slot: %w", err)
	}
	defer s.global.Release(1)

	s.inflight.Add(1)
	metrics.IncInflight()
	defer func() {
		s.inflight.Add(-1)
		metrics.DecInflight()
	}()

	// A started fetch runs to completion even if the crawl is stopping.
	fetchCtx := context.WithoutCancel(ctx)
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(fetchCtx, s.cfg.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := s.fetcher.Fetch(fetchCtx, crawler.FetchRequest{
		URL:     target,
		Headers: s.cfg.Headers.Clone(),
		Timeout: s.cfg.RequestTimeout,
	})
	elapsed := time.Since(start)
	if err != nil {
		s.logger.Debug("fetch attempt failed", zap.String("url", target), zap.Duration("elapsed", elapsed), zap.Error(err))
		return crawler.FetchResult{}, fmt.Errorf("fetch %s: %w", target, err)
	}
	if res.Duration == 0 {
		res.Duration = elapsed
	}
	s.polite.observe(host, elapsed, res.StatusCode)
	metrics.ObserveFetch(target, res.StatusCode, len(res.Body), false, elapsed)
	return res, nil
}

func (s *Scheduler) hostSemaphore(host string) *semaphore.Weighted {
	s.hostMu.Lock()
	defer s.hostMu.Unlock()
	sem, ok := s.hostSems[host]
	if !ok {
		sem = semaphore.NewWeighted(int64(s.cfg.PerHostConcurrency))
		s.hostSems[host] = sem
	}
	return sem
}
