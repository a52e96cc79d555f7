// Package robots answers robots.txt allow/deny questions per host.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/apilink-crawler/internal/crawler"
)

const maxRobotsBytes = 1 << 20

// Enforcer enforces robots.txt directives per host. Each host's file is
// fetched at most once per Enforcer.
type Enforcer struct {
	client    *http.Client
	cache     sync.Map
	flight    singleflight.Group
	userAgent string
	logger    *zap.Logger
}

// New builds a RobotsPolicy respecting the config toggle. A nil client gets a
// 10s-timeout default.
func New(respect bool, userAgent string, client *http.Client, logger *zap.Logger) crawler.RobotsPolicy {
	if !respect {
		return AllowAll{}
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enforcer{
		client:    client,
		userAgent: userAgent,
		logger:    logger,
	}
}

// Allowed implements crawler.RobotsPolicy. Unreachable or unparsable
// robots files allow everything.
func (r *Enforcer) Allowed(ctx context.Context, rawURL string) bool {
	if r == nil {
		return true
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	data, err := r.load(ctx, parsed)
	if err != nil {
		r.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return true
	}
	group := data.FindGroup(r.userAgent)
	if group == nil {
		return true
	}
	target := parsed.EscapedPath()
	if target == "" {
		target = "/"
	}
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	return group.Test(target)
}

func (r *Enforcer) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	if data, ok := r.cache.Load(hostKey); ok {
		cached, assertOK := data.(*robotstxt.RobotsData)
		if !assertOK {
			return nil, fmt.Errorf("robots cache type mismatch: %T", data)
		}
		return cached, nil
	}

	v, err, _ := r.flight.Do(hostKey, func() (any, error) {
		data, err := r.fetch(ctx, parsed)
		if err != nil {
			return nil, err
		}
		r.cache.Store(hostKey, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	data, ok := v.(*robotstxt.RobotsData)
	if !ok {
		return nil, fmt.Errorf("robots flight type mismatch: %T", v)
	}
	return data, nil
}

func (r *Enforcer) fetch(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

// AllowAll permits every URL.
type AllowAll struct{}

// Allowed implements crawler.RobotsPolicy.
func (AllowAll) Allowed(context.Context, string) bool { return true }
