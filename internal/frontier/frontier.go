// Package frontier holds the breadth-first crawl queue and its visited set.
package frontier

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/apilink-crawler/internal/crawler"
)

// Scope selects how discovered URLs are matched against the seed.
type Scope string

// Supported scopes.
const (
	ScopeHost              Scope = "host"
	ScopeRegistrableDomain Scope = "registrable_domain"
)

// Excluder reports URLs that must never be crawled.
type Excluder interface {
	IsExcluded(rawURL string) bool
}

// Config controls admission to the frontier.
type Config struct {
	Seed     string
	Scope    Scope
	MaxDepth int
}

// VisitedSet records normalized URLs that have been admitted. It is not safe
// for concurrent use on its own; Frontier guards it.
type VisitedSet struct {
	seen map[string]struct{}
}

// NewVisitedSet returns an empty set.
func NewVisitedSet() *VisitedSet {
	return &VisitedSet{seen: make(map[string]struct{})}
}

// Add inserts key and reports whether it was absent.
func (v *VisitedSet) Add(key string) bool {
	if _, ok := v.seen[key]; ok {
		return false
	}
	v.seen[key] = struct{}{}
	return true
}

// Contains reports membership.
func (v *VisitedSet) Contains(key string) bool {
	_, ok := v.seen[key]
	return ok
}

// Len returns the number of admitted URLs.
func (v *VisitedSet) Len() int {
	return len(v.seen)
}

// Frontier is a FIFO of WorkItems plus the set of URLs ever admitted.
type Frontier struct {
	mu        sync.Mutex
	visited   *VisitedSet
	queue     []crawler.WorkItem
	head      int
	scope     Scope
	scopeKeys map[string]struct{}
	maxDepth  int
	excluder  Excluder
}

// New builds a Frontier scoped to cfg.Seed. excluder may be nil.
func New(cfg Config, excluder Excluder) (*Frontier, error) {
	seed, err := crawler.ParseHTTPURL(cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("seed url: %w", err)
	}
	scope := cfg.Scope
	if scope == "" {
		scope = ScopeHost
	}
	if scope != ScopeHost && scope != ScopeRegistrableDomain {
		return nil, fmt.Errorf("unknown scope %q", scope)
	}
	if cfg.MaxDepth < 0 {
		return nil, errors.New("max depth must be >= 0")
	}
	return &Frontier{
		visited:   NewVisitedSet(),
		scope:     scope,
		scopeKeys: map[string]struct{}{scopeKey(scope, seed): {}},
		maxDepth:  cfg.MaxDepth,
		excluder:  excluder,
	}, nil
}

// TryEnqueue admits rawURL unless it was seen before, lies outside scope,
// is excluded, is not http(s), or exceeds the depth limit. The visited check,
// insert and append happen in one critical section.
func (f *Frontier) TryEnqueue(rawURL string, depth int, source string) bool {
	if f.maxDepth > 0 && depth > f.maxDepth {
		return false
	}
	key, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return false
	}
	if !f.InScope(key) {
		return false
	}
	if f.excluder != nil && (f.excluder.IsExcluded(rawURL) || f.excluder.IsExcluded(key)) {
		return false
	}
	return f.admit(key, depth, source)
}

// Seed admits the start URL at depth 0. Exclusion patterns do not apply to
// it; normalization, scope and the visited set do.
func (f *Frontier) Seed(rawURL string) bool {
	key, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return false
	}
	if !f.InScope(key) {
		return false
	}
	return f.admit(key, 0, "")
}

func (f *Frontier) admit(key string, depth int, source string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.visited.Add(key) {
		return false
	}
	f.queue = append(f.queue, crawler.WorkItem{URL: key, Depth: depth, DiscoveredFrom: source})
	return true
}

// ExtendScope also admits links on finalURL's host (or registrable domain).
// It is called when the seed redirects, so links on the landing page stay
// in scope.
func (f *Frontier) ExtendScope(finalURL string) {
	u, err := crawler.ParseHTTPURL(finalURL)
	if err != nil {
		return
	}
	key := scopeKey(f.scope, u)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scopeKeys[key] = struct{}{}
}

// Dequeue pops the oldest item.
func (f *Frontier) Dequeue() (crawler.WorkItem, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.head >= len(f.queue) {
		return crawler.WorkItem{}, false
	}
	item := f.queue[f.head]
	f.queue[f.head] = crawler.WorkItem{}
	f.head++
	if f.head > 64 && f.head*2 >= len(f.queue) {
		f.queue = append([]crawler.WorkItem(nil), f.queue[f.head:]...)
		f.head = 0
	}
	return item, true
}

// Pending returns the number of queued items.
func (f *Frontier) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue) - f.head
}

// Visited returns the number of URLs ever admitted.
func (f *Frontier) Visited() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visited.Len()
}

// InScope reports whether rawURL belongs to the seed's host or registrable
// domain, or to the host the seed redirected to.
func (f *Frontier) InScope(rawURL string) bool {
	u, err := crawler.ParseHTTPURL(rawURL)
	if err != nil {
		return false
	}
	key := scopeKey(f.scope, u)
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.scopeKeys[key]
	return ok
}

func scopeKey(scope Scope, u *url.URL) string {
	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	if scope != ScopeRegistrableDomain {
		return host
	}
	hostname := strings.ToLower(u.Hostname())
	if net.ParseIP(hostname) != nil {
		return hostname
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(hostname)
	if err != nil {
		// localhost and bare suffixes have no registrable domain.
		return hostname
	}
	return domain
}
