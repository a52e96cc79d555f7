package frontier

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/apilink-crawler/internal/classify"
)

func newFrontier(t *testing.T, cfg Config) *Frontier {
	t.Helper()
	f, err := New(cfg, classify.Default())
	require.NoError(t, err)
	return f
}

// TestTryEnqueueIdempotent admits a URL once no matter how it is spelled.
func TestTryEnqueueIdempotent(t *testing.T) {
	t.Parallel()

	f := newFrontier(t, Config{Seed: "https://example.com/"})

	assert.True(t, f.TryEnqueue("https://example.com/a?b=1&a=2", 1, "seed"))
	assert.False(t, f.TryEnqueue("https://example.com/a?b=1&a=2", 1, "seed"))
	assert.False(t, f.TryEnqueue("HTTPS://EXAMPLE.com:443/a?a=2&b=1#frag", 3, "other"))
	assert.Equal(t, 1, f.Pending())
	assert.Equal(t, 1, f.Visited())
}

// TestTryEnqueueRejects covers scope, exclusion, scheme and depth.
func TestTryEnqueueRejects(t *testing.T) {
	t.Parallel()

	f := newFrontier(t, Config{Seed: "https://example.com/", MaxDepth: 2})

	assert.False(t, f.TryEnqueue("https://other.org/a", 1, ""), "cross host")
	assert.False(t, f.TryEnqueue("https://sub.example.com/a", 1, ""), "subdomain under host scope")
	assert.False(t, f.TryEnqueue("https://example.com/logo.png", 1, ""), "excluded")
	assert.False(t, f.TryEnqueue("mailto:x@example.com", 1, ""), "scheme")
	assert.False(t, f.TryEnqueue("::nope", 1, ""), "unparsable")
	assert.False(t, f.TryEnqueue("https://example.com/deep", 3, ""), "too deep")
	assert.True(t, f.TryEnqueue("https://example.com/ok", 2, ""))
	assert.Equal(t, 1, f.Pending())
}

// TestRegistrableDomainScope admits sibling subdomains.
func TestRegistrableDomainScope(t *testing.T) {
	t.Parallel()

	f := newFrontier(t, Config{Seed: "https://www.example.co.uk/", Scope: ScopeRegistrableDomain})

	assert.True(t, f.TryEnqueue("https://shop.example.co.uk/a", 1, ""))
	assert.True(t, f.TryEnqueue("http://example.co.uk/b", 1, ""))
	assert.False(t, f.TryEnqueue("https://other.co.uk/c", 1, ""))
}

// TestRegistrableDomainFallsBackForIP compares full hosts for IP seeds.
func TestRegistrableDomainFallsBackForIP(t *testing.T) {
	t.Parallel()

	f := newFrontier(t, Config{Seed: "http://127.0.0.1:8080/", Scope: ScopeRegistrableDomain})
	assert.True(t, f.TryEnqueue("http://127.0.0.1:9090/x", 1, ""))
	assert.False(t, f.TryEnqueue("http://127.0.0.2/x", 1, ""))
}

// TestDequeueFIFO keeps breadth-first order and depth metadata.
func TestDequeueFIFO(t *testing.T) {
	t.Parallel()

	f := newFrontier(t, Config{Seed: "https://example.com/"})
	for i := 0; i < 200; i++ {
		require.True(t, f.TryEnqueue(fmt.Sprintf("https://example.com/p%d", i), i%3, "src"))
	}
	for i := 0; i < 200; i++ {
		item, ok := f.Dequeue()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("https://example.com/p%d", i), item.URL)
		assert.Equal(t, i%3, item.Depth)
		assert.Equal(t, "src", item.DiscoveredFrom)
	}
	_, ok := f.Dequeue()
	assert.False(t, ok)
	assert.Equal(t, 0, f.Pending())
	assert.Equal(t, 200, f.Visited())
}

// TestConcurrentTryEnqueue admits each URL exactly once under contention.
func TestConcurrentTryEnqueue(t *testing.T) {
	t.Parallel()

	f := newFrontier(t, Config{Seed: "https://example.com/"})
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if f.TryEnqueue(fmt.Sprintf("https://example.com/p%d", i), 1, "") {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, admitted)
	assert.Equal(t, 50, f.Pending())
}

// TestNewValidates rejects bad seeds and scopes.
func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Seed: "not a url"}, nil)
	require.Error(t, err)
	_, err = New(Config{Seed: "https://example.com", Scope: "planet"}, nil)
	require.Error(t, err)
	_, err = New(Config{Seed: "https://example.com", MaxDepth: -1}, nil)
	require.Error(t, err)
}

func TestVisitedSet(t *testing.T) {
	t.Parallel()

	v := NewVisitedSet()
	assert.True(t, v.Add("a"))
	assert.False(t, v.Add("a"))
	assert.True(t, v.Contains("a"))
	assert.False(t, v.Contains("b"))
	assert.Equal(t, 1, v.Len())
}

// TestSeedIgnoresExclusion admits a start URL that matches an exclude keyword.
func TestSeedIgnoresExclusion(t *testing.T) {
	t.Parallel()

	seed := "https://www.eventbrite.com/"
	f, err := New(Config{Seed: seed}, classify.Default())
	require.NoError(t, err)

	assert.False(t, f.TryEnqueue(seed, 0, ""), "links are still filtered")
	assert.True(t, f.Seed(seed))
	assert.False(t, f.Seed(seed), "seed is recorded as visited")
	assert.False(t, f.Seed("https://other.org/"), "seed must be in scope")

	item, ok := f.Dequeue()
	require.True(t, ok)
	assert.Equal(t, seed, item.URL)
	assert.Zero(t, item.Depth)
}

func TestExtendScopeAdmitsRedirectedHost(t *testing.T) {
	t.Parallel()

	f, err := New(Config{Seed: "https://example.com/"}, nil)
	require.NoError(t, err)
	assert.False(t, f.TryEnqueue("https://www.example.com/about", 1, ""))

	f.ExtendScope("https://www.example.com/")
	assert.True(t, f.InScope("https://www.example.com/team"))
	assert.True(t, f.TryEnqueue("https://www.example.com/about", 1, ""))
	assert.True(t, f.TryEnqueue("https://example.com/about", 1, ""), "original host stays in scope")
	assert.False(t, f.TryEnqueue("https://other.org/", 1, ""))

	f.ExtendScope("mailto:nobody@example.com")
	assert.False(t, f.InScope("mailto:nobody@example.com"))
}
