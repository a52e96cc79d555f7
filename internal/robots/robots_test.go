package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestEnforcer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	logger := zap.NewNop()

	allowAll := New(false, "test-agent", nil, logger)
	if !allowAll.Allowed(ctx, "https://example.com/whatever") {
		t.Fatal("allow-all policy should permit URLs")
	}

	var robotsHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			robotsHits.Add(1)
			fmt.Fprintln(w, "User-agent: *\nDisallow: /blocked")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	enforcer := New(true, "test-agent", srv.Client(), logger)
	assert.True(t, enforcer.Allowed(ctx, srv.URL+"/allowed"))
	assert.True(t, enforcer.Allowed(ctx, srv.URL))
	assert.False(t, enforcer.Allowed(ctx, srv.URL+"/blocked/page"))
	assert.Equal(t, int32(1), robotsHits.Load())
}

func TestEnforcerMissingRobotsAllows(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	enforcer := New(true, "test-agent", srv.Client(), zap.NewNop())
	assert.True(t, enforcer.Allowed(context.Background(), srv.URL+"/anything"))
}

func TestEnforcerUnreachableAllows(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	enforcer := New(true, "test-agent", nil, zap.NewNop())
	assert.True(t, enforcer.Allowed(context.Background(), addr+"/x"))
}

func TestEnforcerRejectsUnparsable(t *testing.T) {
	t.Parallel()

	enforcer := New(true, "test-agent", nil, zap.NewNop())
	assert.False(t, enforcer.Allowed(context.Background(), "http://[::1"))
}
