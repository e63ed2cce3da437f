package health

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"local-ai-gateway/internal/registry"
)

func regWith(t *testing.T, baseURL string) *registry.Registry {
	t.Helper()
	doc := fmt.Sprintf(`
backends:
  - name: local_mlx
    base_url: %s
    capabilities: [chat]
    concurrency_limits: {chat: 1}
    health: {liveness: /health, readiness: /ready}
`, baseURL)
	r, err := registry.Parse([]byte(doc))
	require.NoError(t, err)
	return r
}

func TestOptimisticBeforeFirstProbe(t *testing.T) {
	reg := regWith(t, "http://127.0.0.1:1")
	c := NewChecker(reg, nil, time.Minute, time.Second, zap.NewNop())

	assert.True(t, c.IsRoutable("local_mlx"))
	_, probed := c.Status("local_mlx")
	assert.False(t, probed)
}

func TestProbeHealthyAndReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := regWith(t, srv.URL)
	c := NewChecker(reg, srv.Client(), time.Minute, time.Second, zap.NewNop())
	c.CheckNow(context.Background())

	snap, ok := c.Status("local_mlx")
	require.True(t, ok)
	assert.True(t, snap.Healthy)
	assert.True(t, snap.Ready)
	assert.Empty(t, snap.LastError)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.True(t, c.IsRoutable("local_mlx"))
}

func TestLivenessFailureShortCircuitsReadiness(t *testing.T) {
	var readinessCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusInternalServerError)
		case "/ready":
			readinessCalls.Add(1)
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	reg := regWith(t, srv.URL)
	c := NewChecker(reg, srv.Client(), time.Minute, time.Second, zap.NewNop())
	c.CheckNow(context.Background())

	snap, ok := c.Status("local_mlx")
	require.True(t, ok)
	assert.False(t, snap.Healthy)
	assert.False(t, snap.Ready)
	assert.Contains(t, snap.LastError, "liveness check failed")
	assert.Zero(t, readinessCalls.Load(), "readiness must not be probed when liveness fails")
	assert.False(t, c.IsRoutable("local_mlx"))
}

func TestReadinessFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ready" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := regWith(t, srv.URL)
	c := NewChecker(reg, srv.Client(), time.Minute, time.Second, zap.NewNop())
	c.CheckNow(context.Background())

	snap, _ := c.Status("local_mlx")
	assert.True(t, snap.Healthy)
	assert.False(t, snap.Ready)
	assert.Contains(t, snap.LastError, "readiness check failed")
}

func TestConsecutiveFailuresAccumulateAndReset(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	reg := regWith(t, srv.URL)
	c := NewChecker(reg, srv.Client(), time.Minute, time.Second, zap.NewNop())

	c.CheckNow(context.Background())
	c.CheckNow(context.Background())
	snap, _ := c.Status("local_mlx")
	assert.Equal(t, 2, snap.ConsecutiveFailures)

	healthy.Store(true)
	c.CheckNow(context.Background())
	snap, _ = c.Status("local_mlx")
	assert.True(t, snap.Ready)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.True(t, c.IsRoutable("local_mlx"))
}

func TestConnectionRefused(t *testing.T) {
	// Port 1 is essentially never listening.
	reg := regWith(t, "http://127.0.0.1:1")
	c := NewChecker(reg, nil, time.Minute, 500*time.Millisecond, zap.NewNop())
	c.CheckNow(context.Background())

	snap, ok := c.Status("local_mlx")
	require.True(t, ok)
	assert.False(t, snap.Healthy)
	assert.Contains(t, snap.LastError, "liveness check failed")
	assert.False(t, c.IsRoutable("local_mlx"))
}
