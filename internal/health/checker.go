package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"local-ai-gateway/internal/registry"
)

// Snapshot is the cached probe result for one backend.
type Snapshot struct {
	Healthy             bool      `json:"healthy"`
	Ready               bool      `json:"ready"`
	LastCheck           time.Time `json:"last_check"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Checker probes every backend's liveness and readiness paths on a fixed
// interval. Probes are serialized per sweep; the snapshot table has a single
// writer (the probe loop) and many readers.
type Checker struct {
	reg      *registry.Registry
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger

	mu     sync.RWMutex
	status map[string]Snapshot
}

func NewChecker(reg *registry.Registry, client *http.Client, interval, timeout time.Duration, log *zap.Logger) *Checker {
	if client == nil {
		client = http.DefaultClient
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{
		reg:      reg,
		client:   client,
		interval: interval,
		timeout:  timeout,
		log:      log,
		status:   make(map[string]Snapshot),
	}
}

// Start runs the probe loop until ctx is cancelled. The first sweep happens
// after one interval; until then every backend is treated as ready.
func (c *Checker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.CheckNow(ctx)
			}
		}
	}()
}

// CheckNow probes all backends once, serialized to avoid a thundering herd.
func (c *Checker) CheckNow(ctx context.Context) {
	for _, b := range c.reg.Iter() {
		snap := c.probe(ctx, b)
		c.mu.Lock()
		prev := c.status[b.Name]
		if !snap.Ready {
			snap.ConsecutiveFailures = prev.ConsecutiveFailures + 1
		}
		c.status[b.Name] = snap
		c.mu.Unlock()
		if !snap.Ready {
			c.log.Warn("backend not ready",
				zap.String("backend", b.Name),
				zap.Bool("healthy", snap.Healthy),
				zap.String("error", snap.LastError))
		}
	}
}

func (c *Checker) probe(ctx context.Context, b *registry.Backend) Snapshot {
	snap := Snapshot{LastCheck: time.Now()}

	if err := c.get(ctx, b.BaseURL+b.Health.Liveness); err != nil {
		snap.LastError = fmt.Sprintf("liveness check failed: %v", err)
		return snap
	}
	snap.Healthy = true

	if err := c.get(ctx, b.BaseURL+b.Health.Readiness); err != nil {
		snap.LastError = fmt.Sprintf("readiness check failed: %v", err)
		return snap
	}
	snap.Ready = true
	return snap
}

func (c *Checker) get(ctx context.Context, url string) error {
	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(pctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// IsRoutable reports whether requests may be sent to the backend. A backend
// that has never been probed is optimistically routable so a cold start does
// not present as an outage.
func (c *Checker) IsRoutable(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.status[name]
	if !ok {
		return true
	}
	return snap.Ready
}

// Status returns the cached snapshot for one backend.
func (c *Checker) Status(name string) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.status[name]
	return snap, ok
}

// All returns snapshots for every backend that has been probed.
func (c *Checker) All() map[string]Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Snapshot, len(c.status))
	for k, v := range c.status {
		out[k] = v
	}
	return out
}
