package admission

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"local-ai-gateway/internal/registry"
)

// RejectReason says why TryAcquire refused.
type RejectReason string

const (
	// ReasonOverloaded means the semaphore for the key is at zero.
	ReasonOverloaded RejectReason = "overloaded"
	// ReasonNotAdmitted means no limit is configured for the key at all.
	ReasonNotAdmitted RejectReason = "not_admitted"
)

// Rejected is returned by TryAcquire when no slot is granted.
type Rejected struct {
	Backend string
	Kind    registry.RouteKind
	Reason  RejectReason
}

func (r *Rejected) Error() string {
	return fmt.Sprintf("admission rejected for %s.%s: %s", r.Backend, r.Kind, r.Reason)
}

// Slot is one granted unit of concurrency. Release it on every request exit
// path; releasing more than once is safe but counted so tests can flag it.
type Slot struct {
	Backend string
	Kind    registry.RouteKind

	entry    *entry
	once     sync.Once
	releases atomic.Int32
}

// Release returns the slot. Idempotent.
func (s *Slot) Release() {
	s.releases.Add(1)
	s.once.Do(func() {
		s.entry.inflight.Add(-1)
		s.entry.sem.Release(1)
	})
}

// releaseCount is used by tests to detect double release.
func (s *Slot) releaseCount() int32 { return s.releases.Load() }

type entry struct {
	limit    int64
	sem      *semaphore.Weighted
	inflight atomic.Int64
}

// Stat is the monitoring view of one (backend, route kind) key.
type Stat struct {
	Limit     int64 `json:"limit"`
	Inflight  int64 `json:"inflight"`
	Available int64 `json:"available"`
}

// Controller holds one counted semaphore per (backend, route kind) with a
// declared limit. Acquisition never blocks and never queues.
type Controller struct {
	entries map[string]*entry
}

func key(backend string, kind registry.RouteKind) string {
	return backend + "." + string(kind)
}

// New builds the semaphore table from the registry's declared limits.
func New(reg *registry.Registry) *Controller {
	c := &Controller{entries: make(map[string]*entry)}
	for _, b := range reg.Iter() {
		for kind, limit := range b.Limits {
			c.entries[key(b.Name, kind)] = &entry{
				limit: int64(limit),
				sem:   semaphore.NewWeighted(int64(limit)),
			}
		}
	}
	return c
}

// TryAcquire grants a slot or rejects immediately. A missing key is a
// configuration problem, reported as not_admitted.
func (c *Controller) TryAcquire(backend string, kind registry.RouteKind) (*Slot, *Rejected) {
	e, ok := c.entries[key(backend, kind)]
	if !ok {
		return nil, &Rejected{Backend: backend, Kind: kind, Reason: ReasonNotAdmitted}
	}
	if !e.sem.TryAcquire(1) {
		return nil, &Rejected{Backend: backend, Kind: kind, Reason: ReasonOverloaded}
	}
	e.inflight.Add(1)
	return &Slot{Backend: backend, Kind: kind, entry: e}, nil
}

// Stats reports limit/inflight/available per "<backend>.<route_kind>" key.
func (c *Controller) Stats() map[string]Stat {
	out := make(map[string]Stat, len(c.entries))
	for k, e := range c.entries {
		inflight := e.inflight.Load()
		out[k] = Stat{
			Limit:     e.limit,
			Inflight:  inflight,
			Available: e.limit - inflight,
		}
	}
	return out
}

// Keys returns the configured admission keys, sorted.
func (c *Controller) Keys() []string {
	out := make([]string, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
