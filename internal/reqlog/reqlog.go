// Package reqlog is the in-process request log: a bounded ring of recent
// request events with live SSE fan-out and an optional NDJSON sink.
package reqlog

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Event struct {
	TS            time.Time `json:"ts"`
	RequestID     string    `json:"request_id"`
	Method        string    `json:"method"`
	Path          string    `json:"path"`
	RouteKind     string    `json:"route_kind,omitempty"`
	Backend       string    `json:"backend,omitempty"`
	RequestModel  string    `json:"request_model,omitempty"`
	UpstreamModel string    `json:"upstream_model,omitempty"`
	RouterReason  string    `json:"router_reason,omitempty"`
	SrcIP         string    `json:"src_ip,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
	Stream        bool      `json:"stream,omitempty"`
	RequestBytes  int       `json:"request_bytes,omitempty"`
	Status        int       `json:"status"`
	LatencyMs     int64     `json:"latency_ms"`
	Error         string    `json:"error,omitempty"`
}

type Bus struct {
	file *os.File
	zlog *zap.Logger

	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	ring    []Event
	ringCap int

	fmu sync.Mutex
}

// New opens the NDJSON sink when path is non-empty. ringCap bounds the
// in-memory tail served to new subscribers.
func New(path string, ringCap int, zlog *zap.Logger) (*Bus, error) {
	if ringCap <= 0 {
		ringCap = 200
	}
	b := &Bus{
		zlog:    zlog,
		subs:    make(map[chan Event]struct{}),
		ring:    make([]Event, 0, ringCap),
		ringCap: ringCap,
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create request log dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open request log: %w", err)
		}
		b.file = f
	}
	return b, nil
}

func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	if len(b.ring) < b.ringCap {
		b.ring = append(b.ring, ev)
	} else {
		copy(b.ring, b.ring[1:])
		b.ring[len(b.ring)-1] = ev
	}
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()

	if b.file != nil {
		line, err := json.Marshal(ev)
		if err != nil {
			return
		}
		b.fmu.Lock()
		_, werr := b.file.Write(append(line, '\n'))
		b.fmu.Unlock()
		if werr != nil && b.zlog != nil {
			b.zlog.Error("request log append failed", zap.Error(werr))
		}
	}
}

// Recent returns a copy of the ring, oldest first.
func (b *Bus) Recent() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Event(nil), b.ring...)
}

// ServeSSE streams the ring snapshot followed by live events until the
// client disconnects.
func (b *Bus) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	snapshot := append([]Event(nil), b.ring...)
	b.mu.Unlock()

	for _, ev := range snapshot {
		writeSSE(w, ev)
	}
	flusher.Flush()

	defer func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}()

	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case ev := <-ch:
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev Event) {
	line, _ := json.Marshal(ev)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", line)
}

func (b *Bus) Close() error {
	if b.file != nil {
		return b.file.Close()
	}
	return nil
}
