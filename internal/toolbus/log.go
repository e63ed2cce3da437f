package toolbus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is the immutable log form of one invocation. The canonical
// arguments, not the raw bytes received, are what gets logged.
type Record struct {
	ReplayID      string          `json:"replay_id"`
	ToolName      string          `json:"tool_name"`
	RequestHash   string          `json:"request_hash"`
	StartedAt     time.Time       `json:"started_at"`
	EndedAt       time.Time       `json:"ended_at"`
	Outcome       Outcome         `json:"outcome"`
	Arguments     json.RawMessage `json:"arguments"`
	ResultOrError json.RawMessage `json:"result_or_error"`
}

// Log modes. NDJSON appends one object per line to a single file;
// per_file writes {replay_id}.json per invocation; both does both;
// none keeps only the in-memory replay index.
const (
	ModeNDJSON  = "ndjson"
	ModePerFile = "per_file"
	ModeBoth    = "both"
	ModeNone    = "none"
)

// Log persists invocation records and maintains the append-only replay
// index. NDJSON writes are serialized by a mutex and flushed line-atomically.
type Log struct {
	mode string
	dir  string

	mu   sync.Mutex
	file *os.File

	imu   sync.RWMutex
	index map[string]Record
}

func NewLog(mode, path, dir string) (*Log, error) {
	l := &Log{mode: mode, dir: dir, index: make(map[string]Record)}
	switch mode {
	case ModeNDJSON, ModePerFile, ModeBoth, ModeNone:
	default:
		return nil, fmt.Errorf("unknown tools log mode %q", mode)
	}
	if mode == ModeNDJSON || mode == ModeBoth {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create tools log dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open tools log: %w", err)
		}
		l.file = f
	}
	if mode == ModePerFile || mode == ModeBoth {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create tools log dir: %w", err)
		}
	}
	return l, nil
}

// Append records one invocation in every configured sink.
func (l *Log) Append(rec Record) error {
	l.imu.Lock()
	l.index[rec.ReplayID] = rec
	l.imu.Unlock()

	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	if l.file != nil {
		l.mu.Lock()
		_, werr := l.file.Write(append(b, '\n'))
		if werr == nil {
			werr = l.file.Sync()
		}
		l.mu.Unlock()
		if werr != nil {
			return fmt.Errorf("append tools log: %w", werr)
		}
	}

	if l.mode == ModePerFile || l.mode == ModeBoth {
		path := filepath.Join(l.dir, rec.ReplayID+".json")
		if err := os.WriteFile(path, b, 0o644); err != nil {
			return fmt.Errorf("write invocation log: %w", err)
		}
	}
	return nil
}

// Lookup retrieves a record by replay id, falling back to the per-file sink
// for invocations logged by an earlier process.
func (l *Log) Lookup(replayID string) (Record, bool) {
	l.imu.RLock()
	rec, ok := l.index[replayID]
	l.imu.RUnlock()
	if ok {
		return rec, true
	}
	if l.mode == ModePerFile || l.mode == ModeBoth {
		raw, err := os.ReadFile(filepath.Join(l.dir, filepath.Base(replayID)+".json"))
		if err == nil && json.Unmarshal(raw, &rec) == nil {
			return rec, true
		}
	}
	return Record{}, false
}

func (l *Log) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
