// Package toolbus is the gateway's deterministic tool execution surface:
// canonical argument hashing, server-minted replay ids, and append-only
// invocation logs.
package toolbus

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
)

// Outcome classifies a completed invocation.
type Outcome string

const (
	OutcomeOK     Outcome = "ok"
	OutcomeFailed Outcome = "failed"
	OutcomeDenied Outcome = "denied"
)

var (
	// ErrNotFound maps to HTTP 404.
	ErrNotFound = errors.New("unknown tool")
	// ErrDenied maps to HTTP 403. The invocation is still logged.
	ErrDenied = errors.New("tool not allowed")
)

// ArgumentError maps to HTTP 400 and is not logged: no invocation happened.
type ArgumentError struct{ Msg string }

func (e *ArgumentError) Error() string { return e.Msg }

// Tool is one registered tool. Run receives schema-validated arguments.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Run         func(ctx context.Context, args map[string]any) (any, error)

	compiled *jsonschema.Schema
}

// Info is the listing shape for GET /v1/tools.
type Info struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Bus holds the tool registry and executes invocations. Tools are registered
// at startup; the allowed set is fixed policy.
type Bus struct {
	tools   map[string]*Tool
	order   []string
	allowed map[string]bool
	log     *Log
	zlog    *zap.Logger

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New builds a bus. allowed is the closed set of invocable tool names; a
// registered tool outside it is denied, not hidden from existence checks.
func New(log *Log, allowed []string, zlog *zap.Logger) *Bus {
	set := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		set[name] = true
	}
	return &Bus{
		tools:   make(map[string]*Tool),
		allowed: set,
		log:     log,
		zlog:    zlog,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Register compiles the tool's schema and adds it to the registry.
func (b *Bus) Register(t *Tool) error {
	if _, dup := b.tools[t.Name]; dup {
		return fmt.Errorf("tool %q already registered", t.Name)
	}
	schema := t.Schema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
		t.Schema = schema
	}
	compiled, err := jsonschema.CompileString(t.Name+".json", string(schema))
	if err != nil {
		return fmt.Errorf("tool %q: invalid schema: %w", t.Name, err)
	}
	t.compiled = compiled
	b.tools[t.Name] = t
	b.order = append(b.order, t.Name)
	return nil
}

// List returns the allowed tools with their schemas, in registration order.
func (b *Bus) List() []Info {
	out := make([]Info, 0, len(b.order))
	for _, name := range b.order {
		if !b.allowed[name] {
			continue
		}
		t := b.tools[name]
		out = append(out, Info{Name: t.Name, Description: t.Description, Parameters: t.Schema})
	}
	return out
}

// Lookup retrieves a prior invocation by replay id.
func (b *Bus) Lookup(replayID string) (Record, bool) {
	return b.log.Lookup(replayID)
}

// Invoke runs a tool. The returned record carries the request hash, replay
// id, and outcome; the error, when non-nil, is ErrNotFound, ErrDenied, or an
// *ArgumentError for the HTTP boundary to map. Tool-level failures are not
// errors here: they complete with OutcomeFailed.
func (b *Bus) Invoke(ctx context.Context, name string, rawArgs json.RawMessage) (Record, error) {
	t, ok := b.tools[name]
	if !ok {
		return Record{}, ErrNotFound
	}

	canonical, err := Canonicalize(rawArgs)
	if err != nil {
		return Record{}, &ArgumentError{Msg: err.Error()}
	}
	hash := RequestHash(name, canonical)

	rec := Record{
		ReplayID:    b.newReplayID(),
		ToolName:    name,
		RequestHash: hash,
		StartedAt:   time.Now().UTC(),
		Arguments:   canonical,
	}

	if !b.allowed[name] {
		rec.EndedAt = rec.StartedAt
		rec.Outcome = OutcomeDenied
		rec.ResultOrError = mustJSON(map[string]any{"error": "tool not allowed by policy"})
		b.append(rec)
		return rec, ErrDenied
	}

	var args map[string]any
	if err := json.Unmarshal(canonical, &args); err != nil {
		return Record{}, &ArgumentError{Msg: "arguments must be a JSON object"}
	}
	var anyArgs any
	_ = json.Unmarshal(canonical, &anyArgs)
	if err := t.compiled.Validate(anyArgs); err != nil {
		return Record{}, &ArgumentError{Msg: fmt.Sprintf("arguments do not match schema: %v", err)}
	}

	result, runErr := t.Run(ctx, args)
	rec.EndedAt = time.Now().UTC()
	if runErr != nil {
		rec.Outcome = OutcomeFailed
		rec.ResultOrError = mustJSON(map[string]any{"error": runErr.Error()})
	} else {
		rec.Outcome = OutcomeOK
		rec.ResultOrError = mustJSON(result)
	}
	b.append(rec)
	return rec, nil
}

func (b *Bus) newReplayID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), b.entropy).String()
}

func (b *Bus) append(rec Record) {
	if err := b.log.Append(rec); err != nil {
		b.zlog.Error("tool log append failed",
			zap.String("replay_id", rec.ReplayID),
			zap.String("tool", rec.ToolName),
			zap.Error(err))
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"error": "unencodable result"})
	}
	return b
}
