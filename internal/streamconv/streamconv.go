// Package streamconv re-frames upstream chat streams into the gateway's SSE
// event protocol: one route event, then thinking/delta chunks, then exactly
// one terminal event (done or error), then the [DONE] sentinel.
package streamconv

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Options describe the routed upstream for one stream.
type Options struct {
	Backend string
	Model   string
	Reason  string

	// EmitThinking forwards upstream chain-of-thought chunks as thinking
	// events. Only set for backends configured to surface them; thinking is
	// never synthesized.
	EmitThinking bool

	// IdleTimeout aborts the stream with an error event when the upstream
	// sends no bytes for this long. Zero means 60s.
	IdleTimeout time.Duration
}

func (o Options) idle() time.Duration {
	if o.IdleTimeout > 0 {
		return o.IdleTimeout
	}
	return 60 * time.Second
}

// OpenAISSEToGateway consumes OpenAI-shaped SSE (choices[].delta.content,
// terminated by [DONE]) and emits gateway events.
func OpenAISSEToGateway(ctx context.Context, w http.ResponseWriter, r io.Reader, opt Options) error {
	flusher, _ := w.(http.Flusher)
	writeRoute(w, flusher, opt)

	frames := make(chan frame)
	done := make(chan struct{})
	defer close(done)
	go readSSEFrames(r, frames, done)

	timer := time.NewTimer(opt.idle())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			writeError(w, flusher, "upstream_timeout", "no upstream bytes within idle window")
			return nil
		case f, ok := <-frames:
			if !ok {
				// Upstream closed without a [DONE]; end cleanly.
				writeDone(w, flusher)
				return nil
			}
			resetTimer(timer, opt.idle())
			if f.err != nil {
				writeError(w, flusher, "upstream_protocol_error", f.err.Error())
				return nil
			}
			if f.data == "" {
				continue
			}
			if f.data == "[DONE]" {
				writeDone(w, flusher)
				return nil
			}
			if errObj := gjson.Get(f.data, "error"); errObj.Exists() {
				writeEvent(w, flusher, map[string]any{"type": "error", "error": json.RawMessage(errObj.Raw)})
				writeSentinel(w, flusher)
				return nil
			}
			if text := gjson.Get(f.data, "choices.0.delta.content"); text.Exists() && text.String() != "" {
				writeEvent(w, flusher, map[string]any{"type": "delta", "delta": text.String()})
			}
		}
	}
}

// NDJSONToGateway consumes the local runtime's line-delimited JSON
// (message.content chunks, optional thinking field, done marker) and emits
// gateway events.
func NDJSONToGateway(ctx context.Context, w http.ResponseWriter, r io.Reader, opt Options) error {
	flusher, _ := w.(http.Flusher)
	writeRoute(w, flusher, opt)

	lines := make(chan frame)
	done := make(chan struct{})
	defer close(done)
	go readLines(r, lines, done)

	timer := time.NewTimer(opt.idle())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			writeError(w, flusher, "upstream_timeout", "no upstream bytes within idle window")
			return nil
		case f, ok := <-lines:
			if !ok {
				writeDone(w, flusher)
				return nil
			}
			resetTimer(timer, opt.idle())
			if f.err != nil {
				writeError(w, flusher, "upstream_protocol_error", f.err.Error())
				return nil
			}
			if f.data == "" || !gjson.Valid(f.data) {
				continue
			}
			if opt.EmitThinking {
				if th := gjson.Get(f.data, "thinking"); th.Exists() && th.String() != "" {
					writeEvent(w, flusher, map[string]any{"type": "thinking", "thinking": th.String()})
				}
			}
			if text := gjson.Get(f.data, "message.content"); text.Exists() && text.String() != "" {
				writeEvent(w, flusher, map[string]any{"type": "delta", "delta": text.String()})
			}
			if gjson.Get(f.data, "done").Bool() {
				writeDone(w, flusher)
				return nil
			}
		}
	}
}

type frame struct {
	data string
	err  error
}

func readSSEFrames(r io.Reader, out chan<- frame, done <-chan struct{}) {
	defer close(out)
	br := bufio.NewReader(r)
	for {
		block, err := readSSEBlock(br)
		if block != "" || err == nil {
			if !send(out, frame{data: extractSSEData(block)}, done) {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				send(out, frame{err: err}, done)
			}
			return
		}
	}
}

func readLines(r io.Reader, out chan<- frame, done <-chan struct{}) {
	defer close(out)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		if !send(out, frame{data: strings.TrimSpace(sc.Text())}, done) {
			return
		}
	}
	if err := sc.Err(); err != nil {
		send(out, frame{err: err}, done)
	}
}

// send delivers f unless the consumer has already stopped listening. The
// consumer closes done when it returns, so readers never block on a stream
// that ended first.
func send(out chan<- frame, f frame, done <-chan struct{}) bool {
	select {
	case out <- f:
		return true
	case <-done:
		return false
	}
}

func readSSEBlock(r *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF && b.Len()+len(line) > 0 {
				b.WriteString(line)
				return b.String(), io.EOF
			}
			return b.String(), err
		}
		if line == "\n" || line == "\r\n" {
			return b.String(), nil
		}
		b.WriteString(line)
	}
}

func extractSSEData(block string) string {
	var dataLines []string
	for _, ln := range strings.Split(block, "\n") {
		ln = strings.TrimRight(ln, "\r")
		if strings.HasPrefix(ln, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(ln, "data:")))
		}
	}
	return strings.TrimSpace(strings.Join(dataLines, "\n"))
}

func writeRoute(w http.ResponseWriter, flusher http.Flusher, opt Options) {
	writeEvent(w, flusher, map[string]any{
		"type":    "route",
		"backend": opt.Backend,
		"model":   opt.Model,
		"reason":  opt.Reason,
	})
}

func writeDone(w http.ResponseWriter, flusher http.Flusher) {
	writeEvent(w, flusher, map[string]any{"type": "done"})
	writeSentinel(w, flusher)
}

func writeError(w http.ResponseWriter, flusher http.Flusher, token, msg string) {
	writeEvent(w, flusher, map[string]any{
		"type":  "error",
		"error": map[string]any{"error": token, "message": msg},
	})
	writeSentinel(w, flusher)
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, v any) {
	b, _ := json.Marshal(v)
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n\n"))
	if flusher != nil {
		flusher.Flush()
	}
}

func writeSentinel(w http.ResponseWriter, flusher http.Flusher) {
	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	if flusher != nil {
		flusher.Flush()
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
