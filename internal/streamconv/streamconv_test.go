package streamconv

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func events(t *testing.T, body string) []string {
	t.Helper()
	var out []string
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		require.True(t, strings.HasPrefix(block, "data: "), "unexpected frame %q", block)
		out = append(out, strings.TrimPrefix(block, "data: "))
	}
	return out
}

func eventTypes(evs []string) []string {
	var out []string
	for _, e := range evs {
		if e == "[DONE]" {
			out = append(out, "[DONE]")
			continue
		}
		out = append(out, gjson.Get(e, "type").String())
	}
	return out
}

func sse(chunks ...string) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString("data: ")
		b.WriteString(c)
		b.WriteString("\n\n")
	}
	return b.String()
}

func chunk(t *testing.T, content string) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"choices": []map[string]any{{"delta": map[string]any{"content": content}}},
	})
	require.NoError(t, err)
	return string(b)
}

func TestOpenAIStreamEventOrder(t *testing.T) {
	upstream := sse(chunk(t, "Hel"), chunk(t, "lo"), "[DONE]")
	w := httptest.NewRecorder()

	err := OpenAISSEToGateway(context.Background(), w, strings.NewReader(upstream), Options{
		Backend: "gpu_fast", Model: "llama-3-8b-instruct", Reason: "alias_expanded",
	})
	require.NoError(t, err)

	evs := events(t, w.Body.String())
	assert.Equal(t, []string{"route", "delta", "delta", "done", "[DONE]"}, eventTypes(evs))

	route := evs[0]
	assert.Equal(t, "gpu_fast", gjson.Get(route, "backend").String())
	assert.Equal(t, "llama-3-8b-instruct", gjson.Get(route, "model").String())
	assert.Equal(t, "alias_expanded", gjson.Get(route, "reason").String())

	assert.Equal(t, "Hel", gjson.Get(evs[1], "delta").String())
	assert.Equal(t, "lo", gjson.Get(evs[2], "delta").String())
}

func TestOpenAIStreamSuppressesEmptyDeltas(t *testing.T) {
	upstream := sse(
		`{"choices":[{"delta":{"role":"assistant"}}]}`,
		chunk(t, "hi"),
		`{"choices":[{"delta":{"content":""}}]}`,
		"[DONE]",
	)
	w := httptest.NewRecorder()
	require.NoError(t, OpenAISSEToGateway(context.Background(), w, strings.NewReader(upstream), Options{Backend: "b"}))
	assert.Equal(t, []string{"route", "delta", "done", "[DONE]"}, eventTypes(events(t, w.Body.String())))
}

func TestOpenAIStreamUpstreamErrorObject(t *testing.T) {
	upstream := sse(chunk(t, "partial"), `{"error":{"message":"boom","type":"server_error"}}`)
	w := httptest.NewRecorder()
	require.NoError(t, OpenAISSEToGateway(context.Background(), w, strings.NewReader(upstream), Options{Backend: "b"}))

	evs := events(t, w.Body.String())
	assert.Equal(t, []string{"route", "delta", "error", "[DONE]"}, eventTypes(evs))
	// Delivered text stays delivered; the upstream error object passes through.
	assert.Equal(t, "partial", gjson.Get(evs[1], "delta").String())
	assert.Equal(t, "boom", gjson.Get(evs[2], "error.message").String())
}

func TestOpenAIStreamEOFWithoutSentinelEndsCleanly(t *testing.T) {
	upstream := sse(chunk(t, "hi"))
	w := httptest.NewRecorder()
	require.NoError(t, OpenAISSEToGateway(context.Background(), w, strings.NewReader(upstream), Options{Backend: "b"}))
	assert.Equal(t, []string{"route", "delta", "done", "[DONE]"}, eventTypes(events(t, w.Body.String())))
}

func TestNDJSONStream(t *testing.T) {
	upstream := strings.Join([]string{
		`{"message":{"role":"assistant","content":"He"},"done":false}`,
		`{"message":{"role":"assistant","content":"y"},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true}`,
	}, "\n") + "\n"

	w := httptest.NewRecorder()
	require.NoError(t, NDJSONToGateway(context.Background(), w, strings.NewReader(upstream), Options{
		Backend: "gpu_fast", Model: "llama-3-8b-instruct", Reason: "client_pinned",
	}))

	evs := events(t, w.Body.String())
	assert.Equal(t, []string{"route", "delta", "delta", "done", "[DONE]"}, eventTypes(evs))
	assert.Equal(t, "He", gjson.Get(evs[1], "delta").String())
}

func TestNDJSONThinkingGatedByOption(t *testing.T) {
	upstream := strings.Join([]string{
		`{"thinking":"let me see","message":{"content":""},"done":false}`,
		`{"message":{"content":"42"},"done":true}`,
	}, "\n") + "\n"

	w := httptest.NewRecorder()
	require.NoError(t, NDJSONToGateway(context.Background(), w, strings.NewReader(upstream), Options{Backend: "b", EmitThinking: true}))
	evs := events(t, w.Body.String())
	assert.Equal(t, []string{"route", "thinking", "delta", "done", "[DONE]"}, eventTypes(evs))
	assert.Equal(t, "let me see", gjson.Get(evs[1], "thinking").String())

	// Same stream with the flag off: thinking is dropped, never synthesized.
	w = httptest.NewRecorder()
	require.NoError(t, NDJSONToGateway(context.Background(), w, strings.NewReader(upstream), Options{Backend: "b"}))
	assert.Equal(t, []string{"route", "delta", "done", "[DONE]"}, eventTypes(events(t, w.Body.String())))
}

func TestIdleTimeoutEmitsErrorEvent(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	w := httptest.NewRecorder()
	done := make(chan error, 1)
	go func() {
		done <- OpenAISSEToGateway(context.Background(), w, pr, Options{Backend: "b", IdleTimeout: 50 * time.Millisecond})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not abort on idle timeout")
	}

	evs := events(t, w.Body.String())
	assert.Equal(t, []string{"route", "error", "[DONE]"}, eventTypes(evs))
	assert.Equal(t, "upstream_timeout", gjson.Get(evs[1], "error.error").String())
}

func TestReaderGoroutineExitsAfterSentinel(t *testing.T) {
	baseline := runtime.NumGoroutine()
	upstream := sse(chunk(t, "hi"), "[DONE]")

	pr, pw := io.Pipe()
	go func() {
		_, _ = io.WriteString(pw, upstream)
	}()

	w := httptest.NewRecorder()
	require.NoError(t, OpenAISSEToGateway(context.Background(), w, pr, Options{Backend: "b"}))

	// The transport closes the body once the handler returns; the reader must
	// not stay parked on a channel send after that.
	_ = pw.CloseWithError(errors.New("connection reset"))
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline
	}, 2*time.Second, 10*time.Millisecond, "stream reader goroutine leaked")
}

func TestLineReaderGoroutineExitsAfterDoneMarker(t *testing.T) {
	baseline := runtime.NumGoroutine()

	pr, pw := io.Pipe()
	go func() {
		_, _ = io.WriteString(pw, `{"message":{"content":"x"},"done":true}`+"\n")
	}()

	w := httptest.NewRecorder()
	require.NoError(t, NDJSONToGateway(context.Background(), w, pr, Options{Backend: "b"}))

	_ = pw.CloseWithError(errors.New("connection reset"))
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline
	}, 2*time.Second, 10*time.Millisecond, "line reader goroutine leaked")
}

func TestContextCancellationStopsStream(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	w := httptest.NewRecorder()
	done := make(chan error, 1)
	go func() {
		done <- OpenAISSEToGateway(ctx, w, pr, Options{Backend: "b"})
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop on cancellation")
	}
}
