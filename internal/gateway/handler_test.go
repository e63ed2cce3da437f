package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"local-ai-gateway/internal/admission"
	"local-ai-gateway/internal/config"
	"local-ai-gateway/internal/health"
	"local-ai-gateway/internal/images"
	"local-ai-gateway/internal/metrics"
	"local-ai-gateway/internal/registry"
	"local-ai-gateway/internal/reqlog"
	"local-ai-gateway/internal/router"
	"local-ai-gateway/internal/toolbus"
	"local-ai-gateway/internal/upstream"
)

const testToken = "sekrit"

type testGateway struct {
	http.Handler
	adm   *admission.Controller
	hc    *health.Checker
	cfg   config.Config
	reg   *registry.Registry
	store *images.Store
}

func registryDoc(chatURL string, allowB64 bool) string {
	return fmt.Sprintf(`
backends:
  - name: gpu_fast
    class: gpu_fast
    base_url: %s
    capabilities: [chat, embeddings]
    concurrency_limits: {chat: 4, embeddings: 4}
    health: {liveness: /health, readiness: /ready}
    model_aliases:
      fast: llama-3-8b-instruct
    default_model: llama-3-8b-instruct
  - name: gpu_heavy
    class: gpu_heavy
    base_url: %s
    capabilities: [images]
    concurrency_limits: {images: 1}
    health: {liveness: /health, readiness: /ready}
    payload_policy:
      images_format: url
      images_allow_base64: %v
    default_model: sdxl
`, chatURL, chatURL, allowB64)
}

func newTestGateway(t *testing.T, doc string) *testGateway {
	t.Helper()

	reg, err := registry.Parse([]byte(doc))
	require.NoError(t, err)

	up, err := upstream.NewClient(upstream.Options{VerifyTLS: true})
	require.NoError(t, err)

	cfg := config.Config{
		BearerToken:        testToken,
		MaxRequestBytes:    1_000_000,
		UIImageDir:         t.TempDir(),
		ImagesBackendClass: "gpu_heavy",
		ImagesMaxPixels:    2_000_000,
	}

	store, err := images.NewStore(cfg.UIImageDir)
	require.NoError(t, err)

	toolLog, err := toolbus.NewLog(toolbus.ModeNone, "", "")
	require.NoError(t, err)
	bus := toolbus.New(toolLog, []string{"echo"}, zap.NewNop())
	require.NoError(t, toolbus.RegisterBuiltins(bus, toolbus.Policy{}, nil))

	logs, err := reqlog.New("", 50, zap.NewNop())
	require.NoError(t, err)

	adm := admission.New(reg)
	hc := health.NewChecker(reg, up.HTTPClient(), 0, 0, zap.NewNop())

	h := NewHandler(cfg, reg, router.New(reg), adm, hc, up, images.Mock{}, store, bus, logs, metrics.New(), zap.NewNop())
	return &testGateway{
		Handler: h.Routes(),
		adm:     adm, hc: hc, cfg: cfg, reg: reg, store: store,
	}
}

func chatUpstream(t *testing.T, captured *[]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/chat/completions":
			body, _ := io.ReadAll(r.Body)
			if captured != nil {
				*captured = body
			}
			if gjson.GetBytes(body, "stream").Bool() {
				w.Header().Set("Content-Type", "text/event-stream")
				flusher := w.(http.Flusher)
				for _, c := range []string{
					`{"choices":[{"delta":{"content":"po"}}]}`,
					`{"choices":[{"delta":{"content":"ng"}}]}`,
					"[DONE]",
				} {
					_, _ = fmt.Fprintf(w, "data: %s\n\n", c)
					flusher.Flush()
				}
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"up-1","choices":[{"message":{"role":"assistant","content":"pong"}}]}`))
		case "/v1/embeddings":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"object":"list","data":[{"embedding":[0.1,0.2]}]}`))
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestBearerAuth(t *testing.T) {
	srv := chatUpstream(t, nil)
	defer srv.Close()
	gw := newTestGateway(t, registryDoc(srv.URL, false))

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	gw.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "auth_failed", gjson.Get(w.Body.String(), "error").String())

	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	gw.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// /health stays public.
	w = httptest.NewRecorder()
	gw.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestChatNonStreaming(t *testing.T) {
	var captured []byte
	srv := chatUpstream(t, &captured)
	defer srv.Close()
	gw := newTestGateway(t, registryDoc(srv.URL, false))

	w := doJSON(t, gw, http.MethodPost, "/v1/chat/completions",
		`{"model":"fast","stream":false,"messages":[{"role":"user","content":"ping"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Alias is expanded before the upstream sees the request.
	assert.Equal(t, "llama-3-8b-instruct", gjson.GetBytes(captured, "model").String())

	body := w.Body.String()
	assert.Equal(t, "pong", gjson.Get(body, "choices.0.message.content").String())
	assert.Equal(t, "gpu_fast", gjson.Get(body, "_gateway.backend").String())
	assert.Equal(t, "llama-3-8b-instruct", gjson.Get(body, "_gateway.model").String())
	assert.Equal(t, "alias_expanded", gjson.Get(body, "_gateway.reason").String())

	assert.Equal(t, "gpu_fast", w.Header().Get("X-Backend-Used"))
	assert.Equal(t, "llama-3-8b-instruct", w.Header().Get("X-Model-Used"))
	assert.Equal(t, "alias_expanded", w.Header().Get("X-Router-Reason"))

	// Every exit path returns its slot.
	assert.Zero(t, gw.adm.Stats()["gpu_fast.chat"].Inflight)
}

func TestChatStreamingEventOrder(t *testing.T) {
	srv := chatUpstream(t, nil)
	defer srv.Close()
	gw := newTestGateway(t, registryDoc(srv.URL, false))

	w := doJSON(t, gw, http.MethodPost, "/v1/chat/completions",
		`{"model":"fast","stream":true,"messages":[{"role":"user","content":"ping"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
	assert.Equal(t, "gpu_fast", w.Header().Get("X-Backend-Used"))

	var types []string
	var text strings.Builder
	for _, block := range strings.Split(w.Body.String(), "\n\n") {
		block = strings.TrimSpace(strings.TrimPrefix(block, "data: "))
		if block == "" {
			continue
		}
		if block == "[DONE]" {
			types = append(types, "[DONE]")
			continue
		}
		types = append(types, gjson.Get(block, "type").String())
		text.WriteString(gjson.Get(block, "delta").String())
	}
	assert.Equal(t, []string{"route", "delta", "delta", "done", "[DONE]"}, types)
	assert.Equal(t, "pong", text.String())
	assert.Zero(t, gw.adm.Stats()["gpu_fast.chat"].Inflight)
}

func TestCapabilityRefusal(t *testing.T) {
	srv := chatUpstream(t, nil)
	defer srv.Close()
	gw := newTestGateway(t, registryDoc(srv.URL, false))

	before := gw.adm.Stats()
	w := doJSON(t, gw, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpu_heavy","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	body := w.Body.String()
	assert.Equal(t, "capability_not_supported", gjson.Get(body, "error").String())
	assert.Equal(t, "gpu_heavy", gjson.Get(body, "backend_class").String())
	assert.Equal(t, `["images"]`, gjson.Get(body, "supported_capabilities").Raw)
	assert.Equal(t, before, gw.adm.Stats(), "refusal must not consume a slot")
}

func TestOverloadRejection(t *testing.T) {
	srv := chatUpstream(t, nil)
	defer srv.Close()
	gw := newTestGateway(t, registryDoc(srv.URL, false))

	slot, rej := gw.adm.TryAcquire("gpu_heavy", registry.RouteImages)
	require.Nil(t, rej)
	defer slot.Release()

	w := doJSON(t, gw, http.MethodPost, "/v1/images/generations", `{"prompt":"a red apple"}`)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))

	body := w.Body.String()
	assert.Equal(t, "backend_overloaded", gjson.Get(body, "error").String())
	assert.Equal(t, "gpu_heavy", gjson.Get(body, "backend_class").String())
	assert.Equal(t, "images", gjson.Get(body, "route_kind").String())
}

func TestNotReadyRejection(t *testing.T) {
	gw := newTestGateway(t, registryDoc("http://127.0.0.1:1", false))
	gw.hc.CheckNow(context.Background())

	w := doJSON(t, gw, http.MethodPost, "/v1/chat/completions",
		`{"model":"fast","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))

	body := w.Body.String()
	assert.Equal(t, "backend_not_ready", gjson.Get(body, "error").String())
	assert.Contains(t, gjson.Get(body, "health_error").String(), "liveness check failed")
	assert.Zero(t, gw.adm.Stats()["gpu_fast.chat"].Inflight)
}

func TestEmbeddings(t *testing.T) {
	srv := chatUpstream(t, nil)
	defer srv.Close()
	gw := newTestGateway(t, registryDoc(srv.URL, false))

	w := doJSON(t, gw, http.MethodPost, "/v1/embeddings", `{"model":"gpu_fast","input":"hello"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := w.Body.String()
	assert.Equal(t, "list", gjson.Get(body, "object").String())
	assert.Equal(t, "gpu_fast", gjson.Get(body, "_gateway.backend").String())
}

func TestImagesURLFlow(t *testing.T) {
	srv := chatUpstream(t, nil)
	defer srv.Close()
	gw := newTestGateway(t, registryDoc(srv.URL, false))

	w := doJSON(t, gw, http.MethodPost, "/v1/images/generations", `{"prompt":"a red apple"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := w.Body.String()
	url := gjson.Get(body, "data.0.url").String()
	require.True(t, strings.HasPrefix(url, "/ui/images/"), url)
	assert.False(t, gjson.Get(body, "data.0.b64_json").Exists(), "default format is url")
	assert.Equal(t, "gpu_heavy", gjson.Get(body, "_gateway.backend").String())
	assert.Len(t, gjson.Get(body, "_gateway.ui_image_sha256").String(), 64)
	assert.Equal(t, "image/svg+xml", gjson.Get(body, "_gateway.ui_image_mime").String())

	filename := strings.TrimPrefix(url, "/ui/images/")
	_, err := os.Stat(filepath.Join(gw.cfg.UIImageDir, filename))
	require.NoError(t, err, "stored file must exist")

	// The stored file is served back.
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rw := httptest.NewRecorder()
	gw.ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)
	assert.Contains(t, rw.Body.String(), "a red apple")

	// Identical bytes land on the same file.
	w2 := doJSON(t, gw, http.MethodPost, "/v1/images/generations", `{"prompt":"a red apple"}`)
	require.Equal(t, http.StatusOK, w2.Code)
	assert.Equal(t, url, gjson.Get(w2.Body.String(), "data.0.url").String())
}

func TestImagesB64PolicyGate(t *testing.T) {
	srv := chatUpstream(t, nil)
	defer srv.Close()

	gw := newTestGateway(t, registryDoc(srv.URL, false))
	w := doJSON(t, gw, http.MethodPost, "/v1/images/generations",
		`{"prompt":"x","response_format":"b64_json"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "response_format_not_allowed", gjson.Get(w.Body.String(), "error").String())

	gw = newTestGateway(t, registryDoc(srv.URL, true))
	w = doJSON(t, gw, http.MethodPost, "/v1/images/generations",
		`{"prompt":"x","response_format":"b64_json"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, gjson.Get(w.Body.String(), "data.0.b64_json").Exists())
	assert.False(t, gjson.Get(w.Body.String(), "data.0.url").Exists())
}

func TestToolsOverHTTP(t *testing.T) {
	srv := chatUpstream(t, nil)
	defer srv.Close()
	gw := newTestGateway(t, registryDoc(srv.URL, false))

	w := doJSON(t, gw, http.MethodGet, "/v1/tools", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "echo", gjson.Get(w.Body.String(), "tools.0.name").String())

	w = doJSON(t, gw, http.MethodPost, "/v1/tools/echo", `{"msg":"hi"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := w.Body.String()
	assert.Equal(t, "ok", gjson.Get(body, "outcome").String())
	replayID := gjson.Get(body, "replay_id").String()
	require.NotEmpty(t, replayID)

	// Replay lookup round-trips the record.
	w = doJSON(t, gw, http.MethodGet, "/v1/tools/replay/"+replayID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, gjson.Get(body, "request_hash").String(), gjson.Get(w.Body.String(), "request_hash").String())

	w = doJSON(t, gw, http.MethodGet, "/v1/tools/replay/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "unknown_replay", gjson.Get(w.Body.String(), "error").String())

	w = doJSON(t, gw, http.MethodPost, "/v1/tools/nope", `{}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "unknown_tool", gjson.Get(w.Body.String(), "error").String())

	// Registered but outside the allowed set.
	w = doJSON(t, gw, http.MethodPost, "/v1/tools/system_info", `{}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "tool_denied", gjson.Get(w.Body.String(), "error").String())
}

func TestStatusEndpoint(t *testing.T) {
	srv := chatUpstream(t, nil)
	defer srv.Close()
	gw := newTestGateway(t, registryDoc(srv.URL, false))

	slot, rej := gw.adm.TryAcquire("gpu_heavy", registry.RouteImages)
	require.Nil(t, rej)
	defer slot.Release()

	w := doJSON(t, gw, http.MethodGet, "/v1/gateway/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()

	assert.Equal(t, int64(1), gjson.Get(body, `admission_control.gpu_heavy\.images.inflight`).Int())
	assert.Equal(t, int64(1), gjson.Get(body, `admission_control.gpu_heavy\.images.limit`).Int())
	assert.True(t, gjson.Get(body, "backend_health.gpu_fast").Exists())
	assert.NotEmpty(t, gjson.Get(body, "build.version").String())
}

func TestModelsListAndGet(t *testing.T) {
	srv := chatUpstream(t, nil)
	defer srv.Close()
	gw := newTestGateway(t, registryDoc(srv.URL, false))

	w := doJSON(t, gw, http.MethodGet, "/v1/models", "")
	require.Equal(t, http.StatusOK, w.Code)
	var ids []string
	for _, m := range gjson.Get(w.Body.String(), "data.#.id").Array() {
		ids = append(ids, m.String())
	}
	assert.Contains(t, ids, "fast")
	assert.Contains(t, ids, "llama-3-8b-instruct")
	assert.Contains(t, ids, "gpu_fast")
	assert.Contains(t, ids, "ollama")

	w = doJSON(t, gw, http.MethodGet, "/v1/models/fast", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "fast", gjson.Get(w.Body.String(), "id").String())

	w = doJSON(t, gw, http.MethodGet, "/v1/models/none-such", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCompletionsShim(t *testing.T) {
	var captured []byte
	srv := chatUpstream(t, &captured)
	defer srv.Close()
	gw := newTestGateway(t, registryDoc(srv.URL, false))

	w := doJSON(t, gw, http.MethodPost, "/v1/completions", `{"model":"fast","prompt":"ping"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, "ping", gjson.GetBytes(captured, "messages.0.content").String())
	assert.Equal(t, "user", gjson.GetBytes(captured, "messages.0.role").String())

	body := w.Body.String()
	assert.Equal(t, "text_completion", gjson.Get(body, "object").String())
	assert.Equal(t, "pong", gjson.Get(body, "choices.0.text").String())
	assert.Equal(t, "gpu_fast", gjson.Get(body, "_gateway.backend").String())
}

func TestRequestTooLarge(t *testing.T) {
	srv := chatUpstream(t, nil)
	defer srv.Close()
	gw := newTestGateway(t, registryDoc(srv.URL, false))
	gwSmall := *gw
	// Rebuild with a tiny cap.
	reg, err := registry.Parse([]byte(registryDoc(srv.URL, false)))
	require.NoError(t, err)
	up, err := upstream.NewClient(upstream.Options{VerifyTLS: true})
	require.NoError(t, err)
	cfg := gw.cfg
	cfg.MaxRequestBytes = 32
	toolLog, err := toolbus.NewLog(toolbus.ModeNone, "", "")
	require.NoError(t, err)
	bus := toolbus.New(toolLog, []string{"echo"}, zap.NewNop())
	logs, err := reqlog.New("", 10, zap.NewNop())
	require.NoError(t, err)
	h := NewHandler(cfg, reg, router.New(reg), admission.New(reg),
		health.NewChecker(reg, up.HTTPClient(), 0, 0, zap.NewNop()),
		up, images.Mock{}, gw.store, bus, logs, metrics.New(), zap.NewNop())
	gwSmall.Handler = h.Routes()

	w := doJSON(t, &gwSmall, http.MethodPost, "/v1/chat/completions",
		`{"model":"fast","messages":[{"role":"user","content":"`+strings.Repeat("x", 100)+`"}]}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "request_too_large", gjson.Get(w.Body.String(), "error").String())
}

func TestUpstreamErrorEcho(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/chat/completions" {
			http.Error(w, `{"error":"bad things"}`, http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	gw := newTestGateway(t, registryDoc(srv.URL, false))

	w := doJSON(t, gw, http.MethodPost, "/v1/chat/completions",
		`{"model":"fast","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := w.Body.String()
	assert.Equal(t, "upstream_http_error", gjson.Get(body, "error").String())
	assert.Equal(t, int64(422), gjson.Get(body, "upstream_status").Int())
	assert.Zero(t, gw.adm.Stats()["gpu_fast.chat"].Inflight)
}

func TestUpstreamTimeoutMapsTo504(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/chat/completions" {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	gw := newTestGateway(t, registryDoc(srv.URL, false))

	// The proxy deadline derives from the request context, so a short
	// deadline here stands in for the 60s read budget.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"fast","messages":[{"role":"user","content":"hi"}]}`)).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	gw.ServeHTTP(w, req)

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	body := w.Body.String()
	assert.Equal(t, "upstream_timeout", gjson.Get(body, "error").String())
	assert.Equal(t, "gpu_fast", gjson.Get(body, "backend_class").String())
	assert.Zero(t, gw.adm.Stats()["gpu_fast.chat"].Inflight)
}

func TestImagesFormatDefaultsToBackendPolicy(t *testing.T) {
	srv := chatUpstream(t, nil)
	defer srv.Close()
	doc := fmt.Sprintf(`
backends:
  - name: gpu_heavy
    class: gpu_heavy
    base_url: %s
    capabilities: [images]
    concurrency_limits: {images: 1}
    health: {liveness: /health, readiness: /ready}
    payload_policy:
      images_format: b64_json
      images_allow_base64: true
    default_model: sdxl
`, srv.URL)
	gw := newTestGateway(t, doc)

	w := doJSON(t, gw, http.MethodPost, "/v1/images/generations", `{"prompt":"x"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, gjson.Get(w.Body.String(), "data.0.b64_json").Exists())
	assert.False(t, gjson.Get(w.Body.String(), "data.0.url").Exists())

	// An explicit response_format still wins over the backend policy.
	w = doJSON(t, gw, http.MethodPost, "/v1/images/generations", `{"prompt":"x","response_format":"url"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gjson.Get(w.Body.String(), "data.0.url").Exists())
}

func TestUpstreamDown(t *testing.T) {
	gw := newTestGateway(t, registryDoc("http://127.0.0.1:1", false))
	// No probe has run, so the health gate is optimistic and the request
	// reaches the dial failure.
	w := doJSON(t, gw, http.MethodPost, "/v1/chat/completions",
		`{"model":"fast","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "upstream_unreachable", gjson.Get(w.Body.String(), "error").String())
	assert.Zero(t, gw.adm.Stats()["gpu_fast.chat"].Inflight)
}
