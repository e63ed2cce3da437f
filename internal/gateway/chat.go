package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"local-ai-gateway/internal/registry"
	"local-ai-gateway/internal/router"
	"local-ai-gateway/internal/streamconv"
)

func (h *Handler) chatCompletions(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	hint := gjson.GetBytes(body, "model").String()
	stream := gjson.GetBytes(body, "stream").Bool()

	dec, b, slot, ok := h.admit(w, registry.RouteChat, hint)
	if !ok {
		return
	}
	defer h.release(slot)

	if ev := eventFrom(r.Context()); ev != nil {
		ev.RouteKind = string(registry.RouteChat)
		ev.Backend = dec.Backend
		ev.RequestModel = hint
		ev.UpstreamModel = dec.UpstreamModel
		ev.RouterReason = dec.Reason
		ev.Stream = stream
		ev.RequestBytes = len(body)
	}
	setDecisionHeaders(w, dec)

	start := time.Now()
	var status int
	if stream {
		status = h.streamChat(r.Context(), w, body, dec, b)
	} else {
		status = h.proxyChat(r.Context(), w, body, dec, b)
	}
	h.m.ObserveRequest(string(registry.RouteChat), dec.Backend, status, time.Since(start))
}

// streamChat opens the upstream stream and re-frames it into gateway SSE.
// Instrumentation headers are already set; SSE headers go out with the 200.
func (h *Handler) streamChat(ctx context.Context, w http.ResponseWriter, body []byte, dec router.Decision, b *registry.Backend) int {
	var resp *http.Response
	var err error
	switch b.Protocol {
	case registry.ProtocolNDJSON:
		nb, berr := ndjsonChatBody(body, dec.UpstreamModel, true)
		if berr != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", berr.Error(), nil)
			return http.StatusBadRequest
		}
		resp, err = h.up.Stream(ctx, b.BaseURL, "/api/chat", nb)
	default:
		ob, _ := sjson.SetBytes(body, "model", dec.UpstreamModel)
		ob, _ = sjson.SetBytes(ob, "stream", true)
		resp, err = h.up.Stream(ctx, b.BaseURL, "/v1/chat/completions", ob)
	}
	if err != nil {
		return upstreamFailure(w, err, dec.Class)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return h.echoUpstreamError(w, resp, dec)
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	opt := streamconv.Options{
		Backend:      dec.Backend,
		Model:        dec.UpstreamModel,
		Reason:       dec.Reason,
		EmitThinking: b.EmitThinking,
	}
	if b.Protocol == registry.ProtocolNDJSON {
		err = streamconv.NDJSONToGateway(ctx, w, resp.Body, opt)
	} else {
		err = streamconv.OpenAISSEToGateway(ctx, w, resp.Body, opt)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		h.zlog.Warn("stream aborted",
			zap.String("backend", dec.Backend),
			zap.String("model", dec.UpstreamModel),
			zap.Error(err))
	}
	return http.StatusOK
}

// proxyChat does the one-shot path with the 60s read deadline and stamps the
// routing decision into the response body.
func (h *Handler) proxyChat(ctx context.Context, w http.ResponseWriter, body []byte, dec router.Decision, b *registry.Backend) int {
	uctx, cancel := context.WithTimeout(ctx, chatReadTimeout)
	defer cancel()

	var resp *http.Response
	var err error
	if b.Protocol == registry.ProtocolNDJSON {
		nb, berr := ndjsonChatBody(body, dec.UpstreamModel, false)
		if berr != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", berr.Error(), nil)
			return http.StatusBadRequest
		}
		resp, err = h.up.PostJSON(uctx, b.BaseURL, "/api/chat", nb)
	} else {
		ob, _ := sjson.SetBytes(body, "model", dec.UpstreamModel)
		ob, _ = sjson.SetBytes(ob, "stream", false)
		resp, err = h.up.PostJSON(uctx, b.BaseURL, "/v1/chat/completions", ob)
	}
	if err != nil {
		return upstreamFailure(w, err, dec.Class)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return h.echoUpstreamError(w, resp, dec)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream_protocol_error", "reading upstream response failed", nil)
		return http.StatusBadGateway
	}

	if b.Protocol == registry.ProtocolNDJSON {
		raw = ndjsonToChatCompletion(raw, dec.UpstreamModel)
	}
	out, serr := sjson.SetBytes(raw, "_gateway", gatewayBlock(dec))
	if serr != nil {
		writeError(w, http.StatusBadGateway, "upstream_protocol_error", "upstream returned a non-JSON body", nil)
		return http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
	return http.StatusOK
}

func (h *Handler) embeddings(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	hint := gjson.GetBytes(body, "model").String()

	dec, b, slot, ok := h.admit(w, registry.RouteEmbeddings, hint)
	if !ok {
		return
	}
	defer h.release(slot)

	if ev := eventFrom(r.Context()); ev != nil {
		ev.RouteKind = string(registry.RouteEmbeddings)
		ev.Backend = dec.Backend
		ev.RequestModel = hint
		ev.UpstreamModel = dec.UpstreamModel
		ev.RouterReason = dec.Reason
		ev.RequestBytes = len(body)
	}
	setDecisionHeaders(w, dec)

	start := time.Now()
	status := func() int {
		uctx, cancel := context.WithTimeout(r.Context(), chatReadTimeout)
		defer cancel()

		// Local runtimes expose the OpenAI-compatible embeddings path too,
		// so both protocols go through /v1/embeddings.
		ob, _ := sjson.SetBytes(body, "model", dec.UpstreamModel)
		resp, err := h.up.PostJSON(uctx, b.BaseURL, "/v1/embeddings", ob)
		if err != nil {
			return upstreamFailure(w, err, dec.Class)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return h.echoUpstreamError(w, resp, dec)
		}
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		if err != nil {
			writeError(w, http.StatusBadGateway, "upstream_protocol_error", "reading upstream response failed", nil)
			return http.StatusBadGateway
		}
		out, serr := sjson.SetBytes(raw, "_gateway", gatewayBlock(dec))
		if serr != nil {
			writeError(w, http.StatusBadGateway, "upstream_protocol_error", "upstream returned a non-JSON body", nil)
			return http.StatusBadGateway
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out)
		return http.StatusOK
	}()
	h.m.ObserveRequest(string(registry.RouteEmbeddings), dec.Backend, status, time.Since(start))
}

// completions is the legacy text-completion shim: the prompt becomes a single
// user message on the chat plane and the answer is reshaped to the
// text_completion object.
func (h *Handler) completions(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	hint := gjson.GetBytes(body, "model").String()
	stream := gjson.GetBytes(body, "stream").Bool()

	prompt, err := promptText(gjson.GetBytes(body, "prompt"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	chatBody := []byte(`{}`)
	chatBody, _ = sjson.SetBytes(chatBody, "messages.0.role", "user")
	chatBody, _ = sjson.SetBytes(chatBody, "messages.0.content", prompt)
	if mt := gjson.GetBytes(body, "max_tokens"); mt.Exists() {
		chatBody, _ = sjson.SetBytes(chatBody, "max_tokens", mt.Int())
	}
	if t := gjson.GetBytes(body, "temperature"); t.Exists() {
		chatBody, _ = sjson.SetBytes(chatBody, "temperature", t.Float())
	}

	dec, b, slot, ok := h.admit(w, registry.RouteChat, hint)
	if !ok {
		return
	}
	defer h.release(slot)

	if ev := eventFrom(r.Context()); ev != nil {
		ev.RouteKind = string(registry.RouteChat)
		ev.Backend = dec.Backend
		ev.RequestModel = hint
		ev.UpstreamModel = dec.UpstreamModel
		ev.RouterReason = dec.Reason
		ev.Stream = stream
		ev.RequestBytes = len(body)
	}
	setDecisionHeaders(w, dec)

	start := time.Now()
	var status int
	if stream {
		status = h.streamChat(r.Context(), w, chatBody, dec, b)
	} else {
		status = h.textCompletion(r.Context(), w, chatBody, dec, b)
	}
	h.m.ObserveRequest(string(registry.RouteChat), dec.Backend, status, time.Since(start))
}

func (h *Handler) textCompletion(ctx context.Context, w http.ResponseWriter, chatBody []byte, dec router.Decision, b *registry.Backend) int {
	uctx, cancel := context.WithTimeout(ctx, chatReadTimeout)
	defer cancel()

	var resp *http.Response
	var err error
	if b.Protocol == registry.ProtocolNDJSON {
		nb, berr := ndjsonChatBody(chatBody, dec.UpstreamModel, false)
		if berr != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", berr.Error(), nil)
			return http.StatusBadRequest
		}
		resp, err = h.up.PostJSON(uctx, b.BaseURL, "/api/chat", nb)
	} else {
		ob, _ := sjson.SetBytes(chatBody, "model", dec.UpstreamModel)
		ob, _ = sjson.SetBytes(ob, "stream", false)
		resp, err = h.up.PostJSON(uctx, b.BaseURL, "/v1/chat/completions", ob)
	}
	if err != nil {
		return upstreamFailure(w, err, dec.Class)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return h.echoUpstreamError(w, resp, dec)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream_protocol_error", "reading upstream response failed", nil)
		return http.StatusBadGateway
	}

	text := gjson.GetBytes(raw, "choices.0.message.content").String()
	if b.Protocol == registry.ProtocolNDJSON {
		text = gjson.GetBytes(raw, "message.content").String()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      "cmpl-" + uuid.NewString(),
		"object":  "text_completion",
		"created": time.Now().Unix(),
		"model":   dec.UpstreamModel,
		"choices": []map[string]any{{
			"index":         0,
			"text":          text,
			"logprobs":      nil,
			"finish_reason": "stop",
		}},
		"_gateway": gatewayBlock(dec),
	})
	return http.StatusOK
}

// upstreamFailure maps transport errors from the upstream call: read-deadline
// expiry becomes 504 upstream_timeout, everything else 502 upstream_unreachable.
func upstreamFailure(w http.ResponseWriter, err error, class string) int {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		writeError(w, http.StatusGatewayTimeout, "upstream_timeout", "upstream did not respond in time", map[string]any{
			"backend_class": class,
		})
		return http.StatusGatewayTimeout
	}
	writeError(w, http.StatusBadGateway, "upstream_unreachable", "upstream request failed", map[string]any{
		"backend_class": class,
	})
	return http.StatusBadGateway
}

// echoUpstreamError surfaces upstream 4xx verbatim as status and maps 5xx to
// 502, always in the gateway's error body shape.
func (h *Handler) echoUpstreamError(w http.ResponseWriter, resp *http.Response, dec router.Decision) int {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 2000 {
		msg = msg[:2000]
	}
	status := resp.StatusCode
	if status >= 500 {
		status = http.StatusBadGateway
	}
	writeError(w, status, "upstream_http_error", "upstream returned an error", map[string]any{
		"backend_class":   dec.Class,
		"upstream_status": resp.StatusCode,
		"upstream_error":  msg,
	})
	return status
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "request_too_large",
				fmt.Sprintf("request body exceeds %d bytes", mbe.Limit), nil)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to read request body", nil)
		return nil, false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	if !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON", nil)
		return nil, false
	}
	return body, true
}

func gatewayBlock(dec router.Decision) map[string]any {
	return map[string]any{
		"backend": dec.Backend,
		"model":   dec.UpstreamModel,
		"reason":  dec.Reason,
	}
}

// ndjsonChatBody reshapes an OpenAI chat body to the local runtime's
// /api/chat request: {model, messages, stream}.
func ndjsonChatBody(body []byte, model string, stream bool) ([]byte, error) {
	msgs := gjson.GetBytes(body, "messages")
	if !msgs.IsArray() {
		return nil, errors.New("messages must be an array")
	}
	nb := []byte(`{}`)
	nb, _ = sjson.SetBytes(nb, "model", model)
	nb, _ = sjson.SetRawBytes(nb, "messages", []byte(msgs.Raw))
	nb, _ = sjson.SetBytes(nb, "stream", stream)
	if opts := gjson.GetBytes(body, "options"); opts.IsObject() {
		nb, _ = sjson.SetRawBytes(nb, "options", []byte(opts.Raw))
	}
	return nb, nil
}

// ndjsonToChatCompletion wraps the runtime's {message:{content}} answer in
// the OpenAI chat.completion shape.
func ndjsonToChatCompletion(raw []byte, model string) []byte {
	content := gjson.GetBytes(raw, "message.content").String()
	out := []byte(`{}`)
	out, _ = sjson.SetBytes(out, "id", "chatcmpl-"+uuid.NewString())
	out, _ = sjson.SetBytes(out, "object", "chat.completion")
	out, _ = sjson.SetBytes(out, "created", time.Now().Unix())
	out, _ = sjson.SetBytes(out, "model", model)
	out, _ = sjson.SetBytes(out, "choices.0.index", 0)
	out, _ = sjson.SetBytes(out, "choices.0.message.role", "assistant")
	out, _ = sjson.SetBytes(out, "choices.0.message.content", content)
	out, _ = sjson.SetBytes(out, "choices.0.finish_reason", "stop")
	return out
}

func promptText(v gjson.Result) (string, error) {
	switch {
	case !v.Exists():
		return "", errors.New("prompt is required")
	case v.Type == gjson.String:
		return v.String(), nil
	case v.IsArray():
		var parts []string
		for _, item := range v.Array() {
			if item.Type != gjson.String {
				return "", errors.New("prompt array items must be strings")
			}
			parts = append(parts, item.String())
		}
		return strings.Join(parts, "\n"), nil
	default:
		return "", errors.New("prompt must be a string or array of strings")
	}
}
