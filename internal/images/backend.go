package images

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"local-ai-gateway/internal/upstream"
)

// Request is a normalized generation request. Width/Height come from the
// client's "WxH" size string.
type Request struct {
	Prompt         string
	Width          int
	Height         int
	N              int
	Model          string
	Steps          int
	Seed           *int64
	GuidanceScale  *float64
	NegativePrompt string
}

// Result is the backend-neutral outcome: raw bytes per image.
type Result struct {
	Images   [][]byte
	Model    string
	Upstream map[string]any
}

// Generator is an image backend family.
type Generator interface {
	// Name is the family token surfaced in _gateway.backend.
	Name() string
	Generate(ctx context.Context, req Request) (Result, error)
}

// UpstreamError carries the upstream status so the handler can echo 4xx and
// map 5xx to 502.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("image upstream returned %d: %s", e.Status, e.Body)
}

// ParseSize parses "1024x1024"-style size strings with a pixel-count cap.
func ParseSize(size string, maxPixels int) (w, h int, err error) {
	s := strings.ToLower(strings.TrimSpace(size))
	if s == "" {
		s = "1024x1024"
	}
	a, b, found := strings.Cut(s, "x")
	if !found {
		return 0, 0, fmt.Errorf("size must be like '1024x1024'")
	}
	w, err = strconv.Atoi(strings.TrimSpace(a))
	if err == nil {
		h, err = strconv.Atoi(strings.TrimSpace(b))
	}
	if err != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("size must be positive integers like '1024x1024'")
	}
	if maxPixels > 0 && w*h > maxPixels {
		return 0, 0, fmt.Errorf("size too large")
	}
	return w, h, nil
}

// Mock renders a deterministic SVG placeholder. Always available; useful for
// wiring checks without a GPU.
type Mock struct{}

func (Mock) Name() string { return "mock" }

func (Mock) Generate(_ context.Context, req Request) (Result, error) {
	svg := mockSVG(req.Prompt, req.Width, req.Height)
	out := Result{Model: "mock", Upstream: map[string]any{"family": "mock"}}
	for i := 0; i < req.N; i++ {
		out.Images = append(out.Images, svg)
	}
	return out, nil
}

func mockSVG(prompt string, width, height int) []byte {
	p := strings.TrimSpace(prompt)
	if len(p) > 400 {
		p = p[:400] + "…"
	}
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	p = r.Replace(p)
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">
  <rect width="100%%" height="100%%" fill="#0b0d10"/>
  <text x="48" y="72" fill="#e7edf6" font-family="system-ui" font-size="20" font-weight="600">Mock image backend</text>
  <text x="48" y="104" fill="#a9b4c3" font-family="system-ui" font-size="14">%s</text>
</svg>
`, width, height, width, height, p))
}

// A1111 proxies an Automatic1111-compatible server's txt2img API and
// normalizes its {images:[b64,...]} response.
type A1111 struct {
	Client  *upstream.Client
	BaseURL string
	Steps   int
	Timeout time.Duration
}

func (A1111) Name() string { return "http_a1111" }

func (g A1111) Generate(ctx context.Context, req Request) (Result, error) {
	steps := req.Steps
	if steps <= 0 {
		steps = g.Steps
	}
	payload := map[string]any{
		"prompt":     req.Prompt,
		"width":      req.Width,
		"height":     req.Height,
		"batch_size": req.N,
		"steps":      steps,
	}
	if req.Seed != nil {
		payload["seed"] = *req.Seed
	}
	if req.GuidanceScale != nil {
		payload["cfg_scale"] = *req.GuidanceScale
	}
	if req.NegativePrompt != "" {
		payload["negative_prompt"] = req.NegativePrompt
	}

	raw, err := g.post(ctx, "/sdapi/v1/txt2img", payload)
	if err != nil {
		return Result{}, err
	}

	var out struct {
		Images     []string       `json:"images"`
		Parameters map[string]any `json:"parameters"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || len(out.Images) == 0 {
		return Result{}, fmt.Errorf("unexpected response from image backend")
	}

	res := Result{Model: "txt2img", Upstream: map[string]any{"family": "a1111", "parameters": out.Parameters}}
	for i, b64 := range out.Images {
		if i >= req.N {
			break
		}
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return Result{}, fmt.Errorf("image backend returned invalid base64")
		}
		res.Images = append(res.Images, data)
	}
	return res, nil
}

func (g A1111) post(ctx context.Context, path string, payload map[string]any) ([]byte, error) {
	return postImageJSON(ctx, g.Client, g.BaseURL, path, payload, g.Timeout)
}

// OpenAIImages proxies an OpenAI-style images server. The upstream is always
// asked for b64_json; the gateway, not the upstream, decides the client's
// response format.
type OpenAIImages struct {
	Client       *upstream.Client
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

func (OpenAIImages) Name() string { return "http_openai_images" }

func (g OpenAIImages) Generate(ctx context.Context, req Request) (Result, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = g.DefaultModel
	}
	if model == "" {
		return Result{}, fmt.Errorf("model is required for http_openai_images")
	}

	payload := map[string]any{
		"model":           model,
		"prompt":          req.Prompt,
		"n":               req.N,
		"size":            fmt.Sprintf("%dx%d", req.Width, req.Height),
		"response_format": "b64_json",
	}
	if req.Steps > 0 {
		payload["steps"] = req.Steps
	}
	if req.Seed != nil {
		payload["seed"] = *req.Seed
	}
	if req.GuidanceScale != nil {
		payload["guidance_scale"] = *req.GuidanceScale
	}
	if req.NegativePrompt != "" {
		payload["negative_prompt"] = req.NegativePrompt
	}

	raw, err := postImageJSON(ctx, g.Client, g.BaseURL, "/v1/images/generations", payload, g.Timeout)
	if err != nil {
		return Result{}, err
	}

	var out struct {
		Created int64 `json:"created"`
		Data    []struct {
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || len(out.Data) == 0 {
		return Result{}, fmt.Errorf("unexpected response from image backend")
	}

	res := Result{Model: model, Upstream: map[string]any{"family": "openai_images", "created": out.Created}}
	for i, item := range out.Data {
		if i >= req.N {
			break
		}
		if item.B64JSON == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(item.B64JSON)
		if err != nil {
			return Result{}, fmt.Errorf("image backend returned invalid base64")
		}
		res.Images = append(res.Images, data)
	}
	if len(res.Images) == 0 {
		return Result{}, fmt.Errorf("image backend did not return b64_json")
	}
	return res, nil
}

func postImageJSON(ctx context.Context, client *upstream.Client, baseURL, path string, payload map[string]any, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	uctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := client.PostJSON(uctx, baseURL, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 256<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(raw)
		if len(msg) > 2000 {
			msg = msg[:2000]
		}
		return nil, &UpstreamError{Status: resp.StatusCode, Body: msg}
	}
	return raw, nil
}
