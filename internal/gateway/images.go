package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"local-ai-gateway/internal/images"
	"local-ai-gateway/internal/registry"
	"local-ai-gateway/internal/router"
)

type imageRequest struct {
	Prompt         string   `json:"prompt"`
	N              int      `json:"n"`
	Size           string   `json:"size"`
	ResponseFormat string   `json:"response_format"`
	Model          string   `json:"model"`
	Steps          int      `json:"steps"`
	Seed           *int64   `json:"seed"`
	GuidanceScale  *float64 `json:"guidance_scale"`
	NegativePrompt string   `json:"negative_prompt"`
}

func (h *Handler) imageGenerations(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var req imageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON", nil)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "prompt is required", nil)
		return
	}

	format := strings.TrimSpace(req.ResponseFormat)
	if format != "" && format != "url" && format != "b64_json" {
		writeError(w, http.StatusBadRequest, "invalid_request", "response_format must be url or b64_json", nil)
		return
	}

	width, height, err := images.ParseSize(req.Size, h.cfg.ImagesMaxPixels)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}
	n := req.N
	if n <= 0 {
		n = 1
	}
	if n > 4 {
		n = 4
	}

	// The image plane is pinned by configuration, not by the client's model
	// field: that names the diffusion model on the backend.
	dec, b, slot, ok := h.admit(w, registry.RouteImages, h.cfg.ImagesBackendClass)
	if !ok {
		return
	}
	defer h.release(slot)

	// An absent response_format falls back to the backend's payload policy.
	if format == "" {
		format = b.Payload.ImagesFormat
	}
	if format == "" {
		format = "url"
	}
	if format == "b64_json" && !b.Payload.ImagesAllowBase64 {
		writeError(w, http.StatusBadRequest, "response_format_not_allowed",
			"backend payload policy does not allow b64_json", map[string]any{
				"backend_class": dec.Class,
			})
		return
	}

	if ev := eventFrom(r.Context()); ev != nil {
		ev.RouteKind = string(registry.RouteImages)
		ev.Backend = dec.Backend
		ev.RequestModel = req.Model
		ev.RouterReason = dec.Reason
		ev.RequestBytes = len(body)
	}
	setDecisionHeaders(w, dec)

	start := time.Now()
	status := h.generateImages(w, r, req, images.Request{
		Prompt:         req.Prompt,
		Width:          width,
		Height:         height,
		N:              n,
		Model:          req.Model,
		Steps:          req.Steps,
		Seed:           req.Seed,
		GuidanceScale:  req.GuidanceScale,
		NegativePrompt: req.NegativePrompt,
	}, format, dec)
	h.m.ObserveRequest(string(registry.RouteImages), dec.Backend, status, time.Since(start))
}

func (h *Handler) generateImages(w http.ResponseWriter, r *http.Request, req imageRequest, ireq images.Request, format string, dec router.Decision) int {
	uctx, cancel := context.WithTimeout(r.Context(), imagesReadTimeout)
	defer cancel()
	res, err := h.gen.Generate(uctx, ireq)
	if err != nil {
		var upErr *images.UpstreamError
		if errors.As(err, &upErr) {
			status := upErr.Status
			if status >= 500 || status < 400 {
				status = http.StatusBadGateway
			}
			writeError(w, status, "upstream_http_error", "image backend returned an error", map[string]any{
				"backend_class":   dec.Class,
				"upstream_status": upErr.Status,
				"upstream_error":  upErr.Body,
			})
			return status
		}
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, "upstream_timeout", "image backend did not respond in time", map[string]any{
				"backend_class": dec.Class,
			})
			return http.StatusGatewayTimeout
		}
		writeError(w, http.StatusBadGateway, "upstream_unreachable", err.Error(), map[string]any{
			"backend_class": dec.Class,
		})
		return http.StatusBadGateway
	}
	if len(res.Images) == 0 {
		writeError(w, http.StatusBadGateway, "upstream_protocol_error", "image backend returned no images", nil)
		return http.StatusBadGateway
	}

	if ev := eventFrom(r.Context()); ev != nil {
		ev.UpstreamModel = res.Model
	}
	w.Header().Set("X-Model-Used", res.Model)

	gw := map[string]any{
		"backend":       dec.Backend,
		"backend_class": dec.Class,
		"model":         res.Model,
		"reason":        dec.Reason,
		"request": map[string]any{
			"prompt": req.Prompt,
			"width":  ireq.Width,
			"height": ireq.Height,
			"n":      ireq.N,
		},
		"upstream": res.Upstream,
	}

	data := make([]map[string]any, 0, len(res.Images))
	if format == "b64_json" {
		for _, img := range res.Images {
			data = append(data, map[string]any{"b64_json": base64.StdEncoding.EncodeToString(img)})
		}
	} else {
		for i, img := range res.Images {
			st, err := h.store.Save(img)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "internal_error", "failed to persist image", nil)
				return http.StatusInternalServerError
			}
			data = append(data, map[string]any{"url": h.cfg.PublicBaseURL + "/ui/images/" + st.Filename})
			if i == 0 {
				gw["ui_image_sha256"] = st.SHA256
				gw["ui_image_mime"] = st.MIME
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"created":  time.Now().Unix(),
		"data":     data,
		"_gateway": gw,
	})
	return http.StatusOK
}
