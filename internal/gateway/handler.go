// Package gateway is the HTTP boundary: routing decisions, health and
// admission gates, and the OpenAI-compatible surface over the fleet.
package gateway

import (
	"errors"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
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

// Version is stamped via -ldflags at release build time.
var Version = "dev"

const (
	chatReadTimeout   = 60 * time.Second
	imagesReadTimeout = 120 * time.Second
)

type Handler struct {
	cfg   config.Config
	reg   *registry.Registry
	rtr   *router.Router
	adm   *admission.Controller
	hc    *health.Checker
	up    *upstream.Client
	gen   images.Generator
	store *images.Store
	bus   *toolbus.Bus
	logs  *reqlog.Bus
	m     *metrics.Metrics
	zlog  *zap.Logger

	startedAt time.Time
}

func NewHandler(
	cfg config.Config,
	reg *registry.Registry,
	rtr *router.Router,
	adm *admission.Controller,
	hc *health.Checker,
	up *upstream.Client,
	gen images.Generator,
	store *images.Store,
	bus *toolbus.Bus,
	logs *reqlog.Bus,
	m *metrics.Metrics,
	zlog *zap.Logger,
) *Handler {
	return &Handler{
		cfg: cfg, reg: reg, rtr: rtr, adm: adm, hc: hc, up: up,
		gen: gen, store: store, bus: bus, logs: logs, m: m, zlog: zlog,
		startedAt: time.Now(),
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestLogger(h.logs, h.zlog))

	r.Get("/health", h.healthz)

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireBearer(h.cfg.BearerToken))

		r.Get("/models", h.listModels)
		r.Get("/models/{id}", h.getModel)
		r.Post("/chat/completions", h.chatCompletions)
		r.Post("/completions", h.completions)
		r.Post("/embeddings", h.embeddings)
		r.Post("/images/generations", h.imageGenerations)

		r.Get("/tools", h.listTools)
		r.Post("/tools/{name}", h.invokeTool)
		r.Get("/tools/replay/{replay_id}", h.replayLookup)

		r.Get("/gateway/status", h.status)
		r.Get("/gateway/logs", h.recentLogs)
		r.Get("/gateway/logs/stream", h.streamLogs)
	})

	r.Route("/ui", func(r chi.Router) {
		r.Use(ipAllowlist(h.cfg.UIIPAllowlist))
		r.Get("/images/{filename}", h.serveImage)
	})

	return r
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// admit runs the pre-upstream gates in order: route, health, admission. On
// refusal it writes the response and returns ok=false; no slot is held.
func (h *Handler) admit(w http.ResponseWriter, kind registry.RouteKind, hint string) (router.Decision, *registry.Backend, *admission.Slot, bool) {
	dec, err := h.rtr.Route(kind, hint)
	if err != nil {
		var capErr *router.CapabilityError
		if errors.As(err, &capErr) {
			extra := map[string]any{"supported_capabilities": capErr.Supported}
			if capErr.Class != "" {
				extra["backend_class"] = capErr.Class
			}
			writeError(w, http.StatusBadRequest, "capability_not_supported", capErr.Error(), extra)
			return router.Decision{}, nil, nil, false
		}
		writeError(w, http.StatusBadRequest, "routing_failed", err.Error(), nil)
		return router.Decision{}, nil, nil, false
	}

	b, ok := h.reg.Lookup(dec.Backend)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "routed to unknown backend", nil)
		return router.Decision{}, nil, nil, false
	}

	if !h.hc.IsRoutable(dec.Backend) {
		snap, _ := h.hc.Status(dec.Backend)
		h.m.ObserveRejection(string(kind), dec.Backend, "backend_not_ready")
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "backend_not_ready",
			"backend "+dec.Backend+" is not ready", map[string]any{
				"backend_class": dec.Class,
				"route_kind":    string(kind),
				"health_error":  snap.LastError,
			})
		return router.Decision{}, nil, nil, false
	}

	slot, rej := h.adm.TryAcquire(dec.Backend, kind)
	if rej != nil {
		h.m.ObserveRejection(string(kind), dec.Backend, "backend_overloaded")
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusTooManyRequests, "backend_overloaded",
			"backend "+dec.Backend+" is at its concurrency limit for "+string(kind), map[string]any{
				"backend_class": dec.Class,
				"route_kind":    string(kind),
			})
		return router.Decision{}, nil, nil, false
	}
	h.m.IncInflight(string(kind), dec.Backend)
	return dec, b, slot, true
}

func (h *Handler) release(slot *admission.Slot) {
	h.m.DecInflight(string(slot.Kind), slot.Backend)
	slot.Release()
}

func setDecisionHeaders(w http.ResponseWriter, dec router.Decision) {
	w.Header().Set("X-Backend-Used", dec.Backend)
	w.Header().Set("X-Model-Used", dec.UpstreamModel)
	w.Header().Set("X-Router-Reason", dec.Reason)
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// visibleModels is the union of alias names, default models, backend names,
// and legacy names, deduplicated.
func (h *Handler) visibleModels() []modelEntry {
	now := time.Now().Unix()
	seen := map[string]bool{}
	var out []modelEntry
	add := func(id, owner string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, modelEntry{ID: id, Object: "model", Created: now, OwnedBy: owner})
	}
	for _, b := range h.reg.Iter() {
		aliases := make([]string, 0, len(b.ModelAliases))
		for alias := range b.ModelAliases {
			aliases = append(aliases, alias)
		}
		sort.Strings(aliases)
		for _, alias := range aliases {
			add(alias, b.Name)
		}
		add(b.DefaultModel, b.Name)
		add(b.Name, b.Name)
	}
	for _, legacy := range h.reg.LegacyNames() {
		add(legacy, h.reg.ResolveLegacy(legacy))
	}
	return out
}

func (h *Handler) listModels(w http.ResponseWriter, _ *http.Request) {
	models := h.visibleModels()
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": models})
}

func (h *Handler) getModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, m := range h.visibleModels() {
		if m.ID == id {
			writeJSON(w, http.StatusOK, m)
			return
		}
	}
	writeError(w, http.StatusNotFound, "model_not_found", "unknown model "+id, nil)
}

func (h *Handler) status(w http.ResponseWriter, _ *http.Request) {
	backendHealth := make(map[string]any)
	for _, b := range h.reg.Iter() {
		if snap, ok := h.hc.Status(b.Name); ok {
			backendHealth[b.Name] = snap
		} else {
			// Not probed yet; optimistically routable.
			backendHealth[b.Name] = map[string]any{"healthy": true, "ready": true, "probed": false}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"admission_control": h.adm.Stats(),
		"backend_health":    backendHealth,
		"build": map[string]any{
			"version":        Version,
			"go":             runtime.Version(),
			"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		},
	})
}

func (h *Handler) recentLogs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"events": h.logs.Recent()})
}

func (h *Handler) streamLogs(w http.ResponseWriter, r *http.Request) {
	h.logs.ServeSSE(w, r)
}

func (h *Handler) serveImage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	if !images.ValidFilename(name) {
		writeError(w, http.StatusNotFound, "not_found", "no such image", nil)
		return
	}
	path := h.store.Path(name)
	mime := mimeForExt(name)
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeFile(w, r, path)
}

func mimeForExt(name string) string {
	switch {
	case strings.HasSuffix(name, ".png"):
		return "image/png"
	case strings.HasSuffix(name, ".jpg"):
		return "image/jpeg"
	case strings.HasSuffix(name, ".webp"):
		return "image/webp"
	case strings.HasSuffix(name, ".svg"):
		return "image/svg+xml"
	default:
		return "application/octet-stream"
	}
}
