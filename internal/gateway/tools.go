package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	"local-ai-gateway/internal/toolbus"
)

func (h *Handler) listTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": h.bus.List()})
}

// invokeTool accepts the arguments either as the whole body or wrapped in an
// "arguments" field.
func (h *Handler) invokeTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	args := json.RawMessage(body)
	if wrapped := gjson.GetBytes(body, "arguments"); wrapped.Exists() {
		args = json.RawMessage(wrapped.Raw)
	}

	rec, err := h.bus.Invoke(r.Context(), name, args)
	if err != nil {
		var argErr *toolbus.ArgumentError
		switch {
		case errors.Is(err, toolbus.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown_tool", "no tool named "+name, nil)
		case errors.Is(err, toolbus.ErrDenied):
			h.m.ObserveTool(name, string(toolbus.OutcomeDenied))
			writeError(w, http.StatusForbidden, "tool_denied", "tool is not allowed by policy", map[string]any{
				"replay_id":    rec.ReplayID,
				"request_hash": rec.RequestHash,
			})
		case errors.As(err, &argErr):
			writeError(w, http.StatusBadRequest, "invalid_arguments", argErr.Msg, nil)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", "tool invocation failed", nil)
		}
		return
	}

	h.m.ObserveTool(name, string(rec.Outcome))
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) replayLookup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "replay_id")
	rec, ok := h.bus.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_replay", "no invocation with replay id "+id, nil)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
