package router

import (
	"fmt"
	"strings"

	"local-ai-gateway/internal/registry"
)

// Reason tokens are part of the API contract: they surface as the
// X-Router-Reason header and in SSE route events. Keep them stable.
const (
	ReasonClientPinned      = "client_pinned"
	ReasonAliasExpanded     = "alias_expanded"
	ReasonCapabilityOnly    = "capability_only"
	ReasonDefaultPreference = "default_preference"
)

// Decision names the backend and upstream model a request will use.
type Decision struct {
	Backend       string
	Class         string
	UpstreamModel string
	Reason        string
}

// CapabilityError means no backend can serve the route kind, either because
// the client pinned one that lacks the capability or because the preference
// list is empty for it.
type CapabilityError struct {
	Backend   string
	Class     string
	Kind      registry.RouteKind
	Supported []registry.Capability
}

func (e *CapabilityError) Error() string {
	if e.Backend == "" {
		return fmt.Sprintf("no backend supports %s", e.Kind)
	}
	return fmt.Sprintf("backend %s does not support %s", e.Backend, e.Kind)
}

// Router maps (route kind, client model hint) to a decision using only the
// registry and its static route table. No I/O, no fallback, no load or
// health inputs: those are gates applied after routing.
type Router struct {
	reg *registry.Registry
}

func New(reg *registry.Registry) *Router {
	return &Router{reg: reg}
}

// Route resolves a client hint deterministically:
//
//  1. normalize the hint (trim, legacy names);
//  2. a hint naming a backend, directly or as "<backend>:<model>", pins it;
//  3. otherwise scan the route table's preference list for the kind,
//     favoring a backend whose alias map knows the hint;
//  4. an empty hint resolves to the chosen backend's default model.
func (r *Router) Route(kind registry.RouteKind, hint string) (Decision, error) {
	cap := registry.CapabilityFor(kind)
	hint = strings.TrimSpace(hint)

	// Backend pin: exact name, legacy name, or "<backend>:<model>" prefix.
	if name := r.reg.ResolveLegacy(hint); hint != "" {
		if b, ok := r.reg.Lookup(name); ok {
			return r.pinned(b, "", kind, cap)
		}
		if prefix, rest, found := strings.Cut(hint, ":"); found {
			if b, ok := r.reg.Lookup(r.reg.ResolveLegacy(prefix)); ok {
				return r.pinned(b, strings.TrimSpace(rest), kind, cap)
			}
		}
	}

	// Preference scan. A backend whose alias map resolves the hint wins over
	// earlier entries that merely support the capability.
	var first *registry.Backend
	for _, name := range r.reg.Preference(kind) {
		b, ok := r.reg.Lookup(name)
		if !ok || !b.Supports(cap) {
			continue
		}
		if _, ok := b.Limits[kind]; !ok {
			continue
		}
		if first == nil {
			first = b
		}
		if hint != "" {
			if model, ok := b.ModelAliases[hint]; ok {
				return Decision{Backend: b.Name, Class: b.Class, UpstreamModel: model, Reason: ReasonAliasExpanded}, nil
			}
		}
	}
	if first == nil {
		return Decision{}, &CapabilityError{Kind: kind}
	}
	if hint == "" {
		return Decision{Backend: first.Name, Class: first.Class, UpstreamModel: first.DefaultModel, Reason: ReasonDefaultPreference}, nil
	}
	return Decision{Backend: first.Name, Class: first.Class, UpstreamModel: hint, Reason: ReasonCapabilityOnly}, nil
}

func (r *Router) pinned(b *registry.Backend, model string, kind registry.RouteKind, cap registry.Capability) (Decision, error) {
	if !b.Supports(cap) {
		return Decision{}, &CapabilityError{Backend: b.Name, Class: b.Class, Kind: kind, Supported: b.Capabilities}
	}
	if _, ok := b.Limits[kind]; !ok {
		return Decision{}, &CapabilityError{Backend: b.Name, Class: b.Class, Kind: kind, Supported: b.Capabilities}
	}
	if model == "" {
		model = b.DefaultModel
	} else if mapped, ok := b.ModelAliases[model]; ok {
		model = mapped
	}
	return Decision{Backend: b.Name, Class: b.Class, UpstreamModel: model, Reason: ReasonClientPinned}, nil
}
