package registry

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Capability is a workload kind a backend declares it can serve.
type Capability string

const (
	CapChat       Capability = "chat"
	CapEmbeddings Capability = "embeddings"
	CapImages     Capability = "images"
	CapTTS        Capability = "tts"
	CapMusic      Capability = "music"
	CapVideo      Capability = "video"
)

// RouteKind is the category of work being routed. Kinds share tokens with
// capabilities: routing a chat request requires the chat capability.
type RouteKind string

const (
	RouteChat       RouteKind = "chat"
	RouteEmbeddings RouteKind = "embeddings"
	RouteImages     RouteKind = "images"
	RouteTTS        RouteKind = "tts"
	RouteMusic      RouteKind = "music"
	RouteVideo      RouteKind = "video"
)

var knownCapabilities = map[Capability]bool{
	CapChat: true, CapEmbeddings: true, CapImages: true,
	CapTTS: true, CapMusic: true, CapVideo: true,
}

// KindFor maps a capability to its route kind.
func KindFor(c Capability) RouteKind { return RouteKind(c) }

// CapabilityFor maps a route kind to the capability it requires.
func CapabilityFor(k RouteKind) Capability { return Capability(k) }

// ChatProtocol selects the wire format the backend speaks for chat.
type ChatProtocol string

const (
	// ProtocolOpenAI is OpenAI-shaped JSON over /v1/chat/completions,
	// streaming as SSE terminated by a [DONE] sentinel.
	ProtocolOpenAI ChatProtocol = "openai"
	// ProtocolNDJSON is the local runtime's newline-delimited JSON over
	// /api/chat, with message.content chunks and a done marker.
	ProtocolNDJSON ChatProtocol = "ndjson"
)

// HealthPaths are the relative probe paths on a backend.
type HealthPaths struct {
	Liveness  string `yaml:"liveness"`
	Readiness string `yaml:"readiness"`
}

// PayloadPolicy constrains what response payloads a backend may emit
// through the gateway.
type PayloadPolicy struct {
	ImagesFormat      string `yaml:"images_format"`
	ImagesAllowBase64 bool   `yaml:"images_allow_base64"`
}

// Backend is one upstream entry in the registry document. Immutable after
// load.
type Backend struct {
	Name         string             `yaml:"name"`
	Class        string             `yaml:"class"`
	BaseURL      string             `yaml:"base_url"`
	Capabilities []Capability       `yaml:"capabilities"`
	Limits       map[RouteKind]int  `yaml:"concurrency_limits"`
	Health       HealthPaths        `yaml:"health"`
	Payload      PayloadPolicy      `yaml:"payload_policy"`
	ModelAliases map[string]string  `yaml:"model_aliases"`
	DefaultModel string             `yaml:"default_model"`
	Protocol     ChatProtocol       `yaml:"chat_protocol"`
	EmitThinking bool               `yaml:"emit_thinking"`
}

// Supports reports whether the backend declares the capability.
func (b *Backend) Supports(c Capability) bool {
	for _, have := range b.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Document is the on-disk registry shape.
type Document struct {
	Backends    []Backend               `yaml:"backends"`
	LegacyNames map[string]string       `yaml:"legacy_names"`
	Routes      map[RouteKind][]string  `yaml:"routes"`
}

// Registry is the loaded, validated backend set. No runtime mutation.
type Registry struct {
	byName map[string]*Backend
	order  []string
	legacy map[string]string
	routes map[RouteKind][]string
}

// defaultLegacyNames covers the names older clients still send.
var defaultLegacyNames = map[string]string{
	"ollama": "gpu_fast",
	"mlx":    "local_mlx",
}

// Load reads and validates the registry document at path.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return Parse(raw)
}

// Parse validates a registry document. Any violation is an error: unknown
// capabilities, relative base URLs, missing health paths, or a declared
// capability without a concurrency limit.
func Parse(raw []byte) (*Registry, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if len(doc.Backends) == 0 {
		return nil, fmt.Errorf("registry declares no backends")
	}

	r := &Registry{
		byName: make(map[string]*Backend, len(doc.Backends)),
		legacy: make(map[string]string),
		routes: make(map[RouteKind][]string),
	}

	for i := range doc.Backends {
		b := &doc.Backends[i]
		if strings.TrimSpace(b.Name) == "" {
			return nil, fmt.Errorf("backend %d: name is required", i)
		}
		if _, dup := r.byName[b.Name]; dup {
			return nil, fmt.Errorf("backend %q: duplicate name", b.Name)
		}
		if strings.TrimSpace(b.Class) == "" {
			b.Class = b.Name
		}
		u, err := url.Parse(strings.TrimSpace(b.BaseURL))
		if err != nil || !u.IsAbs() || u.Host == "" {
			return nil, fmt.Errorf("backend %q: base_url must be an absolute URL (got %q)", b.Name, b.BaseURL)
		}
		b.BaseURL = strings.TrimRight(u.String(), "/")
		if len(b.Capabilities) == 0 {
			return nil, fmt.Errorf("backend %q: at least one capability is required", b.Name)
		}
		for _, c := range b.Capabilities {
			if !knownCapabilities[c] {
				return nil, fmt.Errorf("backend %q: unknown capability %q", b.Name, c)
			}
			if lim, ok := b.Limits[KindFor(c)]; !ok {
				return nil, fmt.Errorf("backend %q: capability %q has no concurrency limit", b.Name, c)
			} else if lim <= 0 {
				return nil, fmt.Errorf("backend %q: concurrency limit for %q must be positive", b.Name, c)
			}
		}
		for k := range b.Limits {
			if !b.Supports(CapabilityFor(k)) {
				return nil, fmt.Errorf("backend %q: concurrency limit for undeclared capability %q", b.Name, k)
			}
		}
		if strings.TrimSpace(b.Health.Liveness) == "" || strings.TrimSpace(b.Health.Readiness) == "" {
			return nil, fmt.Errorf("backend %q: both health.liveness and health.readiness are required", b.Name)
		}
		switch b.Protocol {
		case "":
			b.Protocol = ProtocolOpenAI
		case ProtocolOpenAI, ProtocolNDJSON:
		default:
			return nil, fmt.Errorf("backend %q: unknown chat_protocol %q", b.Name, b.Protocol)
		}
		switch b.Payload.ImagesFormat {
		case "", "url", "b64_json":
		default:
			return nil, fmt.Errorf("backend %q: payload_policy.images_format must be url or b64_json", b.Name)
		}
		if b.Payload.ImagesFormat == "b64_json" && !b.Payload.ImagesAllowBase64 {
			return nil, fmt.Errorf("backend %q: payload_policy.images_format b64_json requires images_allow_base64", b.Name)
		}

		r.byName[b.Name] = b
		r.order = append(r.order, b.Name)
	}

	for legacy, canonical := range defaultLegacyNames {
		if _, ok := r.byName[canonical]; ok {
			r.legacy[legacy] = canonical
		}
	}
	for legacy, canonical := range doc.LegacyNames {
		if _, ok := r.byName[canonical]; !ok {
			return nil, fmt.Errorf("legacy name %q maps to unknown backend %q", legacy, canonical)
		}
		r.legacy[legacy] = canonical
	}

	for kind, names := range doc.Routes {
		if !knownCapabilities[CapabilityFor(kind)] {
			return nil, fmt.Errorf("route table: unknown route kind %q", kind)
		}
		for _, name := range names {
			if _, ok := r.byName[name]; !ok {
				return nil, fmt.Errorf("route table for %q names unknown backend %q", kind, name)
			}
		}
		r.routes[kind] = names
	}
	// Kinds without an explicit preference list fall back to declaration
	// order, filtered by capability at routing time.
	for kind := range knownCapabilities {
		k := KindFor(kind)
		if _, ok := r.routes[k]; !ok {
			r.routes[k] = r.order
		}
	}

	return r, nil
}

// Lookup returns the backend with the given canonical name.
func (r *Registry) Lookup(name string) (*Backend, bool) {
	b, ok := r.byName[name]
	return b, ok
}

// ResolveLegacy maps a legacy backend name to its canonical name. Canonical
// and unknown names pass through unchanged.
func (r *Registry) ResolveLegacy(name string) string {
	if canonical, ok := r.legacy[strings.ToLower(strings.TrimSpace(name))]; ok {
		return canonical
	}
	return name
}

// Supports reports whether the named backend declares the capability.
func (r *Registry) Supports(name string, c Capability) bool {
	b, ok := r.byName[name]
	return ok && b.Supports(c)
}

// Limit returns the concurrency limit for the backend and route kind.
func (r *Registry) Limit(name string, k RouteKind) (int, bool) {
	b, ok := r.byName[name]
	if !ok {
		return 0, false
	}
	lim, ok := b.Limits[k]
	return lim, ok
}

// Iter returns the backends in declaration order.
func (r *Registry) Iter() []*Backend {
	out := make([]*Backend, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Preference returns the route table's ordered backend names for a kind.
func (r *Registry) Preference(k RouteKind) []string {
	return r.routes[k]
}

// LegacyNames returns the legacy name map, sorted by legacy name.
func (r *Registry) LegacyNames() []string {
	out := make([]string, 0, len(r.legacy))
	for legacy := range r.legacy {
		out = append(out, legacy)
	}
	sort.Strings(out)
	return out
}
