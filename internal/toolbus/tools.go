package toolbus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
	"unicode/utf8"
)

// Policy gates the built-in tools. Everything is off by default; the
// allowlist, when set, overrides the per-tool switches.
type Policy struct {
	Allowlist []string

	AllowFS      bool
	AllowFSWrite bool
	FSRoots      []string
	FSMaxBytes   int64

	AllowHTTPFetch   bool
	HTTPAllowedHosts []string
	HTTPTimeout      time.Duration
	HTTPMaxBytes     int64

	AllowSystemInfo bool
}

// AllowedNames resolves the policy to the set of invocable tool names.
// echo is always available: it is side-effect free and anchors the replay
// contract tests.
func (p Policy) AllowedNames() []string {
	if len(p.Allowlist) > 0 {
		return p.Allowlist
	}
	allowed := []string{"echo"}
	if p.AllowFS {
		allowed = append(allowed, "read_file")
		if p.AllowFSWrite {
			allowed = append(allowed, "write_file")
		}
	}
	if p.AllowHTTPFetch {
		allowed = append(allowed, "http_fetch")
	}
	if p.AllowSystemInfo {
		allowed = append(allowed, "system_info")
	}
	return allowed
}

// RegisterBuiltins adds the built-in tool set to the bus. All tools are
// registered regardless of policy; policy decides invocability so that a
// disabled tool is denied rather than unknown.
func RegisterBuiltins(b *Bus, p Policy, client *http.Client) error {
	if client == nil {
		client = http.DefaultClient
	}
	tools := []*Tool{
		echoTool(),
		readFileTool(p),
		writeFileTool(p),
		httpFetchTool(p, client),
		systemInfoTool(),
	}
	for _, t := range tools {
		if err := b.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func echoTool() *Tool {
	return &Tool{
		Name:        "echo",
		Description: "Return the arguments unchanged.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"msg": {"type": "string"},
				"n": {"type": "integer"}
			},
			"additionalProperties": true
		}`),
		Run: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"echo": args}, nil
		},
	}
}

func readFileTool(p Policy) *Tool {
	return &Tool{
		Name:        "read_file",
		Description: "Read a local text file under the configured roots.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"path": {"type": "string", "minLength": 1}},
			"required": ["path"],
			"additionalProperties": false
		}`),
		Run: func(_ context.Context, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			resolved, err := resolveUnderRoots(path, p.FSRoots)
			if err != nil {
				return nil, err
			}
			f, err := os.Open(resolved)
			if err != nil {
				return nil, err
			}
			defer f.Close()
			maxBytes := p.FSMaxBytes
			if maxBytes <= 0 {
				maxBytes = 200_000
			}
			data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
			if err != nil {
				return nil, err
			}
			truncated := int64(len(data)) > maxBytes
			if truncated {
				data = data[:maxBytes]
			}
			return map[string]any{
				"path":      resolved,
				"truncated": truncated,
				"content":   strings.ToValidUTF8(string(data), "�"),
			}, nil
		},
	}
}

func writeFileTool(p Policy) *Tool {
	return &Tool{
		Name:        "write_file",
		Description: "Write a local text file under the configured roots.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "minLength": 1},
				"content": {"type": "string"}
			},
			"required": ["path", "content"],
			"additionalProperties": false
		}`),
		Run: func(_ context.Context, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			content, _ := args["content"].(string)
			resolved, err := resolveUnderRoots(path, p.FSRoots)
			if err != nil {
				return nil, err
			}
			maxBytes := p.FSMaxBytes
			if maxBytes <= 0 {
				maxBytes = 200_000
			}
			if int64(len(content)) > maxBytes {
				return nil, fmt.Errorf("content too large (>%d bytes)", maxBytes)
			}
			if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
				return nil, err
			}
			return map[string]any{"path": resolved, "bytes": len(content)}, nil
		},
	}
}

func httpFetchTool(p Policy, client *http.Client) *Tool {
	return &Tool{
		Name:        "http_fetch",
		Description: "Fetch a URL via GET with host allowlist and size limits.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "minLength": 1},
				"method": {"type": "string", "enum": ["GET"]},
				"headers": {"type": "object", "additionalProperties": {"type": "string"}}
			},
			"required": ["url"],
			"additionalProperties": false
		}`),
		Run: func(ctx context.Context, args map[string]any) (any, error) {
			rawURL, _ := args["url"].(string)
			u, err := url.Parse(rawURL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
				return nil, fmt.Errorf("only http/https URLs are allowed")
			}
			host := strings.ToLower(u.Hostname())
			if host == "" {
				return nil, fmt.Errorf("url must include a hostname")
			}
			allowed := false
			for _, h := range p.HTTPAllowedHosts {
				if strings.EqualFold(strings.TrimSpace(h), host) {
					allowed = true
					break
				}
			}
			if !allowed {
				return nil, fmt.Errorf("host not allowed: %s", host)
			}

			timeout := p.HTTPTimeout
			if timeout <= 0 {
				timeout = 10 * time.Second
			}
			fctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			req, err := http.NewRequestWithContext(fctx, http.MethodGet, rawURL, nil)
			if err != nil {
				return nil, err
			}
			if hdrs, ok := args["headers"].(map[string]any); ok {
				for k, v := range hdrs {
					if s, ok := v.(string); ok {
						req.Header.Set(k, s)
					}
				}
			}
			resp, err := client.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()

			maxBytes := p.HTTPMaxBytes
			if maxBytes <= 0 {
				maxBytes = 200_000
			}
			body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
			if err != nil {
				return nil, err
			}

			out := map[string]any{
				"status":       resp.StatusCode,
				"content_type": resp.Header.Get("Content-Type"),
				"truncated":    int64(len(body)) >= maxBytes,
			}
			if utf8.Valid(body) {
				out["body_text"] = string(body)
			} else {
				out["body_base64"] = base64.StdEncoding.EncodeToString(body)
			}
			return out, nil
		},
	}
}

func systemInfoTool() *Tool {
	return &Tool{
		Name:        "system_info",
		Description: "Report host and runtime facts.",
		Schema:      json.RawMessage(`{"type": "object", "additionalProperties": false}`),
		Run: func(_ context.Context, _ map[string]any) (any, error) {
			hostname, _ := os.Hostname()
			return map[string]any{
				"hostname":   hostname,
				"os":         runtime.GOOS,
				"arch":       runtime.GOARCH,
				"num_cpu":    runtime.NumCPU(),
				"go_version": runtime.Version(),
			}, nil
		},
	}
}

func resolveUnderRoots(path string, roots []string) (string, error) {
	if len(roots) == 0 {
		return "", fmt.Errorf("fs tool not configured (no roots)")
	}
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(roots[0], p)
	}
	p = filepath.Clean(p)
	for _, root := range roots {
		abs, err := filepath.Abs(strings.TrimSpace(root))
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(abs, p)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return p, nil
		}
	}
	return "", fmt.Errorf("path outside allowed roots")
}
