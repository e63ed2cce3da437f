package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the process-wide settings. Values are read once at startup;
// nothing here is mutated afterwards.
type Config struct {
	HTTPAddr     string
	BearerToken  string
	BackendsPath string

	CORSAllowedOrigins []string
	MaxRequestBytes    int64
	PublicBaseURL      string

	UIImageDir    string
	UIIPAllowlist []string

	ImagesBackend      string
	ImagesBackendClass string
	ImagesHTTPBaseURL  string
	ImagesOpenAIModel  string
	ImagesA1111Steps   int
	ImagesMaxPixels    int

	VerifyTLS     bool
	CABundle      string
	ClientCert    string
	ClientKey     string

	HealthInterval     time.Duration
	HealthProbeTimeout time.Duration

	ToolsLogMode string
	ToolsLogPath string
	ToolsLogDir  string

	ToolsAllowlist       []string
	ToolsAllowFS         bool
	ToolsAllowFSWrite    bool
	ToolsFSRoots         []string
	ToolsFSMaxBytes      int64
	ToolsAllowHTTPFetch  bool
	ToolsHTTPAllowedHosts []string
	ToolsHTTPTimeout     time.Duration
	ToolsHTTPMaxBytes    int64
	ToolsAllowSystemInfo bool

	RequestLogPath string
}

func FromEnv() (Config, error) {
	token := os.Getenv("GATEWAY_BEARER_TOKEN")
	if strings.TrimSpace(token) == "" {
		return Config{}, fmt.Errorf("GATEWAY_BEARER_TOKEN is required")
	}

	imagesBackend := strings.ToLower(getenvDefault("IMAGES_BACKEND", "mock"))
	switch imagesBackend {
	case "mock", "http_a1111", "http_openai_images":
	default:
		return Config{}, fmt.Errorf("IMAGES_BACKEND must be one of mock, http_a1111, http_openai_images (got %q)", imagesBackend)
	}

	toolsLogMode := strings.ToLower(getenvDefault("TOOLS_LOG_MODE", "ndjson"))
	switch toolsLogMode {
	case "ndjson", "per_file", "both", "none":
	default:
		return Config{}, fmt.Errorf("TOOLS_LOG_MODE must be one of ndjson, per_file, both, none (got %q)", toolsLogMode)
	}

	cfg := Config{
		HTTPAddr:     getenvDefault("GATEWAY_ADDR", ":8800"),
		BearerToken:  token,
		BackendsPath: getenvDefault("BACKENDS_CONFIG_PATH", "backends.yaml"),

		CORSAllowedOrigins: splitCSVDefault("CORS_ALLOWED_ORIGINS", []string{"*"}),
		MaxRequestBytes:    getenvInt64("MAX_REQUEST_BYTES", 1_000_000),
		PublicBaseURL:      strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/"),

		UIImageDir:    getenvDefault("UI_IMAGE_DIR", "data/ui_images"),
		UIIPAllowlist: splitCSV(os.Getenv("UI_IP_ALLOWLIST")),

		ImagesBackend:      imagesBackend,
		ImagesBackendClass: getenvDefault("IMAGES_BACKEND_CLASS", "gpu_heavy"),
		ImagesHTTPBaseURL:  strings.TrimSpace(os.Getenv("IMAGES_HTTP_BASE_URL")),
		ImagesOpenAIModel:  strings.TrimSpace(os.Getenv("IMAGES_OPENAI_MODEL")),
		ImagesA1111Steps:   int(getenvInt64("IMAGES_A1111_STEPS", 20)),
		ImagesMaxPixels:    int(getenvInt64("IMAGES_MAX_PIXELS", 2_000_000)),

		VerifyTLS:  getenvBool("BACKEND_VERIFY_TLS", true),
		CABundle:   strings.TrimSpace(os.Getenv("BACKEND_CA_BUNDLE")),
		ClientCert: strings.TrimSpace(os.Getenv("BACKEND_CLIENT_CERT")),
		ClientKey:  strings.TrimSpace(os.Getenv("BACKEND_CLIENT_KEY")),

		HealthInterval:     getenvSeconds("HEALTH_CHECK_INTERVAL_SEC", 30*time.Second),
		HealthProbeTimeout: getenvSeconds("HEALTH_PROBE_TIMEOUT_SEC", 2*time.Second),

		ToolsLogMode: toolsLogMode,
		ToolsLogPath: getenvDefault("TOOLS_LOG_PATH", "data/tools/invocations.ndjson"),
		ToolsLogDir:  getenvDefault("TOOLS_LOG_DIR", "data/tools"),

		ToolsAllowlist:        splitCSV(os.Getenv("TOOLS_ALLOWLIST")),
		ToolsAllowFS:          getenvBool("TOOLS_ALLOW_FS", false),
		ToolsAllowFSWrite:     getenvBool("TOOLS_ALLOW_FS_WRITE", false),
		ToolsFSRoots:          splitCSV(os.Getenv("TOOLS_FS_ROOTS")),
		ToolsFSMaxBytes:       getenvInt64("TOOLS_FS_MAX_BYTES", 200_000),
		ToolsAllowHTTPFetch:   getenvBool("TOOLS_ALLOW_HTTP_FETCH", false),
		ToolsHTTPAllowedHosts: splitCSVDefault("TOOLS_HTTP_ALLOWED_HOSTS", []string{"127.0.0.1", "localhost"}),
		ToolsHTTPTimeout:      getenvSeconds("TOOLS_HTTP_TIMEOUT_SEC", 10*time.Second),
		ToolsHTTPMaxBytes:     getenvInt64("TOOLS_HTTP_MAX_BYTES", 200_000),
		ToolsAllowSystemInfo:  getenvBool("TOOLS_ALLOW_SYSTEM_INFO", false),

		RequestLogPath: strings.TrimSpace(os.Getenv("REQUEST_LOG_PATH")),
	}

	if cfg.ImagesBackend != "mock" && cfg.ImagesHTTPBaseURL == "" {
		return Config{}, fmt.Errorf("IMAGES_HTTP_BASE_URL is required for IMAGES_BACKEND=%s", cfg.ImagesBackend)
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func getenvInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvSeconds(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n * float64(time.Second))
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitCSVDefault(key string, def []string) []string {
	out := splitCSV(os.Getenv(key))
	if len(out) == 0 {
		return def
	}
	return out
}
