package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"local-ai-gateway/internal/admission"
	"local-ai-gateway/internal/config"
	"local-ai-gateway/internal/gateway"
	"local-ai-gateway/internal/health"
	"local-ai-gateway/internal/images"
	"local-ai-gateway/internal/metrics"
	"local-ai-gateway/internal/registry"
	"local-ai-gateway/internal/reqlog"
	"local-ai-gateway/internal/router"
	"local-ai-gateway/internal/toolbus"
	"local-ai-gateway/internal/upstream"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	zlog, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	reg, err := registry.Load(cfg.BackendsPath)
	if err != nil {
		zlog.Fatal("registry", zap.String("path", cfg.BackendsPath), zap.Error(err))
	}

	up, err := upstream.NewClient(upstream.Options{
		VerifyTLS:  cfg.VerifyTLS,
		CABundle:   cfg.CABundle,
		ClientCert: cfg.ClientCert,
		ClientKey:  cfg.ClientKey,
	})
	if err != nil {
		zlog.Fatal("upstream client", zap.Error(err))
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	hc := health.NewChecker(reg, up.HTTPClient(), cfg.HealthInterval, cfg.HealthProbeTimeout, zlog)
	hc.Start(rootCtx)

	adm := admission.New(reg)
	rtr := router.New(reg)
	m := metrics.New()

	store, err := images.NewStore(cfg.UIImageDir)
	if err != nil {
		zlog.Fatal("image store", zap.Error(err))
	}
	gen := buildImageGenerator(cfg, up)

	toolLog, err := toolbus.NewLog(cfg.ToolsLogMode, cfg.ToolsLogPath, cfg.ToolsLogDir)
	if err != nil {
		zlog.Fatal("tools log", zap.Error(err))
	}
	defer toolLog.Close()

	policy := toolbus.Policy{
		Allowlist:        cfg.ToolsAllowlist,
		AllowFS:          cfg.ToolsAllowFS,
		AllowFSWrite:     cfg.ToolsAllowFSWrite,
		FSRoots:          cfg.ToolsFSRoots,
		FSMaxBytes:       cfg.ToolsFSMaxBytes,
		AllowHTTPFetch:   cfg.ToolsAllowHTTPFetch,
		HTTPAllowedHosts: cfg.ToolsHTTPAllowedHosts,
		HTTPTimeout:      cfg.ToolsHTTPTimeout,
		HTTPMaxBytes:     cfg.ToolsHTTPMaxBytes,
		AllowSystemInfo:  cfg.ToolsAllowSystemInfo,
	}
	bus := toolbus.New(toolLog, policy.AllowedNames(), zlog)
	if err := toolbus.RegisterBuiltins(bus, policy, up.HTTPClient()); err != nil {
		zlog.Fatal("tools", zap.Error(err))
	}

	logs, err := reqlog.New(cfg.RequestLogPath, 500, zlog)
	if err != nil {
		zlog.Fatal("request log", zap.Error(err))
	}
	defer logs.Close()

	h := gateway.NewHandler(cfg, reg, rtr, adm, hc, up, gen, store, bus, logs, m, zlog)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Backend-Used", "X-Model-Used", "X-Router-Reason", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Mount("/metrics", m.Handler())
	r.Mount("/", h.Routes())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zlog.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	rootCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func buildImageGenerator(cfg config.Config, up *upstream.Client) images.Generator {
	switch cfg.ImagesBackend {
	case "http_a1111":
		return images.A1111{
			Client:  up,
			BaseURL: cfg.ImagesHTTPBaseURL,
			Steps:   cfg.ImagesA1111Steps,
			Timeout: 120 * time.Second,
		}
	case "http_openai_images":
		return images.OpenAIImages{
			Client:       up,
			BaseURL:      cfg.ImagesHTTPBaseURL,
			DefaultModel: cfg.ImagesOpenAIModel,
			Timeout:      120 * time.Second,
		}
	default:
		return images.Mock{}
	}
}
