package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"toolcall-proxy/config"
	"toolcall-proxy/logger"
	"toolcall-proxy/proxy"
)

func main() {
	fmt.Println(GetBuildInfo())
	fmt.Println()

	configPath := flag.String("config", envOr("TOOLCALL_PROXY_CONFIG", "config.yaml"), "path to the proxy's YAML configuration file")
	logDir := flag.String("log-dir", envOr("TOOLCALL_PROXY_LOG_DIR", "logs"), "directory for the structured JSON log sink")
	flag.Parse()

	manager, err := config.NewManager(*configPath)
	if err != nil {
		log.Fatalf("failed to load config %s: %v", *configPath, err)
	}

	obsLogger, err := logger.NewObservabilityLogger(*logDir)
	if err != nil {
		log.Fatalf("failed to initialize observability logger: %v", err)
	}
	defer obsLogger.Close()
	manager.SetObservabilityLogger(obsLogger)

	cfg := manager.Load()
	obsLogger.Info(logger.ComponentProxy, logger.CategoryRequest, "", "toolcall-proxy starting", map[string]interface{}{
		"channels":    len(cfg.UpstreamServices),
		"port":        cfg.Server.Port,
		"version":     GetVersionInfo(),
		"git_commit":  GetGitCommit(),
		"config_path": *configPath,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := manager.Watch(ctx); err != nil && err != context.Canceled {
			obsLogger.Warn(logger.ComponentConfig, "watch", "", "config watcher stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	handler := proxy.NewHandler(manager)

	mux := http.NewServeMux()
	mux.HandleFunc("/", handleRoot)
	mux.HandleFunc("/health", handleHealth(manager))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/v1/chat/completions", handler)

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	if cfg.Server.Host == "" {
		addr = ":" + cfg.Server.Port
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // long enough for a streaming completion
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		obsLogger.Info(logger.ComponentProxy, logger.CategoryRequest, "", "toolcall-proxy shutting down", nil)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
		cancel()
	}()

	obsLogger.Info(logger.ComponentProxy, logger.CategoryRequest, "", "toolcall-proxy listening", map[string]interface{}{"address": addr})
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		obsLogger.Error(logger.ComponentProxy, logger.CategoryError, "", "server failed to start", map[string]interface{}{"error": err.Error()})
		log.Fatalf("server failed to start: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// handleRoot reports basic service identification for operators hitting
// the bare root path.
func handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"service": "toolcall-proxy",
		"version": Version,
		"status":  "running",
		"endpoints": []string{
			"GET /health",
			"GET /metrics",
			"POST /v1/chat/completions",
		},
	})
}

// handleHealth reports liveness plus a per-channel health snapshot so
// an operator can see circuit-breaker state without scraping /metrics.
func handleHealth(manager *config.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := manager.Load()
		w.Header().Set("Content-Type", "application/json")

		body := map[string]interface{}{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		if cfg.HealthManager != nil {
			body["channels"] = cfg.HealthManager.Snapshot()
		}
		_ = json.NewEncoder(w).Encode(body)
	}
}
