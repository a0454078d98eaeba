// Command sentinel is the daemon entry point: load config, start the
// logger, wire the orchestrator, serve /metrics and /healthz, and wait
// for a termination signal.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/muhamadyani/nginx-sentinel/pkg/config"
	"github.com/muhamadyani/nginx-sentinel/pkg/logger"
	"github.com/muhamadyani/nginx-sentinel/pkg/orchestrator"
)

const defaultMetricsAddr = "127.0.0.1:2112"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := os.Getenv("SENTINEL_CONFIG")
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "sentinel: SENTINEL_CONFIG environment variable is required")
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sentinel:", err)
		return 1
	}

	level := os.Getenv("SENTINEL_LOG_LEVEL")
	if level == "" {
		level = cfg.Log.Level
	}
	if err := logger.Init(level, cfg.Log.Path); err != nil {
		fmt.Fprintln(os.Stderr, "sentinel: logger init:", err)
		return 1
	}
	log := logger.Log
	defer log.Sync()

	log.Infow("starting", "config", configPath, "log_path", cfg.LogPath)

	orch, err := orchestrator.New(configPath, cfg, log)
	if err != nil {
		log.Errorw("orchestrator init failed", "error", err)
		return 1
	}

	metricsAddr := os.Getenv("SENTINEL_METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = defaultMetricsAddr
	}
	healthy := promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_up",
		Help: "Always 1 while the process is running; absence means the process is down.",
	})
	healthy.Set(1)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	httpSrv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		log.Infow("internal http listening", "addr", metricsAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("internal http server failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := orch.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)

	if runErr != nil {
		log.Errorw("orchestrator exited with error", "error", runErr)
		return 1
	}

	log.Info("shutdown complete")
	return 0
}
