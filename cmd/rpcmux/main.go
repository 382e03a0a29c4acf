package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/rpcmux/internal/auth"
	"github.com/adred-codev/rpcmux/internal/blocktag"
	"github.com/adred-codev/rpcmux/internal/cache"
	"github.com/adred-codev/rpcmux/internal/config"
	"github.com/adred-codev/rpcmux/internal/executor"
	"github.com/adred-codev/rpcmux/internal/frontend"
	"github.com/adred-codev/rpcmux/internal/logging"
	"github.com/adred-codev/rpcmux/internal/manager"
	"github.com/adred-codev/rpcmux/internal/metrics"
	"github.com/adred-codev/rpcmux/internal/registry"
	"github.com/adred-codev/rpcmux/internal/subscription"
	"github.com/adred-codev/rpcmux/internal/supervisor"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	reg, err := registry.New(cfg.Nodes.URLs)
	if err != nil {
		logger.Fatal("invalid node urls", zap.Error(err))
	}

	metricsRegistry := metrics.NewRegistry()
	systemMetrics := metrics.NewSystem()

	var hasher cache.Hasher
	if cfg.Cache.FastHash {
		hasher = cache.XXHasher{}
	} else {
		hasher = cache.Blake2bHasher{}
	}
	respCache := cache.NewMemory()

	var verifier *auth.Verifier
	if cfg.Auth.Required {
		verifier = auth.NewVerifier(cfg.Auth.HMACSecret)
	}

	frontendSrv := frontend.New(frontend.Config{
		Host:            cfg.Frontend.Host,
		Port:            cfg.Frontend.Port,
		Path:            cfg.Frontend.Path,
		ReadTimeout:     cfg.Frontend.ReadTimeout,
		WriteTimeout:    cfg.Frontend.WriteTimeout,
		SendChannelSize: cfg.Frontend.SendChannelSize,
		AuthRequired:    cfg.Auth.Required,
		Verifier:        verifier,
		Metrics:         metricsRegistry,
		Logger:          logger,
	})

	subTable := subscription.New(frontendSrv)

	mgr := manager.New(manager.Config{
		Registry:         reg,
		SubTable:         subTable,
		Metrics:          metricsRegistry,
		Logger:           logger,
		DialTimeout:      cfg.Nodes.DialTimeout,
		QueueSize:        cfg.Nodes.InboundQueueSize,
		Verbose:          cfg.Logging.Verbose,
		ReconnectBackoff: cfg.Nodes.ReconnectBackoff,
		ReconnectBurst:   cfg.Nodes.ReconnectBurst,
	})

	var callIDSeq uint64
	execDeps := executor.Deps{
		Manager:            mgr,
		SubTable:           subTable,
		Cache:              respCache,
		Hasher:             hasher,
		Substituter:        blocktag.Default{},
		NamedNumbers:       blocktag.NamedNumbers{},
		Metrics:            metricsRegistry,
		Logger:             logger,
		CorrelationTimeout: cfg.Executor.CorrelationTimeout,
		NextCallID:         func() uint64 { return atomic.AddUint64(&callIDSeq, 1) },
	}

	frontendSrv.SetDeps(execDeps)

	sup, err := supervisor.New(supervisor.Config{
		Manager:           mgr,
		Metrics:           metricsRegistry,
		Logger:            logger,
		NATSURL:           cfg.NATS.URL,
		NATSMaxReconnects: cfg.NATS.MaxReconnects,
		NATSReconnectWait: cfg.NATS.ReconnectWait,
	})
	if err != nil {
		logger.Fatal("supervisor init failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr.Start(ctx)
	go sup.Run(ctx)
	go systemMetrics.Run(ctx.Done(), 15*time.Second)

	if err := frontendSrv.Start(); err != nil {
		logger.Fatal("frontend start failed", zap.Error(err))
	}

	metricsErrCh := make(chan error, 1)
	if cfg.Metrics.Enabled {
		go func() {
			metricsErrCh <- runMetricsServer(ctx, cfg, metricsRegistry, logger)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-metricsErrCh:
		if err != nil {
			logger.Error("metrics server error", zap.Error(err))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := frontendSrv.Stop(shutdownCtx); err != nil {
		logger.Warn("frontend shutdown error", zap.Error(err))
	}
	mgr.Stop()
	sup.Close()
	logger.Info("rpcmux stopped")
}

func runMetricsServer(ctx context.Context, cfg config.Config, metricsRegistry *metrics.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
	mux.Handle(cfg.Metrics.Endpoint, metricsRegistry.Handler())

	httpServer := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics http server starting", zap.String("addr", cfg.Metrics.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
