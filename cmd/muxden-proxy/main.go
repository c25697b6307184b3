// Package main runs the muxden reverse proxy daemon: the authenticating
// HTTP+WebSocket proxy in front of agent web services, plus the scheduled
// enforce sweep.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/muxden/muxden/internal/common/config"
	"github.com/muxden/muxden/internal/common/logger"
	"github.com/muxden/muxden/internal/common/tracing"
	"github.com/muxden/muxden/internal/engine"
	"github.com/muxden/muxden/internal/provider/backends"
	"github.com/muxden/muxden/internal/proxy"
)

const shutdownTimeout = 10 * time.Second

func main() {
	log := logger.Default()
	cfg, err := config.Load(log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err = logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting muxden proxy", zap.String("listen", cfg.Proxy.Listen))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends.RegisterAll(cfg.EnabledBackends)

	eng := engine.New(cfg, log)
	defer eng.Close()
	defer tracing.Shutdown(context.Background())

	server, err := proxy.NewServer(eng.AuthStore(), eng.Resolver(), log)
	if err != nil {
		log.Fatal("failed to build proxy server", zap.Error(err))
	}

	// Backend re-registrations take effect without a restart.
	watchStop := make(chan struct{})
	defer close(watchStop)
	if err := eng.Resolver().Watch(server.InvalidateAll, watchStop); err != nil {
		log.Warn("backend registry watch unavailable", zap.Error(err))
	}

	var scheduler *cron.Cron
	if cfg.Proxy.EnforceSchedule != "" {
		scheduler = cron.New()
		_, err := scheduler.AddFunc(cfg.Proxy.EnforceSchedule, func() {
			runEnforce(ctx, eng, log)
		})
		if err != nil {
			log.Fatal("invalid enforce schedule",
				zap.String("schedule", cfg.Proxy.EnforceSchedule), zap.Error(err))
		}
		scheduler.Start()
		log.Info("enforce sweep scheduled", zap.String("schedule", cfg.Proxy.EnforceSchedule))
	}

	httpServer := &http.Server{
		Addr:    cfg.Proxy.Listen,
		Handler: server.Router(),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("proxy server failed", zap.Error(err))
		}
	}()
	log.Info("proxy listening", zap.String("addr", cfg.Proxy.Listen))

	<-ctx.Done()
	log.Info("shutting down")
	eng.Group().ShutdownEvent().Set()

	if scheduler != nil {
		cronCtx := scheduler.Stop()
		<-cronCtx.Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("proxy shutdown incomplete", zap.Error(err))
	}
	log.Info("proxy stopped")
}

// runEnforce performs one scheduled sweep with the configured timeouts.
func runEnforce(ctx context.Context, eng *engine.Engine, log *logger.Logger) {
	result, err := eng.Enforce(ctx, engine.EnforceOptions{
		CheckIdle:     true,
		CheckTimeouts: true,
		ErrorBehavior: engine.OnErrorContinue,
	})
	if err != nil {
		log.Error("enforce sweep failed", zap.Error(err))
		return
	}
	log.Info("enforce sweep complete",
		zap.Int("hosts_checked", result.HostsChecked),
		zap.Int("idle_violations", result.IdleViolations),
		zap.Int("timeout_violations", result.TimeoutViolations),
		zap.Int("actions", len(result.Actions)))
	for _, msg := range result.Errors {
		log.Warn("enforce sweep issue", zap.String("detail", msg))
	}
}
