// rig-agent keeps a local mining process alive on one device: it enforces
// the mining schedule, collects telemetry, and reconciles the miner
// configuration against the control plane's flightsheet.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/powerhive/rig-agent/internal/controlplane"
	"github.com/powerhive/rig-agent/internal/flightsheet"
	"github.com/powerhive/rig-agent/internal/journal"
	"github.com/powerhive/rig-agent/internal/probe"
	"github.com/powerhive/rig-agent/internal/supervisor"
	"github.com/powerhive/rig-agent/internal/telemetry"
	"github.com/powerhive/rig-agent/pkg/cache"
	"github.com/powerhive/rig-agent/pkg/minerapi"
	"github.com/powerhive/rig-agent/pkg/schedule"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg := LoadConfig()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("agent exited", zap.Error(err))
	}
}

func run(cfg *Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	jrnl, err := journal.Open(filepath.Join(cfg.DataDir, "journal.db"))
	if err != nil {
		return err
	}
	defer jrnl.Close()

	recordEvent := func(kind, detail string) {
		recordCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := jrnl.Record(recordCtx, journal.EventKind(kind), detail); err != nil {
			logger.Warn("failed to record journal event",
				zap.String("kind", kind), zap.Error(err))
		}
	}

	store, err := telemetry.OpenStore(cfg.DataDir, logger)
	if err != nil {
		return err
	}

	runner := probe.NewExecRunner(5 * time.Second)
	system := probe.NewSystem(runner)
	network := probe.NewNetwork(runner,
		cache.New[string, float64](8),
		cache.New[string, probe.TrafficSample](16),
		cache.New[string, string](1),
	)
	detector := minerapi.NewDetector(cfg.Candidates)

	sup := supervisor.New(logger, &supervisor.OSLauncher{},
		supervisor.WithIntervals(cfg.ScheduleInterval, cfg.HealthInterval),
		supervisor.WithEventHook(recordEvent),
	)

	collectorOpts := []telemetry.CollectorOption{
		telemetry.WithPingHost(cfg.PingHost),
		telemetry.WithInterval(cfg.TelemetryInterval),
	}

	// Without a control plane the agent still supervises and collects; it
	// just never reconciles or pushes.
	var reconcileNow func(ctx context.Context) (flightsheet.Result, error)
	if cfg.ControlPlaneURL != "" && cfg.DeviceID != "" {
		cp := controlplane.NewClient(cfg.ControlPlaneURL, cfg.ControlPlaneToken, logger)
		collectorOpts = append(collectorOpts, telemetry.WithPusher(cp.ForDevice(cfg.DeviceID)))

		reconciler := flightsheet.New(logger, cp, system, cfg.AppsDir)
		reconcileNow = func(ctx context.Context) (flightsheet.Result, error) {
			return reconcileAndApply(ctx, logger, reconciler, sup, cfg, recordEvent)
		}
	} else {
		logger.Warn("no control plane configured, running standalone",
			zap.String("device_id", cfg.DeviceID))
	}

	collector := telemetry.NewCollector(logger, system, network, sup, detector, store, collectorOpts...)

	if reconcileNow != nil {
		// Attach the schedule spec setter once the collector exists.
		inner := reconcileNow
		reconcileNow = func(ctx context.Context) (flightsheet.Result, error) {
			result, err := inner(ctx)
			if err == nil {
				collector.SetScheduleSpec(result.Schedule)
			}
			return result, err
		}
	}

	server := NewServer(logger, sup, collector, jrnl, reconcileNow)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.Router(),
	}

	logger.Info("rig-agent starting",
		zap.String("device_id", cfg.DeviceID),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("port", cfg.Port))

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("supervisor loop failed", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := collector.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("telemetry loop failed", zap.Error(err))
		}
	}()

	if reconcileNow != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runReconcileLoop(ctx, logger, reconcileNow, cfg.ReconcileInterval)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}

	wg.Wait()
	logger.Info("rig-agent stopped")
	return ctx.Err()
}

// runReconcileLoop reconciles immediately, then on every interval tick.
// Failures are logged and the previous state keeps applying.
func runReconcileLoop(
	ctx context.Context,
	logger *zap.Logger,
	reconcile func(ctx context.Context) (flightsheet.Result, error),
	interval time.Duration,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := reconcile(ctx); err != nil {
		logger.Warn("initial reconcile failed, keeping local state", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := reconcile(ctx); err != nil {
				logger.Warn("reconcile failed, keeping previous flightsheet", zap.Error(err))
			}
		}
	}
}

// reconcileAndApply runs one reconcile pass and applies its outcome to the
// supervisor: new command, new schedule, and a restart when the config
// change demands one.
func reconcileAndApply(
	ctx context.Context,
	logger *zap.Logger,
	reconciler *flightsheet.Reconciler,
	sup *supervisor.Supervisor,
	cfg *Config,
	recordEvent func(kind, detail string),
) (flightsheet.Result, error) {
	result, err := reconciler.Reconcile(ctx, cfg.DeviceID)
	if err != nil {
		return result, err
	}

	sup.SetCommand(supervisor.Command{
		Path: filepath.Join(cfg.AppsDir, result.MinerSoftware, result.MinerSoftware),
		Args: []string{"--config", result.ConfigPath},
		Dir:  filepath.Join(cfg.AppsDir, result.MinerSoftware),
	})

	sched, err := schedule.FromSpec(result.Schedule)
	if err != nil {
		logger.Warn("flightsheet carries an invalid schedule, keeping previous one",
			zap.Error(err))
	} else {
		sup.SetSchedule(sched)
	}

	detail := fmt.Sprintf("software=%s written=%t restart=%t",
		result.MinerSoftware, result.Written, result.RestartRequired)
	recordEvent(string(journal.EventReconcile), detail)

	if result.RestartRequired && sup.Status().State == supervisor.StateRunning {
		logger.Info("config change requires miner restart")
		if err := sup.Restart(); err != nil {
			logger.Error("post-reconcile restart failed", zap.Error(err))
		}
	}

	// Apply the (possibly new) schedule right away instead of waiting for
	// the next evaluation tick.
	sup.EvaluateSchedule()

	return result, nil
}
