package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shizukutanaka/Kodama/internal/api"
	"github.com/shizukutanaka/Kodama/internal/config"
	"github.com/shizukutanaka/Kodama/internal/device"
	"github.com/shizukutanaka/Kodama/internal/logging"
	"github.com/shizukutanaka/Kodama/internal/monitoring"
	"github.com/shizukutanaka/Kodama/internal/scheduler"
	"github.com/shizukutanaka/Kodama/internal/work"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the work server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger, level, err := logging.New(cfg.Log.Level, verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	host := device.Detect()
	logger.Info("Starting Kodama",
		zap.String("version", Version),
		zap.String("cpu", host.CPUBrand),
		zap.Int("physical_cores", host.PhysicalCores),
		zap.Int("logical_cores", host.LogicalCores),
	)

	base, err := cfg.Work.ParseBaseDifficulty()
	if err != nil {
		return err
	}

	metrics := monitoring.NewDefault()

	gen := work.NewGenerator(cfg.Work.MaxIterations, logger)
	gen.Progress = func(trials uint64) {
		metrics.SearchIterations.Add(float64(trials))
	}

	registry := device.NewRegistry(cfg.Devices, gen, logger)

	sched := scheduler.New(scheduler.Options{
		RequestLimit:        cfg.Server.RequestLimit,
		CompletedLimit:      cfg.Server.CompletedLimit,
		AllowControl:        cfg.Server.AllowControl,
		AllowPrioritization: cfg.Server.AllowPrioritization,
		BaseDifficulty:      base,
		MockDelay:           time.Duration(cfg.Work.MockWorkGenerationDelay) * time.Second,
	}, registry, metrics, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched.Start(ctx)

	dispatcher := api.NewDispatcher(sched, registry.Count(), logger)
	server := api.NewServer(cfg.Server, cfg.Metrics.Enabled, dispatcher, logger)
	if err := server.Start(); err != nil {
		return err
	}

	if cfgFile != "" {
		watcher, err := config.NewWatcher(cfgFile, func(fresh *config.Config) {
			var lvl zapcore.Level
			if err := lvl.Set(fresh.Log.Level); err != nil {
				logger.Warn("Ignoring invalid log level from reload", zap.Error(err))
				return
			}
			level.SetLevel(lvl)
		}, logger)
		if err != nil {
			logger.Warn("Configuration watcher unavailable", zap.Error(err))
		} else if err := watcher.Start(); err != nil {
			logger.Warn("Failed to start configuration watcher", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
	sched.Stop()

	logger.Info("Kodama stopped")
	return nil
}
