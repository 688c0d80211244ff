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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/Chichichkin/LogzioShipper/internal/config"
	"github.com/Chichichkin/LogzioShipper/internal/daemon"
	"github.com/Chichichkin/LogzioShipper/internal/logging"
	"github.com/Chichichkin/LogzioShipper/internal/logging/registry"
	"github.com/Chichichkin/LogzioShipper/internal/logging/sender"
)

const defaultConfigPath = "/etc/logzio-shipper/config.yaml"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", defaultConfigPath, "path to the YAML config file")
	logLevel := flagSet.String("log-level", "", "log level, overrides log_level from the config file")
	shutdownTimeout := flagSet.Duration("shutdown-timeout", 30*time.Second, "how long the final flush may take on exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(pickLevel(cfg.LogLevel, *logLevel))); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logger, err := newLogger(level)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	destinations := registry.New(
		registry.WithLogger(logger),
		registry.WithMetrics(sender.NewMetrics(reg)),
	)
	if err := destinations.Apply(ctx, cfg.Destinations); err != nil {
		if len(destinations.Names()) == 0 {
			return err
		}
		logger.Error("some destinations failed to start", zap.Error(err))
	}

	var logDaemon *daemon.LogDaemonService
	if cfg.Daemon.Enabled {
		logDaemon = StartDaemon(ctx, cfg.Daemon, destinations.Submitter(cfg.Daemon.Destination),
			daemon.WithLogger(logger.Named("daemon")),
			daemon.WithMetrics(daemon.NewMetrics(reg)),
		)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "ok %v\n", destinations.Names())
	})
	server := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	reloads := &reloader{
		logger:       logger,
		level:        level,
		levelFlag:    *logLevel,
		destinations: destinations,
		timeout:      *shutdownTimeout,
		last:         cfg,
	}
	g.Go(func() error {
		err := config.Watch(gctx, *configPath, logger.Named("config"), reloads.apply)
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		return nil
	})

	runErr := g.Wait()
	logger.Info("shutting down")

	if logDaemon != nil {
		logDaemon.Stop()
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()
	if err := destinations.Close(flushCtx); err != nil {
		logger.Error("final flush incomplete", zap.Error(err))
	}
	return runErr
}

// StartDaemon starts tailing pod logs into out.
func StartDaemon(ctx context.Context, cfg config.DaemonConfig, out logging.Submitter, opts ...daemon.Option) *daemon.LogDaemonService {
	service := daemon.NewLogDaemonService(ctx, daemon.Config{
		LogRootPath:     cfg.LogPath,
		ScanInterval:    cfg.ScanInterval,
		Workers:         cfg.Workers,
		NodeName:        cfg.NodeName,
		FileIdleTimeout: cfg.FileIdleTimeout,
		ReadFromHead:    cfg.ReadFromHead,
	}, out, opts...)
	service.Start()
	return service
}

// reloader applies changed config files. Destinations and the log level are
// picked up live; daemon settings and metrics_addr need a restart.
type reloader struct {
	logger       *zap.Logger
	level        zap.AtomicLevel
	levelFlag    string
	destinations *registry.Registry
	timeout      time.Duration

	// last is the most recently loaded config. Restart warnings fire when a
	// setting differs from it, once per edit.
	last *config.Config
}

func (r *reloader) apply(next *config.Config) {
	if r.levelFlag == "" {
		if err := r.level.UnmarshalText([]byte(next.LogLevel)); err != nil {
			r.logger.Warn("ignoring log level", zap.String("level", next.LogLevel), zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.destinations.Apply(ctx, next.Destinations); err != nil {
		r.logger.Error("applying destinations", zap.Error(err))
	}

	if next.Daemon != r.last.Daemon {
		r.logger.Warn("daemon settings changed, restart to apply them")
	}
	if next.MetricsAddr != r.last.MetricsAddr {
		r.logger.Warn("metrics_addr changed, restart to apply it")
	}
	r.last = next
}

func pickLevel(fromConfig, fromFlag string) string {
	if fromFlag != "" {
		return fromFlag
	}
	return fromConfig
}

func newLogger(level zap.AtomicLevel) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
