// Command vocalis is the main entry point for the vocalis chanting analysis
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/MrWong99/vocalis/internal/app"
	"github.com/MrWong99/vocalis/internal/config"
	"github.com/MrWong99/vocalis/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "vocalis.yaml", "path to the YAML configuration file")
	watchInterval := flag.Duration("watch-interval", config.DefaultWatchInterval, "how often the config file is checked for changes (0 disables)")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// ── Load configuration ────────────────────────────────────────────────────
	var application *app.App
	onChange := func(old, next *config.Config, diff config.ConfigDiff) {
		if application != nil {
			application.Reload(old, next, diff)
		}
	}
	cfg, watcher, err := loadConfig(*configPath, *watchInterval, onChange)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vocalis: %v\n", err)
		return 1
	}
	level.Set(cfg.Server.LogLevel.Slog())

	slog.Info("vocalis starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	providers, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Registerer:     reg,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(providers.Meter)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithMetrics(metrics),
		app.WithGatherer(reg),
		app.WithLevelVar(level),
	}
	if watcher != nil {
		opts = append(opts, app.WithWatcher(watcher))
	}
	application, err = app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	code := 0
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		code = 1
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// loadConfig loads path, or the defaults when path does not exist. A
// watcher is returned only for an existing file and a positive interval.
func loadConfig(path string, interval time.Duration, onChange config.ChangeFunc) (*config.Config, *config.Watcher, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		slog.Warn("config file not found, using defaults", "config", path)
		return config.Default(), nil, nil
	}
	if interval <= 0 {
		cfg, err := config.Load(path)
		return cfg, nil, err
	}
	w, err := config.NewWatcher(path, onChange, config.WithInterval(interval))
	if err != nil {
		return nil, nil, err
	}
	return w.Current(), w, nil
}

func printStartupSummary(cfg *config.Config) {
	stores := ""
	for i, s := range cfg.Calibration.Stores {
		if i > 0 {
			stores += " > "
		}
		stores += s.Name
	}
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         vocalis: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Printf("║  TLS             : %-19t ║\n", cfg.Server.TLS != nil)
	fmt.Printf("║  Sample rate     : %-19d ║\n", cfg.Audio.SampleRate)
	fmt.Printf("║  Target pitch    : %-19s ║\n", fmt.Sprintf("%.1f Hz", cfg.Pitch.TargetFrequency))
	fmt.Printf("║  Default mode    : %-19s ║\n", cfg.Session.DefaultMode)
	fmt.Printf("║  Profile stores  : %-19s ║\n", stores)
	fmt.Printf("║  Metrics path    : %-19s ║\n", cfg.Telemetry.MetricsPath)
	fmt.Println("╚═══════════════════════════════════════╝")
}
