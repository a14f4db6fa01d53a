// Command rollcron is an auto-pulling cron scheduler: it mirrors a git remote
// or local directory, reads the job list from rollcron.yaml at its root, and
// runs each job on its cron schedule inside a periodically resynced working
// directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"rollcron/internal/config"
	"rollcron/internal/envfile"
	"rollcron/internal/events"
	"rollcron/internal/history"
	"rollcron/internal/scheduler"
	"rollcron/internal/source"
	"rollcron/internal/syncdriver"
	"rollcron/internal/webhook"
	"rollcron/pkg/logx"
)

func main() {
	var (
		pullInterval int
		logLevel     string
		logFile      string
		cacheDir     string
		webhookURL   string
		historyPath  string
	)
	flag.IntVar(&pullInterval, "pull-interval", 3600, "seconds between source pulls")
	flag.StringVar(&logLevel, "log-level", os.Getenv("ROLLCRON_LOG"), "log level (trace..error)")
	flag.StringVar(&logFile, "log-file", "", "optional JSON log sink")
	flag.StringVar(&cacheDir, "cache-dir", "", "override the cache directory")
	flag.StringVar(&webhookURL, "webhook-url", "", "override runner.webhook.url from the config")
	flag.StringVar(&historyPath, "history", "", "write run history to this file (overrides runner.history)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: rollcron [flags] <source>\n\n  <source>  local path or remote URL (https://... or git@...)\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	if pullInterval <= 0 {
		fmt.Fprintln(os.Stderr, "fatal: --pull-interval must be > 0")
		os.Exit(2)
	}

	log, logCloser, err := logx.New(logx.Config{Level: logLevel, FilePath: logFile})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	locator, err := resolveLocator(flag.Arg(0))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid source")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info().Str("source", locator).Int("pull_interval", pullInterval).Msg("starting rollcron")

	cache := source.New(cacheDir, logx.Component(log, "source"))
	sotPath, _, err := cache.Ensure(ctx, locator)
	if err != nil {
		log.Fatal().Err(err).Msg("initial source sync failed")
	}
	log.Info().Str("cache", sotPath).Msg("source ready")

	cfg, err := config.Load(sotPath)
	if err != nil {
		log.Fatal().Err(err).Msg("initial config load failed")
	}
	if webhookURL != "" {
		cfg.Runner.Webhook.URL = webhookURL
	}
	if historyPath != "" {
		cfg.Runner.History = config.History{Driver: "file", Path: historyPath}
	}

	hist, err := history.Open(history.Config{
		Driver: cfg.Runner.History.Driver,
		Path:   cfg.Runner.History.Path,
		Keep:   cfg.Runner.History.Keep,
	}, logx.Component(log, "history"))
	if err != nil {
		log.Fatal().Err(err).Msg("history store open failed")
	}

	bus := events.NewBus()
	notifier := webhook.New(webhook.Config{
		URL:        cfg.Runner.Webhook.URL,
		RatePerSec: cfg.Runner.Webhook.RatePerSec,
		QueueSize:  cfg.Runner.Webhook.QueueSize,
	}, logx.Component(log, "webhook"))
	notifier.Start(ctx, bus)

	sched := scheduler.New(sotPath, cfg.Runner, scheduler.Deps{
		Log:     logx.Component(log, "scheduler"),
		Cache:   cache,
		Bus:     bus,
		History: hist,
	})
	// The loop must outlive the interrupt signal so shutdown stays graceful.
	sched.Start(context.Background())

	initCtx, cancelInit := context.WithTimeout(ctx, 30*time.Second)
	err = sched.Initialize(initCtx, cfg)
	cancelInit()
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler initialization failed")
	}

	// Materialize every job's working directory before the first triggers.
	ids := make([]string, 0, len(cfg.Jobs))
	for i := range cfg.Jobs {
		ids = append(ids, cfg.Jobs[i].ID)
	}
	sched.SyncRequest(ids, sotPath)

	driver := syncdriver.New(locator, time.Duration(pullInterval)*time.Second, cache, sched, logx.Component(log, "syncdriver"))
	driver.Start(context.Background())

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	<-ctx.Done()

	log.Info().Msg("shutting down")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	driver.Stop()

	shutdownCtx := context.Background()
	jobIDs := sched.JobIDs(shutdownCtx)
	sched.Shutdown(shutdownCtx)
	cache.CleanupJobDirs(sotPath, jobIDs)

	notifier.Stop()
	if hist != nil {
		_ = hist.Close()
	}
	log.Info().Msg("bye")
}

// resolveLocator expands ~ and $VAR and absolutizes local paths so cache
// naming stays stable no matter where rollcron is launched from.
func resolveLocator(arg string) (string, error) {
	expanded := envfile.ExpandString(arg)
	if source.IsRemote(expanded) {
		return expanded, nil
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("source %s: %w", abs, err)
	}
	return abs, nil
}
