package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/quizcraft/quizcraft/pkg/budget"
	"github.com/quizcraft/quizcraft/pkg/cache/sqlite"
	"github.com/quizcraft/quizcraft/pkg/cache/sweep"
	"github.com/quizcraft/quizcraft/pkg/config"
	"github.com/quizcraft/quizcraft/pkg/llm"
	"github.com/quizcraft/quizcraft/pkg/logging"
	"github.com/quizcraft/quizcraft/pkg/metrics"
	"github.com/quizcraft/quizcraft/pkg/models"
	"github.com/quizcraft/quizcraft/pkg/resolver"
	"github.com/quizcraft/quizcraft/pkg/tracker"
)

// apiKeyEnv is consulted when the config carries no API key.
const apiKeyEnv = "ANTHROPIC_API_KEY"

// loadConfig reads the config file, falling back to defaults when the file
// does not exist, and installs the process logger.
func loadConfig(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// app holds the wired components for one command run.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Collector
	cache    *sqlite.Cache
	tracker  *tracker.SQLiteTracker
	spend    *budget.Enforcer
	sweeper  *sweep.Scheduler
	resolver *resolver.Resolver
}

// openApp opens the stores named by the config at configPath.
func openApp(configPath string) (*app, error) {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewCollector(cfg.Metrics.Namespace),
	}

	if cfg.Cache.Enabled {
		a.cache, err = sqlite.New(cfg.DBPath, sqlite.Options{
			CapacityBytes: cfg.Cache.CapacityBytes,
			MaxEntries:    cfg.Cache.MaxEntries,
			TTL:           cfg.TTL(),
			Observer:      a.metrics,
			Logger:        logger.With("component", "cache"),
		})
		if err != nil {
			return nil, err
		}
	}

	a.tracker, err = tracker.New(cfg.DBPath)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if cfg.Spend.Enabled {
		a.spend = budget.New(cfg.Spend.Policies, a.tracker)
	}
	return a, nil
}

// withResolver wires the retrying client and the resolver on top of the
// stores.
func (a *app) withResolver() {
	key := a.cfg.Remote.APIKey
	if key == "" {
		key = os.Getenv(apiKeyEnv)
	}
	transport := llm.NewHTTPTransport(a.cfg.Remote.URL, key, a.cfg.Remote.AnthropicVersion, a.cfg.Remote.Timeout)
	client := llm.New(transport, a.cfg.RetryPolicy(),
		llm.WithHook(a.metrics.ObserveAttempt),
		llm.WithHook(a.logAttempt),
		llm.WithLogger(a.logger.With("component", "llm")),
	)

	opts := resolver.Options{
		Budget:      a.cfg.TokenBudget(),
		CallTimeout: a.cfg.CallTimeout,
		Ledger:      a.tracker,
		Metrics:     a.metrics,
		Logger:      a.logger.With("component", "resolver"),
	}
	if a.cache != nil {
		opts.Cache = a.cache
	}
	if a.spend != nil {
		opts.Spend = a.spend
	}
	a.resolver = resolver.New(client, opts)
}

func (a *app) logAttempt(ev models.AttemptEvent) {
	a.logger.Debug("remote attempt",
		"request_id", ev.RequestID,
		"attempt", ev.Attempt,
		"class", ev.Class,
		"status", ev.StatusCode,
		"latency", ev.Latency,
		"next_delay", ev.NextDelay,
		"error", ev.Err,
	)
}

// startSweep runs the expired-entry sweep for the lifetime of ctx, if one
// is configured.
func (a *app) startSweep(ctx context.Context) error {
	if a.cache == nil || a.cfg.Cache.SweepSchedule == "" {
		return nil
	}
	a.sweeper = sweep.NewScheduler(a.cache, a.cfg.Cache.SweepSchedule)
	return a.sweeper.Start(ctx)
}

// Close stops background work, exports metrics and closes the stores.
func (a *app) Close() error {
	var errs []error
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if path := a.cfg.Metrics.Textfile; path != "" {
		if err := a.metrics.WriteTextfile(path); err != nil {
			errs = append(errs, err)
		}
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.tracker != nil {
		errs = append(errs, a.tracker.Close())
	}
	return errors.Join(errs...)
}
