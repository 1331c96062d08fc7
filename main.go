package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-to-discourse/cmd"
	"github.com/dhcgn/mbox-to-discourse/config"
	"github.com/dhcgn/mbox-to-discourse/discourse"
	"github.com/dhcgn/mbox-to-discourse/filter"
	"github.com/dhcgn/mbox-to-discourse/mbox"
	"github.com/dhcgn/mbox-to-discourse/parser"
	"github.com/dhcgn/mbox-to-discourse/runner"
	"github.com/dhcgn/mbox-to-discourse/state"
	"github.com/dhcgn/mbox-to-discourse/stats"
	"github.com/dhcgn/mbox-to-discourse/thread"
	"github.com/dhcgn/mbox-to-discourse/users"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "mbox-to-discourse",
		Short:        "Import a mailing-list mbox archive into a Discourse forum",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			logger = logger.With("run", ulid.Make().String())
			slog.SetDefault(logger)
			for _, warning := range cfg.Warnings {
				logger.Warn("config file", "file", cfg.ConfigFile, "warning", warning)
			}
			logger.Info("starting mbox-to-discourse", "mbox", cfg.MboxPath, "address", cfg.Address, "dryRun", cfg.DryRun)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(cmd.NewThreadsCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	f, err := filter.New(filter.Options{
		IncludeHeader: cfg.IncludeHeader,
		IncludeBody:   cfg.IncludeBody,
		ExcludeHeader: cfg.ExcludeHeader,
		ExcludeBody:   cfg.ExcludeBody,
	})
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}

	src, err := mbox.File(cfg.MboxPath, mbox.Options{Filter: f, Logger: logger})
	if err != nil {
		return err
	}

	client, err := discourse.New(discourse.Options{
		Address:     cfg.Address,
		APIUsername: cfg.APIUsername,
		APIKey:      cfg.APIKey,
		VerifyTLS:   cfg.VerifyTLS,
		Timeout:     cfg.Timeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("discourse.New: %w", err)
	}

	tracker, err := openTracker(cfg, logger)
	if err != nil {
		return fmt.Errorf("state tracker: %w", err)
	}
	defer func() {
		if err := tracker.Close(); err != nil {
			logger.Warn("failed to close replay journal", "err", err)
		}
	}()

	r, err := runner.New(client, runner.Options{
		Source: src,
		Thread: thread.Options{
			Senders: filter.Senders{Exclude: cfg.ExcludeSenders, Require: cfg.RequireSender},
			Parser: parser.Options{
				FooterMarker: cfg.FooterMarker,
				SkipSubject:  cfg.SkipSubject,
				ListTag:      cfg.ListTag,
				SignOffs:     cfg.SignOffs,
			},
			Logger: logger,
		},
		CategoryID:  cfg.CategoryID,
		DryRun:      cfg.DryRun,
		Progress:    cfg.Progress && cfg.LogLevel != "debug",
		MetricsFile: cfg.MetricsFile,
		Allocator:   users.NewAllocator(cfg.Seed),
		Tracker:     tracker,
		Stats:       stats.NewCollector(),
		Credentials: os.Stdout,
	}, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}

	return r.Run(ctx)
}

func openTracker(cfg config.Config, logger *slog.Logger) (state.Tracker, error) {
	namespace := state.Namespace(cfg.Address, cfg.MboxPath)
	switch {
	case cfg.StateRedisURL != "":
		logger.Info("using redis replay journal", "namespace", namespace)
		return state.NewRedisTracker(cfg.StateRedisURL, namespace)
	case cfg.StateDir != "":
		t, err := state.NewFileTracker(cfg.StateDir, namespace)
		if err != nil {
			return nil, err
		}
		logger.Info("using replay journal", "path", t.Path(), "entries", t.Snapshot().Processed)
		return t, nil
	default:
		return state.NewMemoryTracker(), nil
	}
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mbox-to-discourse-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stderr, opts)
	return slog.New(handler), cleanup, nil
}
