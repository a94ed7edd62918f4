// Command flagwatch follows feature flags on a Flagr server and logs every
// change of the flags listed in its configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/OrlandoBitencourt/flagwatch"
	"github.com/OrlandoBitencourt/flagwatch/internal/telemetry"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	endpoint := flag.String("flagr", "", "Flagr endpoint, overrides the configuration file")
	flag.Parse()

	if err := run(*configPath, *endpoint); err != nil {
		fmt.Fprintf(os.Stderr, "flagwatch: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, endpoint string) error {
	cfg := flagwatch.DefaultConfig()
	if configPath != "" {
		loaded, err := flagwatch.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if endpoint != "" {
		cfg.Flagr.Endpoint = endpoint
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pipeline.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	opts := []flagwatch.Option{
		flagwatch.WithConfig(cfg),
		flagwatch.WithLogger(logger),
	}
	if cfg.Telemetry.Enabled {
		opts = append(opts, flagwatch.WithGlobalOpenTelemetry())
	}

	client, err := flagwatch.New(opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error().Err(err).Msg("shutdown failed")
		}
	}()

	for _, name := range cfg.Watch.Flags {
		if _, err := client.OnFlagChange(name, logChange(logger)); err != nil {
			return fmt.Errorf("failed to watch %q: %w", name, err)
		}
	}

	if err := client.Start(ctx); err != nil {
		return err
	}

	if flags, err := client.Flags(ctx, true); err != nil {
		logger.Warn().Err(err).Msg("initial flag fetch failed")
	} else {
		logger.Info().Int("count", len(flags)).Strs("flags", flags.Keys()).Msg("flags available")
	}

	logger.Info().
		Str("flagr", cfg.Flagr.Endpoint).
		Strs("flags", cfg.Watch.Flags).
		Dur("interval", cfg.Poll.Interval).
		Bool("admin", cfg.Admin.Enabled).
		Bool("webhook", cfg.Webhook.Enabled).
		Msg("flagwatch started")

	<-ctx.Done()

	logger.Info().Msg("shutting down")
	client.StopAllPolling()
	return nil
}

func logChange(logger zerolog.Logger) func(flagwatch.ChangeEvent) {
	return func(ev flagwatch.ChangeEvent) {
		logger.Info().
			Str("flag", ev.Flag).
			Bool("value", ev.Value).
			Bool("previous", ev.Previous).
			Uint64("cycle", ev.Cycle).
			Msg("flag changed")
	}
}

func newLogger(cfg flagwatch.LogConfig) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	var logger zerolog.Logger
	switch cfg.Format {
	case "json":
		logger = zerolog.New(os.Stdout)
	case "", "console":
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	default:
		return zerolog.Logger{}, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	return logger.Level(level).With().Timestamp().Logger(), nil
}
