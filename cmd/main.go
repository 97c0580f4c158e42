package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesm/ado-sprint-digest/config"
	"github.com/wesm/ado-sprint-digest/internal/api"
	"github.com/wesm/ado-sprint-digest/internal/logger"
	"github.com/wesm/ado-sprint-digest/internal/metrics"
	"github.com/wesm/ado-sprint-digest/internal/report"
	"github.com/wesm/ado-sprint-digest/internal/sync"
)

var (
	configPath string
	outputPath string
	format     string
	logLevel   string
	schedule   string
)

var rootCmd = &cobra.Command{
	Use:   "ado-sprint-digest",
	Short: "Collect Azure DevOps sprint capacity, work items and pull request reviews into one report",
	Long: `ado-sprint-digest walks the iterations of every configured team, works out
each member's worked days and hours, attaches work items with their tasks and
pull request review threads, and writes the result as nested JSON, TSV or SQLite.

The personal access token can be provided via the ` + config.EnvPatToken + ` environment variable.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to configuration file")
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Report destination (overrides sprintCapacityDetailsFilePath)")
	rootCmd.Flags().StringVarP(&format, "format", "f", "", "Report format: json, tsv or sqlite (overrides formatter)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (overrides logLevel)")
	rootCmd.Flags().StringVar(&schedule, "schedule", "", "Cron expression to run repeatedly instead of once")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(configPath, config.Overrides{
		OutputPath:   outputPath,
		OutputFormat: format,
		LogLevel:     logLevel,
		Schedule:     schedule,
	})
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.New(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	defer log.Sync()
	zap.ReplaceGlobals(log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	getter := api.NewHTTPGetter(api.TransportOptions{
		Token:        cfg.PatToken,
		AuthScheme:   cfg.AuthScheme,
		Timeout:      cfg.HTTPTimeout,
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.RetryInitialDelay,
	}, log)

	if cfg.Schedule == "" {
		return runOnce(ctx, cfg, getter, log)
	}

	c := newScheduler(log)
	if _, err := c.AddFunc(cfg.Schedule, func() {
		if err := runOnce(ctx, cfg, getter, log); err != nil {
			// Keep the schedule alive; the next tick starts from scratch
			log.Error("Scheduled run failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
	}

	log.Info("Running on schedule", zap.String("schedule", cfg.Schedule))
	c.Start()
	<-ctx.Done()
	// Wait for an in-flight run to notice the cancellation
	<-c.Stop().Done()
	log.Info("Scheduler stopped")
	return nil
}

// runOnce performs a full collection and replaces the report
func runOnce(ctx context.Context, cfg *config.Config, getter api.Getter, log *zap.Logger) error {
	rec := metrics.New()
	client := api.NewClient(cfg, getter, log, rec)
	syncer := sync.New(cfg, client, log, rec)

	result, err := syncer.Run(ctx)
	if err != nil {
		return fmt.Errorf("failed to collect iterations: %w", err)
	}

	f, ok := report.LookupFormat(cfg.OutputFormat)
	if !ok {
		log.Warn("Unknown output format, defaulting to json", zap.String("format", cfg.OutputFormat))
	}
	if err := report.Write(cfg.OutputPath, f, result.Iterations); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	log.Info("Report written",
		zap.String("path", cfg.OutputPath),
		zap.Stringer("format", f),
		zap.Int("iterations", len(result.Iterations)),
		zap.Int("skipped", len(result.Skips)),
		zap.Int("teams_failed", result.TeamsFailed),
		zap.Duration("duration", result.Duration),
	)

	logSummary(rec, log)
	if cfg.MetricsFile != "" {
		if err := rec.WriteTextfile(cfg.MetricsFile); err != nil {
			log.Warn("Failed to write metrics file", zap.String("path", cfg.MetricsFile), zap.Error(err))
		}
	}
	return nil
}

func logSummary(rec *metrics.Recorder, log *zap.Logger) {
	summary, err := rec.Summary()
	if err != nil {
		log.Warn("Failed to gather metrics", zap.Error(err))
		return
	}
	fields := make([]zap.Field, 0, len(summary))
	for _, key := range metrics.Keys(summary) {
		fields = append(fields, zap.Float64(key, summary[key]))
	}
	log.Info("Run metrics", fields...)
}
