package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CookPiu/Bot/internal/cmdutil"
	"github.com/CookPiu/Bot/pkg/telemetry"
	"github.com/CookPiu/Bot/services/sweeper/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sweeper",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses; empty logs notices only")
	serveCmd.Flags().String("metrics-addr", ":9097", "Prometheus metrics server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	cmdutil.BindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	cmdutil.BindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	cmdutil.BindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	config.SetDefaults(viper.GetViper())
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := cmdutil.Logger(cfg.LogLevel, "sweeper")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "sweeper", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	d, err := buildSweeper(runCtx, cfg, true, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger, d.probes...)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down, waiting for running jobs...")
		runCancel()
	}()

	logger.Info("sweeper starting",
		slog.String("instance_id", d.instanceID),
		slog.String("reminders", cfg.Jobs.RemindersSchedule),
		slog.String("overdue", cfg.Jobs.OverdueSchedule),
		slog.String("archive", cfg.Jobs.ArchiveSchedule),
		slog.Duration("retention", cfg.Jobs.Retention),
	)
	if err := d.sweeper.Run(runCtx); err != nil {
		return fmt.Errorf("sweeper: %w", err)
	}
	logger.Info("stopped")
	return nil
}
