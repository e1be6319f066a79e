package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CookPiu/Bot/internal/channels"
	"github.com/CookPiu/Bot/internal/cmdutil"
	"github.com/CookPiu/Bot/internal/kafka"
	"github.com/CookPiu/Bot/pkg/telemetry"
	"github.com/CookPiu/Bot/services/notifier"
	"github.com/CookPiu/Bot/services/notifier/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the notifier",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("channels", "", "comma-separated channels to deliver on (empty = all configured)")
	serveCmd.Flags().String("chat-webhook-url", "", "chat bot webhook URL; empty disables the chat channel")
	serveCmd.Flags().String("smtp-host", "", "SMTP server host; empty disables the email channel")
	serveCmd.Flags().Int("smtp-port", 25, "SMTP server port")
	serveCmd.Flags().String("smtp-from", "taskbot@example.com", "SMTP sender address")
	serveCmd.Flags().String("metrics-addr", ":9096", "Prometheus metrics server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	cmdutil.BindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	cmdutil.BindFlag("channels", serveCmd.Flags(), "channels")
	cmdutil.BindFlag("chat_webhook_url", serveCmd.Flags(), "chat-webhook-url")
	cmdutil.BindFlag("smtp_host", serveCmd.Flags(), "smtp-host")
	cmdutil.BindFlag("smtp_port", serveCmd.Flags(), "smtp-port")
	cmdutil.BindFlag("smtp_from", serveCmd.Flags(), "smtp-from")
	cmdutil.BindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	cmdutil.BindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	config.SetDefaults(viper.GetViper())
}

// buildRegistry registers every channel that has enough configuration to run.
func buildRegistry(cfg config.Config) *channels.Registry {
	registry := channels.NewRegistry()
	if cfg.ChatWebhookURL != "" {
		registry.Register(channels.NewChat(channels.ChatConfig{
			URL:     cfg.ChatWebhookURL,
			Secret:  cfg.ChatWebhookSecret,
			Timeout: cfg.Timeout,
		}))
	}
	if cfg.SMTPHost != "" {
		registry.Register(channels.NewEmail(channels.EmailConfig{
			Host:      cfg.SMTPHost,
			Port:      cfg.SMTPPort,
			From:      cfg.SMTPFrom,
			Username:  cfg.SMTPUsername,
			Password:  cfg.SMTPPassword,
			To:        cfg.EmailTo,
			Directory: cfg.EmailDirectory,
		}))
	}
	return registry
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := cmdutil.Logger(cfg.LogLevel, "notifier")

	if len(cfg.KafkaBrokers) == 0 {
		return errors.New("kafka_brokers is required")
	}
	chans, err := buildRegistry(cfg).Select(cfg.Channels)
	if err != nil {
		return err
	}
	if len(chans) == 0 {
		return errors.New("no notification channel configured (set chat_webhook_url or smtp_host)")
	}

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "notifier", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
		// Channel retries happen inside the notifier; one call per message here.
		HandlerAttempts: 1,
	}, logger)
	defer func() { _ = consumer.Close() }()

	producer := kafka.NewProducer(cfg.KafkaBrokers)
	defer func() { _ = producer.Close() }()

	n := notifier.New(consumer, chans,
		notifier.WithAttempts(cfg.Attempts),
		notifier.WithBaseDelay(cfg.BaseDelay),
		notifier.WithTimeout(cfg.Timeout),
		notifier.WithParallelism(cfg.Parallelism),
		notifier.WithDeadLetter(producer, cfg.DLQTopic),
		notifier.WithLogger(logger),
	)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger, telemetry.Probe{
		Name:  "kafka",
		Check: func(ctx context.Context) error { return kafka.Ping(ctx, cfg.KafkaBrokers) },
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down, finishing in-flight deliveries...")
		runCancel()
	}()

	names := make([]string, len(chans))
	for i, c := range chans {
		names[i] = c.Name()
	}
	logger.Info("notifier starting",
		slog.String("topic", cfg.Topic),
		slog.String("group_id", cfg.GroupID),
		slog.Any("channels", names),
	)

	if err := n.Run(runCtx); err != nil {
		return fmt.Errorf("notifier: %w", err)
	}
	n.Wait()
	logger.Info("stopped cleanly")
	return nil
}
