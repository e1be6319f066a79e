package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CookPiu/Bot/internal/cmdutil"
	"github.com/CookPiu/Bot/pkg/telemetry"
	"github.com/CookPiu/Bot/services/api/config"
	"github.com/CookPiu/Bot/services/api/handler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST, webhook and gRPC health servers",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("grpc-port", "9090", "gRPC health server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port); empty uses in-process locks")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses; empty logs transitions only")
	serveCmd.Flags().Int("rate-limit", 100, "max requests per second per client IP (0 = disabled)")
	serveCmd.Flags().String("cors-origins", "", "comma-separated origins allowed by CORS")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	cmdutil.BindFlag("http_port", serveCmd.Flags(), "http-port")
	cmdutil.BindFlag("grpc_port", serveCmd.Flags(), "grpc-port")
	cmdutil.BindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	cmdutil.BindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	cmdutil.BindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	cmdutil.BindFlag("rate_limit", serveCmd.Flags(), "rate-limit")
	cmdutil.BindFlag("cors_origins", serveCmd.Flags(), "cors-origins")
	cmdutil.BindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	config.SetDefaults(viper.GetViper())
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := cmdutil.Logger(cfg.LogLevel, "api")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "api", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	s, err := buildStack(runCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	rest := handler.NewREST(s.engine, s.matcher, logger, s.checks...)
	hooks := handler.NewWebhook(s.processor, logger)
	routerCfg := handler.RouterConfig{
		CORSOrigins:         cfg.CORSOrigins,
		MaxBodyBytes:        cfg.MaxBodyBytes,
		WebhookMaxBodyBytes: cfg.WebhookMaxBodyBytes,
	}
	if s.limiter != nil {
		routerCfg.Limiter = s.limiter
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handler.NewRouter(rest, hooks, routerCfg, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // manual reviews may wait on the scoring provider
		IdleTimeout:  60 * time.Second,
	}

	// ── gRPC health server ───────────────────────────────────────────────────
	grpcSrv := handler.NewGRPCServer(runCtx, 10*time.Second, logger, s.checks...)
	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	// ── signal handling ───────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	// ── Prometheus metrics ────────────────────────────────────────────────────
	probes := make([]telemetry.Probe, len(s.checks))
	for i, c := range s.checks {
		probes[i] = telemetry.Probe{Name: c.Name, Check: c.Check}
	}
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger, probes...)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("api HTTP starting", slog.String("addr", httpSrv.Addr), slog.String("store", cfg.Store))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		logger.Info("api gRPC starting", slog.String("addr", grpcLis.Addr().String()))
		if err := grpcSrv.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	select {
	case <-quit:
		logger.Info("shutting down...")
	case err = <-errCh:
		logger.Error("server failed, shutting down", slog.String("error", err.Error()))
	}
	runCancel()

	grpcSrv.GracefulStop()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return err
}
