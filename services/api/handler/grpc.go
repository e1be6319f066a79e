package handler

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the gRPC health service name of the API.
const ServiceName = "taskbot.api"

// NewGRPCServer returns a server exposing the standard health service and
// reflection. Serving status follows the ready checks, polled every interval
// until ctx is done.
func NewGRPCServer(ctx context.Context, interval time.Duration, logger *slog.Logger, checks ...ReadyCheck) *grpc.Server {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		for _, c := range checks {
			checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := c.Check(checkCtx)
			cancel()
			if err != nil {
				logger.Warn("grpc health check failed", slog.String("check", c.Name), slog.String("error", err.Error()))
				status = healthpb.HealthCheckResponse_NOT_SERVING
				break
			}
		}
		hs.SetServingStatus("", status)
		hs.SetServingStatus(ServiceName, status)
	}
	update()

	if interval > 0 {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					hs.Shutdown()
					return
				case <-ticker.C:
					update()
				}
			}
		}()
	}
	return srv
}
