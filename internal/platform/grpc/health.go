// Package grpc hosts the gRPC health surface that orchestrators probe.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer serves grpc.health.v1 for a fixed set of service names.
type HealthServer struct {
	server   *gogrpc.Server
	health   *health.Server
	services []string

	mu      sync.Mutex
	stopped bool
}

// NewHealthServer builds a gRPC server with OTel stats and a health service
// that reports NOT_SERVING for every name until SetServing is called.
func NewHealthServer(services ...string) *HealthServer {
	server := gogrpc.NewServer(gogrpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)

	names := append([]string{""}, services...)
	for _, name := range names {
		healthServer.SetServingStatus(name, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
	return &HealthServer{server: server, health: healthServer, services: names}
}

// SetServing flips every registered name to SERVING or NOT_SERVING.
func (h *HealthServer) SetServing(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	for _, name := range h.services {
		h.health.SetServingStatus(name, status)
	}
}

// Serve accepts connections on lis until ctx ends, then stops gracefully.
func (h *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	if lis == nil {
		return errors.New("listener is required")
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- h.server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		h.Stop()
		if err := <-serveErr; err != nil && !errors.Is(err, gogrpc.ErrServerStopped) {
			return fmt.Errorf("serve health: %w", err)
		}
		return nil
	case err := <-serveErr:
		if err != nil && !errors.Is(err, gogrpc.ErrServerStopped) {
			return fmt.Errorf("serve health: %w", err)
		}
		return nil
	}
}

// Stop marks all names NOT_SERVING and drains in-flight checks. Safe to call twice.
func (h *HealthServer) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	h.health.Shutdown()
	h.server.GracefulStop()
}
