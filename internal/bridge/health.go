package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the service name reported next to the overall status.
const HealthService = "agibridge.Bridge"

// HealthServer serves the standard gRPC health protocol.
type HealthServer struct {
	addr   string
	grpc   *grpc.Server
	health *health.Server
	log    *slog.Logger
}

// NewHealthServer creates a health server for addr. It reports NOT_SERVING
// until SetServing(true).
func NewHealthServer(addr string, logger *slog.Logger) *HealthServer {
	if logger == nil {
		logger = slog.Default()
	}
	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	h := &HealthServer{addr: addr, grpc: gs, health: hs, log: logger}
	h.SetServing(false)
	return h
}

// SetServing flips the reported status of the bridge.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(HealthService, status)
}

// Serve listens on the configured address until ctx is done.
func (h *HealthServer) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("health listen %s: %w", h.addr, err)
	}
	return h.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is done.
func (h *HealthServer) ServeListener(ctx context.Context, lis net.Listener) error {
	h.log.Info("[Bridge] gRPC health server listening", "address", lis.Addr().String())

	stop := context.AfterFunc(ctx, func() {
		h.health.Shutdown()
		h.grpc.GracefulStop()
	})
	defer stop()

	if err := h.grpc.Serve(lis); err != nil && ctx.Err() == nil {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
