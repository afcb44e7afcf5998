// Package grpc hosts a minimal internal gRPC listener exposing the standard
// grpc_health_v1 service, so orchestrators that expect a gRPC health check
// (rather than the HTTP GET /health probe) have a native one to poll. It
// reuses the same internal/health.Checker the HTTP endpoint uses, so the two
// surfaces never disagree about whether the process is healthy.
package grpc

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/exportkit-io/exportkit/internal/health"
)

// Server hosts the gRPC health service on a dedicated listener, separate
// from the REST API port.
type Server struct {
	grpc_health_v1.UnimplementedHealthServer

	checker *health.Checker
	logger  *zap.Logger
}

// New creates a new Server wrapping the given health checker.
func New(checker *health.Checker, logger *zap.Logger) *Server {
	return &Server{checker: checker, logger: logger.Named("grpc")}
}

// Check implements grpc_health_v1.HealthServer. The service parameter is
// ignored — there is exactly one process-wide health status, not one per
// named service.
func (s *Server) Check(ctx context.Context, _ *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	report := s.checker.Check(ctx)
	if !report.Healthy {
		return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING}, nil
}

// Watch implements the streaming half of grpc_health_v1.HealthServer. This
// deployment has no use for long-lived health subscriptions, so it reports
// unimplemented rather than faking a stream that never sends a second update.
func (s *Server) Watch(_ *grpc_health_v1.HealthCheckRequest, _ grpc_health_v1.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "health watch is not supported; poll Check instead")
}

// ListenAndServe starts the gRPC server and blocks until the context is
// cancelled or a fatal error occurs.
func (s *Server) ListenAndServe(ctx context.Context, listenAddr string) error {
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("grpc: failed to listen on %s: %w", listenAddr, err)
	}

	grpcServer := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, s)

	go func() {
		<-ctx.Done()
		s.logger.Info("grpc server shutting down gracefully")
		grpcServer.GracefulStop()
	}()

	s.logger.Info("grpc server listening", zap.String("addr", listenAddr))
	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("grpc: server error: %w", err)
	}
	return nil
}
