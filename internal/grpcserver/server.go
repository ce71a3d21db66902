// Package grpcserver wraps grpc.Server with health reporting and graceful shutdown.
package grpcserver

import (
	"context"
	"fmt"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// Server wraps the grpc.Server with tracing and a health service.
type Server struct {
	addr   string
	inner  *grpc.Server
	health *health.Server
}

// New constructs a server listening on the provided port.
func New(port int, opts ...grpc.ServerOption) *Server {
	opts = append([]grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}, opts...)
	inner := grpc.NewServer(opts...)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(inner, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	return &Server{
		addr:   fmt.Sprintf(":%d", port),
		inner:  inner,
		health: healthServer,
	}
}

// RegisterService registers a service implementation. It must be called before Start.
func (s *Server) RegisterService(desc *grpc.ServiceDesc, impl any) {
	s.inner.RegisterService(desc, impl)
	s.health.SetServingStatus(desc.ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

// Start listens on the configured port and serves until shutdown.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis and marks every service as serving.
func (s *Server) Serve(lis net.Listener) error {
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	for name := range s.inner.GetServiceInfo() {
		s.health.SetServingStatus(name, grpc_health_v1.HealthCheckResponse_SERVING)
	}
	if err := s.inner.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// Shutdown reports NOT_SERVING and drains in-flight streams. Streams still open
// when ctx ends are cut off.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.inner.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		s.inner.Stop()
		<-stopped
		return ctx.Err()
	}
}
