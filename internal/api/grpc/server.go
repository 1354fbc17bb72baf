// Package grpcapi serves the standard gRPC health service for the relay.
package grpcapi

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"meeting-transcript-relay/internal/observability"
	"meeting-transcript-relay/internal/observability/logging"
	"meeting-transcript-relay/internal/observability/metrics"
)

// ServiceName is the health service name reported alongside the server-wide
// "" entry.
const ServiceName = "meeting.transcript.relay.Relay"

// Server is the gRPC listener.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// New builds a server with health, reflection and the observability
// interceptors registered. Both health entries start NOT_SERVING.
func New(m *metrics.Metrics) *Server {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	g := grpc.NewServer(
		grpc.ChainUnaryInterceptor(observability.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(observability.StreamServerInterceptor(m)),
	)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(g, healthServer)

	// Enable gRPC reflection for debugging tools like grpcurl
	reflection.Register(g)

	s := &Server{grpc: g, health: healthServer}
	s.SetServing(false)
	return s
}

// SetServing flips every health entry.
func (s *Server) SetServing(serving bool) {
	st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		st = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Serve blocks accepting connections on lis.
func (s *Server) Serve(lis net.Listener) error {
	logger := logging.WithComponent("grpc")
	logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server started")
	return s.grpc.Serve(lis)
}

// Shutdown reports NOT_SERVING, then stops gracefully. When ctx expires
// first the remaining streams are cut.
func (s *Server) Shutdown(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger := logging.WithComponent("grpc")
		logger.Warn().Msg("gRPC graceful stop timed out, forcing stop")
		s.grpc.Stop()
		<-done
	}
}
