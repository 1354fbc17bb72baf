package grpcapi

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"meeting-transcript-relay/internal/observability/metrics"
)

func startServer(t *testing.T) (*Server, grpc_health_v1.HealthClient) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := New(metrics.NewMetrics(prometheus.NewRegistry()))
	go func() { _ = s.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s, grpc_health_v1.NewHealthClient(conn)
}

func check(t *testing.T, client grpc_health_v1.HealthClient, service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("check %q: %v", service, err)
	}
	return resp.GetStatus()
}

func TestServer_HealthTransitions(t *testing.T) {
	s, client := startServer(t)

	for _, svc := range []string{"", ServiceName} {
		if got := check(t, client, svc); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
			t.Errorf("%q before start: expected NOT_SERVING, got %v", svc, got)
		}
	}

	s.SetServing(true)
	for _, svc := range []string{"", ServiceName} {
		if got := check(t, client, svc); got != grpc_health_v1.HealthCheckResponse_SERVING {
			t.Errorf("%q after start: expected SERVING, got %v", svc, got)
		}
	}

	s.SetServing(false)
	if got := check(t, client, ""); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Errorf("after drain: expected NOT_SERVING, got %v", got)
	}
}

func TestServer_WatchReceivesShutdown(t *testing.T) {
	s, client := startServer(t)
	s.SetServing(true)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream, err := client.Watch(ctx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	first, err := stream.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if first.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("expected SERVING, got %v", first.GetStatus())
	}

	s.SetServing(false)
	next, err := stream.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if next.GetStatus() != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Errorf("expected NOT_SERVING, got %v", next.GetStatus())
	}
}
