package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func startHealthServer(t *testing.T) (*health.Server, *bufconn.Listener) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return hs, lis
}

func newBufProbe(t *testing.T, lis *bufconn.Listener, service string) *HealthProbe {
	t.Helper()

	cfg := DefaultHealthProbeConfig("passthrough:///bufnet")
	cfg.Service = service
	cfg.ConnectTimeout = 2 * time.Second
	probe, err := NewHealthProbe(cfg, nil, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("NewHealthProbe failed: %v", err)
	}
	t.Cleanup(probe.Close)
	return probe
}

func TestHealthProbeServing(t *testing.T) {
	t.Parallel()

	_, lis := startHealthServer(t)
	if err := newBufProbe(t, lis, "").Check(context.Background()); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
}

func TestHealthProbeNotServing(t *testing.T) {
	t.Parallel()

	hs, lis := startHealthServer(t)
	hs.SetServingStatus("pam", healthpb.HealthCheckResponse_NOT_SERVING)

	err := newBufProbe(t, lis, "pam").Check(context.Background())
	if !errors.Is(err, ErrNotServing) {
		t.Fatalf("expected ErrNotServing, got %v", err)
	}
}
