package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// HealthProbeConfig holds configuration for the backend readiness probe.
type HealthProbeConfig struct {
	Address          string
	Service          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultHealthProbeConfig returns default configuration.
func DefaultHealthProbeConfig(addr string) HealthProbeConfig {
	return HealthProbeConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// HealthProbe checks the backend's gRPC health endpoint before the assistant
// channel is opened.
type HealthProbe struct {
	conn   *grpc.ClientConn
	client healthpb.HealthClient
	cfg    HealthProbeConfig
	logger *slog.Logger
}

// NewHealthProbe creates a probe. No network I/O happens until Check.
func NewHealthProbe(cfg HealthProbeConfig, logger *slog.Logger, opts ...grpc.DialOption) (*HealthProbe, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("create health client for %s: %w", cfg.Address, err)
	}

	return &HealthProbe{
		conn:   conn,
		client: healthpb.NewHealthClient(conn),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Check waits for the channel to become ready and verifies the service is serving.
func (p *HealthProbe) Check(ctx context.Context) error {
	if p.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		defer cancel()
	}

	if err := waitForReady(ctx, p.conn); err != nil {
		return fmt.Errorf("backend at %s not ready: %w", p.cfg.Address, err)
	}

	resp, err := p.client.Check(ctx, &healthpb.HealthCheckRequest{Service: p.cfg.Service})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", ErrNotServing, resp.GetStatus())
	}

	p.logger.Debug("backend health check passed", "address", p.cfg.Address)
	return nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return ErrConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", ErrConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (p *HealthProbe) Close() {
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.logger.Warn("failed to close health probe connection", "error", err)
		}
	}
}
