package connection

import (
	"log/slog"
	"time"

	"github.com/ashureev/pamlink/internal/credential"
	"github.com/ashureev/pamlink/internal/domain"
	"github.com/ashureev/pamlink/internal/recovery"
	"github.com/ashureev/pamlink/internal/transport"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultInitialBackoff    = 500 * time.Millisecond
	DefaultMaxBackoff        = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultBackoffJitter     = 0.2
	DefaultAuthTimeout       = 10 * time.Second
	DefaultPingInterval      = 30 * time.Second
	DefaultPingTimeout       = 10 * time.Second
	DefaultRefreshSkew       = time.Minute
)

// Recorder receives connection metrics. Implemented by metrics.Collectors.
type Recorder interface {
	ObserveTransition(from, to domain.ConnectionState)
	ObserveFailure(d recovery.Decision)
}

// Options configures a Manager. Dialer is required.
type Options struct {
	Dialer      transport.Dialer
	Credentials credential.Source
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Metrics     Recorder

	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	BackoffJitter     float64

	AuthTimeout  time.Duration
	PingInterval time.Duration // negative disables keepalive pings
	PingTimeout  time.Duration
	RefreshSkew  time.Duration // negative disables proactive refresh

	// OnTransition is called synchronously from the manager loop for every
	// transition, before observers are notified. It must not block.
	OnTransition func(from, to domain.ConnectionState)
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.BackoffMultiplier < 1 {
		o.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if o.BackoffJitter < 0 || o.BackoffJitter >= 1 {
		o.BackoffJitter = DefaultBackoffJitter
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = DefaultAuthTimeout
	}
	if o.PingInterval == 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = DefaultPingTimeout
	}
	if o.RefreshSkew == 0 {
		o.RefreshSkew = DefaultRefreshSkew
	}
}

func (o *Options) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.InitialBackoff
	b.MaxInterval = o.MaxBackoff
	b.Multiplier = o.BackoffMultiplier
	b.RandomizationFactor = o.BackoffJitter
	b.Reset()
	return b
}
