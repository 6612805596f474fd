// PAM link - persistent assistant connection with an offline outbox.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/pamlink/internal/api"
	"github.com/ashureev/pamlink/internal/config"
	"github.com/ashureev/pamlink/internal/connection"
	"github.com/ashureev/pamlink/internal/credential"
	"github.com/ashureev/pamlink/internal/domain"
	"github.com/ashureev/pamlink/internal/metrics"
	"github.com/ashureev/pamlink/internal/outbox"
	"github.com/ashureev/pamlink/internal/session"
	"github.com/ashureev/pamlink/internal/telemetry"
	"github.com/ashureev/pamlink/internal/transport"
	"github.com/ashureev/pamlink/internal/wakeword"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting PAM link", "addr", cfg.Server.Addr, "backend", cfg.Backend.URL, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Tracing {
		shutdownTracer, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, os.Stderr, logger)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracer(shutdownCtx); err != nil {
				slog.Error("Failed to flush traces", "error", err)
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collectorSet, err := metrics.New(reg)
	if err != nil {
		slog.Error("Failed to register metrics", "error", err)
		os.Exit(1)
	}

	// Outbox.
	store, err := openStore(cfg)
	if err != nil {
		slog.Error("Failed to initialize outbox store", "error", err)
		os.Exit(1)
	}
	if err := store.Ping(ctx); err != nil {
		slog.Error("Outbox store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Outbox store ready", "driver", cfg.Outbox.Driver)

	ob := outbox.New(store, outbox.Options{
		AckTimeout:  cfg.Outbox.AckTimeout,
		MaxAttempts: cfg.Outbox.MaxAttempts,
		RetryDelay:  cfg.Outbox.RetryDelay,
		Logger:      logger,
		Metrics:     collectorSet,
	})
	ob.StartSweeper(ctx, cfg.Outbox.SweepInterval, cfg.Outbox.MaxAge)

	// Credentials.
	creds := credential.NewStore(credential.FileRefresher(cfg.Credential.TokenFile), logger)
	if cred, err := credential.LoadFile(cfg.Credential.TokenFile, cfg.Credential.UserID); err != nil {
		slog.Info("No credential yet, waiting for token file", "path", cfg.Credential.TokenFile, "error", err)
	} else {
		creds.Set(cred)
	}
	if err := credential.WatchFile(ctx, creds, cfg.Credential.TokenFile, cfg.Credential.UserID, cfg.Credential.PollInterval); err != nil {
		slog.Error("Failed to watch token file", "path", cfg.Credential.TokenFile, "error", err)
		os.Exit(1)
	}

	// Optional backend readiness probe.
	checks := map[string]api.Pinger{"outbox": ob}
	if cfg.Backend.HealthAddr != "" {
		probe, err := transport.NewHealthProbe(transport.DefaultHealthProbeConfig(cfg.Backend.HealthAddr), logger)
		if err != nil {
			slog.Error("Failed to create backend health probe", "error", err)
			os.Exit(1)
		}
		defer probe.Close()
		if err := probe.Check(ctx); err != nil {
			slog.Warn("Backend not ready yet, connecting anyway", "error", err)
		}
		checks["backend"] = api.PingFunc(probe.Check)
	}

	// Connection and façade.
	mgr := connection.New(connection.Options{
		Dialer:            transport.NewWebSocketDialer(cfg.Backend.URL, logger),
		Credentials:       creds,
		Logger:            logger,
		Metrics:           collectorSet,
		MaxRetries:        cfg.Reconnect.MaxRetries,
		InitialBackoff:    cfg.Reconnect.InitialBackoff,
		MaxBackoff:        cfg.Reconnect.MaxBackoff,
		BackoffMultiplier: cfg.Reconnect.Multiplier,
		BackoffJitter:     cfg.Reconnect.Jitter,
		AuthTimeout:       cfg.Backend.AuthTimeout,
		PingInterval:      cfg.Backend.PingInterval,
		PingTimeout:       cfg.Backend.PingTimeout,
		RefreshSkew:       cfg.Credential.RefreshSkew,
	})

	facade := session.New(mgr, ob, creds, session.Options{
		SendTimeout: cfg.Session.SendTimeout,
		Logger:      logger,
	})
	facade.OnNotice(func(n session.Notice) {
		slog.Warn("User notice", "kind", n.Kind, "message", n.Message, "message_id", n.MessageID)
	})
	facade.OnMessage(func(ev domain.InboundEvent) {
		slog.Info("Assistant event", "type", ev.Type, "id", ev.ID, "content", ev.Content)
	})
	facade.Start()
	defer func() {
		if err := facade.Close(); err != nil {
			slog.Error("Failed to close session", "error", err)
		}
	}()

	// Optional wake word listening on stdin transcripts.
	if cfg.Wake.Enabled {
		detector := wakeword.New(wakeword.NewLineRecognizer(os.Stdin), logger)
		err := detector.Start(wakeword.Options{
			Phrases:       cfg.Wake.Phrases,
			MinConfidence: cfg.Wake.MinConfidence,
			Debounce:      cfg.Wake.Debounce,
			RestartDelay:  cfg.Wake.RestartDelay,
			MaxRestarts:   cfg.Wake.MaxRestarts,
			Metrics:       collectorSet,
			OnWake: func(det wakeword.Detection) {
				go func() {
					if _, err := facade.HandleWake(ctx, det); err != nil {
						slog.Warn("Wake phrase not handled", "error", err)
					}
				}()
			},
			OnError: func(err error) {
				slog.Warn("Wake word recognizer error", "error", err)
			},
		})
		if err != nil {
			slog.Warn("Wake word detection disabled", "error", err)
		} else {
			defer detector.Stop()
		}
	}

	router := api.NewRouter(api.RouterConfig{
		Handler:        api.NewHandler(facade),
		Health:         api.NewHealthHandler(checks, 5*time.Second),
		Gatherer:       reg,
		AllowedOrigins: cfg.AllowedOrigins(),
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second, // connect may wait for the handshake
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			stop()
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped successfully")
}

func openStore(cfg *config.Config) (outbox.Store, error) {
	if cfg.Outbox.Driver == config.DriverMemory {
		slog.Warn("Using in-memory outbox, queued messages will not survive a restart")
		return outbox.NewMemoryStore(), nil
	}
	return outbox.NewSQLite(cfg.Outbox.DBPath)
}
