package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/covenant-labs/warden/pkg/audit"
	"github.com/covenant-labs/warden/pkg/config"
	"github.com/covenant-labs/warden/pkg/delegate"
	"github.com/covenant-labs/warden/pkg/guardian"
	"github.com/covenant-labs/warden/pkg/handoff"
	"github.com/covenant-labs/warden/pkg/loopdetect"
	"github.com/covenant-labs/warden/pkg/observability"
	"github.com/covenant-labs/warden/pkg/permission"
	"github.com/covenant-labs/warden/pkg/ratelimit"
	"github.com/covenant-labs/warden/pkg/trustcatalog"
	"github.com/covenant-labs/warden/pkg/twofactor"
)

func main() {
	if err := run(); err != nil {
		slog.Error("warden exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "warden",
		ServiceVersion: "1.0.0",
		Environment:    envName(),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.TelemetryEnabled,
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	store, closeStore, err := openAuditStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	logger, err := audit.NewLogger(ctx, store)
	if err != nil {
		return fmt.Errorf("audit chain: %w", err)
	}

	catalog := trustcatalog.Default()
	if cfg.ProfilePath != "" {
		catalog, err = catalog.LoadProfile(cfg.ProfilePath)
		if err != nil {
			return fmt.Errorf("trust profile: %w", err)
		}
		slog.Info("trust profile applied", "path", cfg.ProfilePath)
	}

	limiter, closeLimiter, err := openLimiter(cfg)
	if err != nil {
		return err
	}
	defer closeLimiter()

	perms, err := permission.NewManager(catalog, limiter)
	if err != nil {
		return fmt.Errorf("permission manager: %w", err)
	}

	g, err := guardian.New(guardian.Components{
		Catalog:     catalog,
		Permissions: perms,
		Audit:       logger,
		Loops:       loopdetect.New(loopdetect.Config{}),
		Handoffs: handoff.NewManager(handoff.Config{
			DefaultDeadline: cfg.HandoffDeadline,
			GrantTTL:        cfg.GrantTTL,
			SigningKey:      []byte(cfg.GrantSigningKey),
		}),
		Challenges: twofactor.NewManager(twofactor.Config{}),
		// No delegate is registered here; REQUIRE_MANAGER_APPROVAL
		// falls back to a human handoff until one is plugged in.
		Arbiter: delegate.NewArbiter(nil, delegate.Config{
			EscalationCategories: permission.DefaultEscalationCategories,
		}),
		Logger: slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("guardian: %w", err)
	}

	events, cancelEvents := g.Subscribe()
	defer cancelEvents()
	go logEvents(events)

	if cfg.S3Bucket != "" {
		archiver, err := audit.NewS3Archiver(ctx, audit.S3ArchiverConfig{
			Bucket:   cfg.S3Bucket,
			Prefix:   cfg.S3Prefix,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			return fmt.Errorf("evidence archiver: %w", err)
		}
		go archiveLoop(ctx, logger, archiver)
	}

	go sweepLoop(ctx, g)

	slog.Info("warden running",
		"audit_backend", cfg.AuditBackend,
		"rate_store", limiterName(cfg),
		"telemetry", cfg.TelemetryEnabled,
	)

	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		l = slog.LevelDebug
	case "WARN":
		l = slog.LevelWarn
	case "ERROR":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l})))
}

func envName() string {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		return v
	}
	return "development"
}

func openAuditStore(cfg *config.Config) (audit.Store, func(), error) {
	switch cfg.AuditBackend {
	case "postgres":
		s, err := audit.OpenPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("audit store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	case "sqlite":
		s, err := audit.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("audit store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	case "memory":
		return audit.NewMemoryStore(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("audit store: unknown backend %q", cfg.AuditBackend)
}

func openLimiter(cfg *config.Config) (ratelimit.Store, func(), error) {
	if cfg.RedisURL == "" {
		return ratelimit.NewLocalStore(), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("rate limiter: %w", err)
	}
	client := redis.NewClient(opts)
	return ratelimit.NewRedisStore(client, "warden"), func() { _ = client.Close() }, nil
}

func limiterName(cfg *config.Config) string {
	if cfg.RedisURL == "" {
		return "local"
	}
	return "redis"
}

// logEvents surfaces engine events on the structured log. A real
// deployment replaces this with notification delivery.
func logEvents(events <-chan guardian.Event) {
	for ev := range events {
		attrs := []any{"type", string(ev.Type), "session_id", ev.SessionID}
		if ev.Handoff != nil {
			attrs = append(attrs, "handoff_id", ev.Handoff.ID, "reason", string(ev.Handoff.Reason))
		}
		if ev.TwoFactor != nil {
			attrs = append(attrs, "challenge_id", ev.TwoFactor.ID)
		}
		if ev.Detail != "" {
			attrs = append(attrs, "detail", ev.Detail)
		}
		slog.Info("engine event", attrs...)
	}
}

// sweepLoop expires overdue handoffs and challenges and drops idle
// loop-detection state.
func sweepLoop(ctx context.Context, g *guardian.Guardian) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts := g.SweepExpired(30 * time.Minute)
			if counts.HandoffsExpired > 0 || counts.ChallengesDropped > 0 {
				slog.Info("maintenance sweep",
					"handoffs_expired", counts.HandoffsExpired,
					"challenges_dropped", counts.ChallengesDropped,
					"loop_windows_dropped", counts.LoopWindowsDropped,
				)
			}
		}
	}
}

// archiveLoop periodically exports the audit chain as a verified
// evidence bundle and uploads it to object storage.
func archiveLoop(ctx context.Context, logger *audit.Logger, archiver *audit.S3Archiver) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bundle, err := logger.ExportBundle(ctx, audit.Filter{})
			if err != nil {
				slog.Error("evidence export failed", "error", err)
				continue
			}
			if bundle.EntryCount == 0 {
				continue
			}
			key, err := archiver.Archive(ctx, bundle)
			if err != nil {
				slog.Error("evidence upload failed", "error", err)
				continue
			}
			slog.Info("evidence bundle archived", "key", key, "entries", bundle.EntryCount)
		}
	}
}
