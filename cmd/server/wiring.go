package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"docseal/internal/document/anchor"
	"docseal/internal/platform/config"
	platformredis "docseal/internal/platform/redis"
	"docseal/internal/ratelimit"
	httptransport "docseal/internal/transport/http"
	"docseal/pkg/platform/audit"
	"docseal/pkg/platform/audit/store/kafka"
	"docseal/pkg/platform/audit/store/memory"
	auditpg "docseal/pkg/platform/audit/store/postgres"
)

func openAnchorBackend(ctx context.Context, cfg config.Config, redisClient *platformredis.Client) (anchor.Backend, func(), error) {
	noop := func() {}
	switch cfg.Anchor.Backend {
	case "memory":
		return anchor.NewMemoryLedger(), noop, nil
	case "badger":
		l, err := anchor.OpenBadgerLedger(cfg.Anchor.BadgerPath)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	case "http":
		b, err := anchor.NewHTTPBackend(cfg.Anchor.URL,
			anchor.WithHTTPClient(&http.Client{Timeout: cfg.Anchor.Timeout}))
		if err != nil {
			return nil, nil, err
		}
		return b, noop, nil
	case "redis":
		if redisClient == nil {
			return nil, nil, fmt.Errorf("redis anchor backend needs REDIS_URL")
		}
		b, err := anchor.NewRedisBackend(redisClient.Client, cfg.Anchor.Stream, 0)
		if err != nil {
			return nil, nil, err
		}
		return b, noop, nil
	case "postgres":
		b, err := anchor.NewPostgresBackend(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := b.Migrate(ctx); err != nil {
			b.Close()
			return nil, nil, err
		}
		return b, b.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown anchor backend %q", cfg.Anchor.Backend)
}

// auditSink is the selected audit store plus any background workers and
// health checks it brings along.
type auditSink struct {
	store   audit.Store
	workers []func(ctx context.Context) error
	checks  map[string]httptransport.HealthCheck
	closers []func()
}

func (s auditSink) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openAuditSink picks the audit store. With a database the outbox is
// authoritative and, when brokers are configured, relayed to Kafka. Brokers
// alone publish directly. Otherwise events stay in memory.
func openAuditSink(ctx context.Context, cfg config.Config, log *slog.Logger) (auditSink, error) {
	sink := auditSink{checks: map[string]httptransport.HealthCheck{}}

	var producer *kafka.Store
	if len(cfg.Kafka.Brokers) > 0 {
		p, err := kafka.New(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return sink, err
		}
		sink.closers = append(sink.closers, p.Close)
		if err := p.EnsureTopic(ctx, 1, 1); err != nil {
			sink.close()
			return auditSink{}, err
		}
		producer = p
	}

	if cfg.Postgres.DSN != "" {
		db, err := auditpg.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			sink.close()
			return auditSink{}, err
		}
		sink.closers = append(sink.closers, func() { _ = db.Close() })
		store := auditpg.New(db)
		if err := store.Migrate(ctx); err != nil {
			sink.close()
			return auditSink{}, err
		}
		sink.store = store
		sink.checks["postgres"] = pinger(db)
		if producer != nil {
			relay := auditpg.NewRelay(db, producer, log)
			sink.workers = append(sink.workers, relay.Run)
		}
		return sink, nil
	}

	if producer != nil {
		sink.store = producer
		return sink, nil
	}
	log.Warn("audit events kept in memory; configure DATABASE_URL or KAFKA_BROKERS for durable audit")
	sink.store = memory.NewInMemoryStore()
	return sink, nil
}

func pinger(db *sql.DB) httptransport.HealthCheck {
	return func(ctx context.Context) error {
		return db.PingContext(ctx)
	}
}

// verifyLimiter throttles verification per client IP. Windows are shared
// through Redis when it is configured, with a local fallback while it is down.
func verifyLimiter(cfg config.Config, redisClient *platformredis.Client, log *slog.Logger) func(http.Handler) http.Handler {
	if !cfg.Limits.Enabled {
		return nil
	}
	local := ratelimit.NewMemoryStore()
	var store ratelimit.Store = local
	if redisClient != nil {
		store = ratelimit.NewRedisStore(redisClient.Client, "")
	}
	limiter := ratelimit.New(store, cfg.Limits.VerifyLimit, cfg.Limits.Window,
		ratelimit.WithFallback(local),
		ratelimit.WithLogger(log),
	)
	return limiter.Handler
}
