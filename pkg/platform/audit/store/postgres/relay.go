package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Sink receives raw outbox payloads, keyed by aggregate.
type Sink interface {
	PublishRaw(ctx context.Context, key string, payload []byte) error
}

// Relay moves unpublished outbox rows to a Sink and marks them published.
type Relay struct {
	db        *sql.DB
	sink      Sink
	logger    *slog.Logger
	batchSize int
	interval  time.Duration
}

func NewRelay(db *sql.DB, sink Sink, logger *slog.Logger) *Relay {
	return &Relay{db: db, sink: sink, logger: logger, batchSize: 100, interval: 2 * time.Second}
}

// Run polls the outbox until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RelayOnce(ctx); err != nil {
				r.logger.WarnContext(ctx, "outbox relay failed", "error", err)
			}
		}
	}
}

// RelayOnce publishes one batch and returns how many rows were published.
// Rows are locked with SKIP LOCKED so several relays can run side by side.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin relay tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, aggregate_id, payload
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("select outbox: %w", err)
	}

	type entry struct {
		id      string
		key     string
		payload []byte
	}
	var batch []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.id, &e.key, &e.payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan outbox: %w", err)
		}
		batch = append(batch, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate outbox: %w", err)
	}

	published := 0
	for _, e := range batch {
		if err := r.sink.PublishRaw(ctx, e.key, e.payload); err != nil {
			break
		}
		if _, err := tx.ExecContext(ctx, `UPDATE outbox SET published_at = now() WHERE id = $1`, e.id); err != nil {
			return 0, fmt.Errorf("mark outbox published: %w", err)
		}
		published++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit relay tx: %w", err)
	}
	return published, nil
}
