package anchor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS anchor_ledger (
    id          BIGSERIAL PRIMARY KEY,
    digest      BYTEA       NOT NULL,
    anchored_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_anchor_ledger_digest ON anchor_ledger (digest);
`

// PostgresBackend records digests in an append-only table.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend connects a pool and verifies it with a ping.
func NewPostgresBackend(ctx context.Context, dsn string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open anchor pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping anchor pool: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (b *PostgresBackend) Name() string { return "postgres" }

func (b *PostgresBackend) Migrate(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("migrate anchor ledger: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Submit(ctx context.Context, digest [32]byte) (Receipt, error) {
	var (
		seq int64
		at  time.Time
	)
	err := b.pool.QueryRow(ctx,
		`INSERT INTO anchor_ledger (digest) VALUES ($1) RETURNING id, anchored_at`,
		digest[:],
	).Scan(&seq, &at)
	if err != nil {
		return Receipt{}, fmt.Errorf("insert anchor: %w", err)
	}
	return Receipt{Reference: "pg:" + strconv.FormatInt(seq, 10), Timestamp: at.UTC()}, nil
}

// Count reports how many digests carry the given value.
func (b *PostgresBackend) Count(ctx context.Context, digest [32]byte) (int, error) {
	var n int
	if err := b.pool.QueryRow(ctx, `SELECT count(*) FROM anchor_ledger WHERE digest = $1`, digest[:]).Scan(&n); err != nil {
		return 0, fmt.Errorf("count anchors: %w", err)
	}
	return n, nil
}

func (b *PostgresBackend) Close() {
	b.pool.Close()
}
