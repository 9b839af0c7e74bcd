// Package postgres persists blob store metrics in PostgreSQL.
//
// Expected schema:
//
//	CREATE TABLE blob_store_metrics (
//	    store_name   TEXT PRIMARY KEY,
//	    blob_count   BIGINT NOT NULL,
//	    total_size   BIGINT NOT NULL,
//	    usable_space JSONB,
//	    updated_at   TIMESTAMPTZ NOT NULL
//	);
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-blob/pkg/simpleblob"
)

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Persister implements metrics.Persister on a PostgreSQL table
type Persister struct {
	db    DBTX
	clock func() time.Time
}

// New creates a persister over db
func New(db DBTX) *Persister {
	return &Persister{db: db, clock: time.Now}
}

// NewWithPool creates a persister with a connection pool
func NewWithPool(pool *pgxpool.Pool) *Persister {
	return New(pool)
}

// Save upserts the snapshot of storeName.
func (p *Persister) Save(ctx context.Context, storeName string, m simpleblob.AggregateMetrics) error {
	var usable []byte
	if m.UsableSpace != nil {
		var err error
		if usable, err = json.Marshal(m.UsableSpace); err != nil {
			return fmt.Errorf("marshal usable space: %w", err)
		}
	}

	query := `
		INSERT INTO blob_store_metrics (store_name, blob_count, total_size, usable_space, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (store_name) DO UPDATE SET
			blob_count = EXCLUDED.blob_count,
			total_size = EXCLUDED.total_size,
			usable_space = EXCLUDED.usable_space,
			updated_at = EXCLUDED.updated_at`

	_, err := p.db.Exec(ctx, query, storeName, m.BlobCount, m.TotalSize, usable, p.clock().UTC())
	if err != nil {
		return handlePostgresError("save metrics", err)
	}
	return nil
}

// Load returns the snapshot of storeName; ok is false when no row exists.
func (p *Persister) Load(ctx context.Context, storeName string) (simpleblob.AggregateMetrics, bool, error) {
	query := `
		SELECT blob_count, total_size, usable_space
		FROM blob_store_metrics WHERE store_name = $1`

	var m simpleblob.AggregateMetrics
	var usable []byte
	err := p.db.QueryRow(ctx, query, storeName).Scan(&m.BlobCount, &m.TotalSize, &usable)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return simpleblob.AggregateMetrics{}, false, nil
		}
		return simpleblob.AggregateMetrics{}, false, handlePostgresError("load metrics", err)
	}
	if len(usable) > 0 {
		if err := json.Unmarshal(usable, &m.UsableSpace); err != nil {
			return simpleblob.AggregateMetrics{}, false, fmt.Errorf("decode usable space: %w", err)
		}
	}
	return m, true, nil
}

func handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P01": // undefined_table
			return fmt.Errorf("table does not exist - database migration required")
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}
	return fmt.Errorf("database error in %s: %w", operation, err)
}
