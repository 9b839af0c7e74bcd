// Package postgres answers blob usage questions from a PostgreSQL reference table.
//
// Expected schema:
//
//	CREATE TABLE blob_references (
//	    store_name TEXT NOT NULL,
//	    blob_id    TEXT NOT NULL,
//	    asset_path TEXT NOT NULL,
//	    PRIMARY KEY (store_name, blob_id, asset_path)
//	);
package postgres

import (
	"context"
	"errors"
	"fmt"

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

// Checker implements simpleblob.UsageChecker
type Checker struct {
	db DBTX
}

var _ simpleblob.UsageChecker = (*Checker)(nil)

// New creates a checker over db
func New(db DBTX) *Checker {
	return &Checker{db: db}
}

// NewWithPool creates a checker with a connection pool
func NewWithPool(pool *pgxpool.Pool) *Checker {
	return New(pool)
}

// InUse reports whether any asset still references the blob.
func (c *Checker) InUse(ctx context.Context, storeName string, id simpleblob.BlobID, headers map[string]string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM blob_references WHERE store_name = $1 AND blob_id = $2
		)`

	var exists bool
	if err := c.db.QueryRow(ctx, query, storeName, string(id)).Scan(&exists); err != nil {
		return false, handlePostgresError("check blob usage", err)
	}
	return exists, nil
}

// AddReference records that assetPath uses the blob.
func (c *Checker) AddReference(ctx context.Context, storeName string, id simpleblob.BlobID, assetPath string) error {
	query := `
		INSERT INTO blob_references (store_name, blob_id, asset_path)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`

	if _, err := c.db.Exec(ctx, query, storeName, string(id), assetPath); err != nil {
		return handlePostgresError("add blob reference", err)
	}
	return nil
}

// RemoveReference drops the reference of assetPath to the blob.
func (c *Checker) RemoveReference(ctx context.Context, storeName string, id simpleblob.BlobID, assetPath string) (bool, error) {
	query := `DELETE FROM blob_references WHERE store_name = $1 AND blob_id = $2 AND asset_path = $3`

	tag, err := c.db.Exec(ctx, query, storeName, string(id), assetPath)
	if err != nil {
		return false, handlePostgresError("remove blob reference", err)
	}
	return tag.RowsAffected() > 0, nil
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
