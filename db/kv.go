package db

import (
	"context"
	"database/sql"
	"errors"
)

// KV persists small pieces of job state (markers, checkpoints) in the kv table.
type KV struct {
	DB *sql.DB
}

// Get returns the value for key, or "" when the key is unset.
func (k *KV) Get(ctx context.Context, key string) (string, error) {
	var v sql.NullString
	err := k.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v.String, nil
}

// Set upserts key=value.
func (k *KV) Set(ctx context.Context, key, value string) error {
	_, err := k.DB.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, value)
	return err
}
