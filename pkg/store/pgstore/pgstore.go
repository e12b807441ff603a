// Package pgstore persists artifacts in PostgreSQL.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and, when migrate is true, applies migrations first.
func Open(ctx context.Context, dsn string, migrate bool) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	if migrate {
		if err := Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &Store{pool: pool}, nil
}

// Migrate applies the embedded migrations through a database/sql view of
// the pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(database.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("pgstore: migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) (store.Ref, error) {
	if err := store.ValidateKey(key); err != nil {
		return store.Ref{}, err
	}
	if data == nil {
		data = []byte{}
	}
	var storedAt time.Time
	err := s.pool.QueryRow(ctx, `
		INSERT INTO studio_artifacts (key, content_type, size, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			content_type = EXCLUDED.content_type,
			size = EXCLUDED.size,
			data = EXCLUDED.data,
			created_at = now()
		RETURNING created_at`,
		key, contentType, len(data), data).Scan(&storedAt)
	if err != nil {
		return store.Ref{}, fmt.Errorf("pgstore: put %q: %w", key, err)
	}
	return store.Ref{Key: key, URL: "postgres://" + key, Size: len(data), ContentType: contentType, StoredAt: storedAt}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, string, error) {
	var (
		data        []byte
		contentType string
	)
	err := s.pool.QueryRow(ctx, `SELECT data, content_type FROM studio_artifacts WHERE key = $1`, key).Scan(&data, &contentType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", store.ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("pgstore: get %q: %w", key, err)
	}
	return data, contentType, nil
}
