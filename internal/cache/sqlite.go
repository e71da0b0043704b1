package cache

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"time"

	"uisassist-backend/pkg/migrations"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

//go:embed schema.sql
var Schema string

type SqliteStore struct {
	db *sql.DB
}

// OpenSqliteStore opens the cache database at path (":memory:" for a
// throwaway one) and creates the table if needed.
func OpenSqliteStore(path string) (SqliteStore, error) {
	db, err := migrations.OpenAndMigrateDB(Schema, path)
	if err != nil {
		return SqliteStore{}, err
	}
	return SqliteStore{db: db}, nil
}

func (s SqliteStore) Get(ctx context.Context, key string) (Entry, error) {
	ctx, span := tracer.Start(ctx, "sqlite:get")
	defer span.End()
	span.SetAttributes(attribute.String("cache_key", key))

	var payload []byte
	var storedAt int64
	err := s.db.QueryRowContext(
		ctx,
		"select payload, stored_at from cache_entry where key = ?",
		key,
	).Scan(&payload, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read cache entry")
		return Entry{}, err
	}
	return Entry{Payload: payload, Timestamp: time.UnixMilli(storedAt)}, nil
}

func (s SqliteStore) Set(ctx context.Context, key string, entry Entry) error {
	ctx, span := tracer.Start(ctx, "sqlite:set")
	defer span.End()
	span.SetAttributes(attribute.String("cache_key", key))

	_, err := s.db.ExecContext(
		ctx,
		`insert into cache_entry (key, payload, stored_at) values (?, ?, ?)
		on conflict (key) do update set payload = excluded.payload, stored_at = excluded.stored_at`,
		key,
		entry.Payload,
		entry.Timestamp.UnixMilli(),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to write cache entry")
		return err
	}
	return nil
}

func (s SqliteStore) Close() error {
	return s.db.Close()
}
