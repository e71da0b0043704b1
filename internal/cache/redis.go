package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// RedisStore keeps each entry as a hash with payload and stored_at fields.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) RedisStore {
	return RedisStore{client: client, prefix: prefix}
}

func OpenRedisStore(ctx context.Context, cfg RedisConfig, prefix string) (RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	err := client.Ping(ctx).Err()
	if err != nil {
		client.Close()
		return RedisStore{}, err
	}
	return NewRedisStore(client, prefix), nil
}

func (s RedisStore) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

func (s RedisStore) Get(ctx context.Context, key string) (Entry, error) {
	ctx, span := tracer.Start(ctx, "redis:get")
	defer span.End()
	span.SetAttributes(attribute.String("cache_key", key))

	fields, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read cache entry")
		return Entry{}, err
	}
	payload, ok := fields["payload"]
	if !ok {
		return Entry{}, ErrMiss
	}
	storedAt, err := strconv.ParseInt(fields["stored_at"], 10, 64)
	if err != nil {
		span.RecordError(err)
		return Entry{}, errors.Join(ErrMiss, err)
	}
	return Entry{Payload: []byte(payload), Timestamp: time.UnixMilli(storedAt)}, nil
}

func (s RedisStore) Set(ctx context.Context, key string, entry Entry) error {
	ctx, span := tracer.Start(ctx, "redis:set")
	defer span.End()
	span.SetAttributes(attribute.String("cache_key", key))

	err := s.client.HSet(
		ctx,
		s.key(key),
		"payload", entry.Payload,
		"stored_at", entry.Timestamp.UnixMilli(),
	).Err()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to write cache entry")
		return err
	}
	return nil
}

func (s RedisStore) Close() error {
	return s.client.Close()
}
