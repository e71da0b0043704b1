package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// BadgerStore keeps gob encoded entries in an embedded badger database.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens the database in dir, an empty dir keeps it in memory.
func OpenBadgerStore(dir string) (BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return BadgerStore{}, err
	}
	return BadgerStore{db: db}, nil
}

func (s BadgerStore) Get(ctx context.Context, key string) (Entry, error) {
	_, span := tracer.Start(ctx, "badger:get")
	defer span.End()
	span.SetAttributes(attribute.String("cache_key", key))

	var serialized []byte
	err := s.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get([]byte(key))
		if err != nil {
			return err
		}
		serialized, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read badger item")
		return Entry{}, err
	}

	var entry Entry
	err = gob.NewDecoder(bytes.NewBuffer(serialized)).Decode(&entry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to deserialize cached item")
		return Entry{}, err
	}
	return entry, nil
}

func (s BadgerStore) Set(ctx context.Context, key string, entry Entry) error {
	_, span := tracer.Start(ctx, "badger:set")
	defer span.End()
	span.SetAttributes(attribute.String("cache_key", key))

	serialized := bytes.NewBuffer(nil)
	err := gob.NewEncoder(serialized).Encode(entry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to serialize entry")
		return err
	}
	err = s.db.Update(func(tx *badger.Txn) error {
		return tx.Set([]byte(key), serialized.Bytes())
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to set badger item")
		return err
	}
	return nil
}

func (s BadgerStore) Close() error {
	return s.db.Close()
}
