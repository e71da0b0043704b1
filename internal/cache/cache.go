// Package cache is the key -> (payload, timestamp) store snapshots are kept
// in between runs. Entries never expire on their own, readers decide
// whether an entry is still fresh for what they need it for.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/purell"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("uisassist.internal.cache")

var ErrMiss = errors.New("cache miss")

type Entry struct {
	Payload   []byte
	Timestamp time.Time
}

type Store interface {
	// Get returns ErrMiss when there is no entry under key.
	Get(ctx context.Context, key string) (Entry, error)
	Set(ctx context.Context, key string, entry Entry) error
	Close() error
}

// Windows are the two freshness windows entries are judged by: short for
// volatile listings (terms, files), long for near static identity data.
type Windows struct {
	Short time.Duration
	Long  time.Duration
}

var DefaultWindows = Windows{
	Short: 5 * time.Minute,
	Long:  12 * time.Hour,
}

// IsFresh reports whether entry was stored less than window ago. Entries
// from the future (clock skew) are not fresh.
func IsFresh(entry Entry, window time.Duration, now time.Time) bool {
	if entry.Timestamp.IsZero() || entry.Timestamp.After(now) {
		return false
	}
	return now.Sub(entry.Timestamp) < window
}

// Key builds a cache key from a namespace and parts.
func Key(namespace string, parts ...string) string {
	return namespace + ":" + strings.Join(parts, ":")
}

// UrlKey builds a cache key for a portal url so trivially different spellings
// of the same link share an entry. The query is left alone since the portal's
// ';' separated params are order and spelling sensitive.
func UrlKey(namespace, link string) (string, error) {
	parsed, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("parse cache url: %w", err)
	}
	normalized := purell.NormalizeURL(
		parsed,
		purell.FlagsSafe|
			purell.FlagsUsuallySafeNonGreedy|
			purell.FlagRemoveDirectoryIndex|
			purell.FlagRemoveFragment,
	)
	return Key(namespace, normalized), nil
}

// GetJSON reads and decodes the entry under key, returning its timestamp.
func GetJSON[T any](ctx context.Context, store Store, key string) (T, time.Time, error) {
	var out T
	entry, err := store.Get(ctx, key)
	if err != nil {
		return out, time.Time{}, err
	}
	err = json.Unmarshal(entry.Payload, &out)
	if err != nil {
		return out, time.Time{}, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, entry.Timestamp, nil
}

// SetJSON encodes value and stores it under key stamped with now.
func SetJSON[T any](ctx context.Context, store Store, key string, value T, now time.Time) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return store.Set(ctx, key, Entry{Payload: payload, Timestamp: now})
}
