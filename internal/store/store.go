// Package store provides the shared key-value state used by every router
// instance: health records, circuit states, counters, cached responses and
// coalesce entries.
//
// The store offers single-key operations only. There are no transactions
// and no locks, so read-modify-write sequences built on top of it are best
// effort. Increment is the one atomic primitive.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrNotFound is returned when a key is missing or has expired.
var ErrNotFound = errors.New("key not found")

// Store is a key-value store with per-entry TTL. A TTL of zero means the
// entry never expires.
type Store interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value and TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Increment adds delta to the integer stored under key and returns the
	// new value. A missing key counts from zero and receives ttl; an
	// existing key keeps its current expiry.
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// GetJSON decodes the JSON value stored under key into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v as JSON and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}

// GetInt reads an integer counter. A missing key reads as zero.
func GetInt(ctx context.Context, s Store, key string) (int64, error) {
	data, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %s: %w", key, err)
	}
	return n, nil
}
