// Package store persists voicebook state under a small set of well-known keys.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Well-known keys.
const (
	KeyTranscript = "transcript"
	KeyBook       = "book"
	KeyMemory     = "memory"
)

// ErrNotFound is returned by Get when nothing has been stored under the key.
var ErrNotFound = errors.New("store: key not found")

// Store is a flat string key/value store. Put overwrites.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	Close() error
}

// ValidKey reports whether key is one of the keys the system persists.
func ValidKey(key string) bool {
	switch key {
	case KeyTranscript, KeyBook, KeyMemory:
		return true
	default:
		return false
	}
}

// GetOr returns def when key is missing.
func GetOr(ctx context.Context, s Store, key, def string) (string, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	return v, err
}

// Open picks a backend from a DSN: "" or "memory://" for the in-process map, "redis://" or
// "rediss://" for redis, "postgres://" or "postgresql://" for postgres and "http://" or
// "https://" for a remote gateway's state endpoints.
func Open(ctx context.Context, dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || strings.HasPrefix(dsn, "memory://"):
		return NewMemory(), nil
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		return OpenRedis(ctx, RedisParams{URL: dsn})
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(ctx, dsn)
	case strings.HasPrefix(dsn, "http://"), strings.HasPrefix(dsn, "https://"):
		return NewHTTP(dsn, nil), nil
	default:
		return nil, fmt.Errorf("store: unsupported dsn scheme %q", schemeOf(dsn))
	}
}

func schemeOf(dsn string) string {
	if i := strings.Index(dsn, "://"); i > 0 {
		return dsn[:i]
	}
	return dsn
}

// Memory keeps values in process memory.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Put(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) Close() error { return nil }
