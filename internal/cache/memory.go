// Package cache holds manifest cache backends.
package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"cloudrelay/internal/domain"
)

// Memory keeps manifests in process memory. Expired entries are swept every
// cleanupInterval.
type Memory struct {
	db *gocache.Cache
}

func NewMemory(defaultTTL, cleanupInterval time.Duration) *Memory {
	return &Memory{db: gocache.New(defaultTTL, cleanupInterval)}
}

func (m *Memory) Get(_ context.Context, key string) ([]domain.ManifestEntry, bool, error) {
	x, found := m.db.Get(key)
	if !found {
		return nil, false, nil
	}
	entries, ok := x.([]domain.ManifestEntry)
	if !ok {
		m.db.Delete(key)
		return nil, false, nil
	}
	return append([]domain.ManifestEntry(nil), entries...), true, nil
}

func (m *Memory) Set(_ context.Context, key string, entries []domain.ManifestEntry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	m.db.Set(key, append([]domain.ManifestEntry(nil), entries...), ttl)
	return nil
}

func (m *Memory) Len() int {
	return m.db.ItemCount()
}
