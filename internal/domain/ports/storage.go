package ports

import (
	"context"
	"time"

	"cloudrelay/internal/domain"
)

type ManifestCache interface {
	Get(ctx context.Context, key string) ([]domain.ManifestEntry, bool, error)
	Set(ctx context.Context, key string, entries []domain.ManifestEntry, ttl time.Duration) error
}

type RelayJournal interface {
	Insert(ctx context.Context, rec domain.RelayRecord) error
	ListRecent(ctx context.Context, limit int) ([]domain.RelayRecord, error)
}
