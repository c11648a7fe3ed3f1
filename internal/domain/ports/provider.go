package ports

import (
	"context"
	"io"

	"cloudrelay/internal/domain"
)

// RangeSource opens byte-range read streams of one remote file. The returned
// stream yields exactly r.Length() bytes unless it fails; closing it releases
// the upstream connection.
type RangeSource interface {
	OpenRange(ctx context.Context, r domain.ByteRange) (io.ReadCloser, error)
}

type ResolvedFile struct {
	Ref    domain.RemoteFileRef
	Source RangeSource
}

// Provider resolves share locators of one cloud-storage service.
type Provider interface {
	Name() string
	Supports(loc domain.Locator) bool
	Resolve(ctx context.Context, loc domain.Locator, nodeID string) (ResolvedFile, error)
	List(ctx context.Context, loc domain.Locator) ([]domain.ManifestEntry, error)
}
