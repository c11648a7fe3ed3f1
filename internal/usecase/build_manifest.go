package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/sync/singleflight"

	"cloudrelay/internal/domain"
	"cloudrelay/internal/domain/ports"
	"cloudrelay/internal/metrics"
)

const (
	DefaultManifestTTL = 10 * time.Minute
	StreamPath         = "/stream"
)

type Manifest struct {
	Videos []domain.ManifestEntry `json:"videos"`
	Count  int                    `json:"count"`
}

// BuildManifest lists the playable files of a share. Listings are cached per
// locator and concurrent builds of the same locator share one upstream call.
type BuildManifest struct {
	Providers    Providers
	Cache        ports.ManifestCache
	TTL          time.Duration
	ContentTypes domain.ContentTypes
	Logger       *slog.Logger

	group singleflight.Group
}

func (uc *BuildManifest) Execute(ctx context.Context, rawLocator string) (Manifest, error) {
	loc, err := domain.ParseLocator(rawLocator)
	if err != nil {
		return Manifest{}, err
	}
	provider, err := uc.Providers.For(loc)
	if err != nil {
		return Manifest{}, err
	}

	key := manifestKey(loc.Raw)
	if entries, ok := uc.cached(ctx, key); ok {
		return toManifest(loc.Raw, entries)
	}

	v, err, _ := uc.group.Do(key, func() (any, error) {
		if entries, ok := uc.cached(ctx, key); ok {
			return entries, nil
		}
		listed, err := provider.List(ctx, loc)
		if err != nil {
			return nil, wrapUpstream(ctx, provider.Name(), err)
		}
		entries := uc.videos(listed)
		if len(entries) > 0 && uc.Cache != nil {
			if err := uc.Cache.Set(ctx, key, entries, uc.ttl()); err != nil {
				uc.logger().Warn("manifest cache write failed",
					slog.String("provider", provider.Name()),
					slog.String("error", err.Error()),
				)
			}
		}
		return entries, nil
	})
	if err != nil {
		metrics.ResolveErrorsTotal.WithLabelValues(domain.ErrorKind(err)).Inc()
		return Manifest{}, err
	}
	return toManifest(loc.Raw, v.([]domain.ManifestEntry))
}

func (uc *BuildManifest) cached(ctx context.Context, key string) ([]domain.ManifestEntry, bool) {
	if uc.Cache == nil {
		return nil, false
	}
	entries, ok, err := uc.Cache.Get(ctx, key)
	switch {
	case err != nil:
		metrics.ManifestCacheTotal.WithLabelValues("error").Inc()
		uc.logger().Warn("manifest cache read failed", slog.String("error", err.Error()))
		return nil, false
	case !ok:
		metrics.ManifestCacheTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.ManifestCacheTotal.WithLabelValues("hit").Inc()
	return entries, true
}

// videos keeps the video files of a listing and fills in their content type.
// Relay URLs carry the raw locator, key included, so they are left out here
// and added per response by toManifest.
func (uc *BuildManifest) videos(listed []domain.ManifestEntry) []domain.ManifestEntry {
	out := make([]domain.ManifestEntry, 0, len(listed))
	for _, e := range listed {
		if !domain.IsVideoName(e.Name) {
			continue
		}
		e.MimeType = uc.ContentTypes.Resolve(e.Name, e.MimeType)
		e.StreamURL = ""
		out = append(out, e)
	}
	return out
}

func (uc *BuildManifest) ttl() time.Duration {
	if uc.TTL <= 0 {
		return DefaultManifestTTL
	}
	return uc.TTL
}

func (uc *BuildManifest) logger() *slog.Logger {
	if uc.Logger == nil {
		return slog.Default()
	}
	return uc.Logger
}

func toManifest(rawLocator string, entries []domain.ManifestEntry) (Manifest, error) {
	if len(entries) == 0 {
		return Manifest{}, ErrNoVideos
	}
	videos := make([]domain.ManifestEntry, len(entries))
	for i, e := range entries {
		e.StreamURL = StreamURL(rawLocator, e.ID)
		videos[i] = e
	}
	return Manifest{Videos: videos, Count: len(videos)}, nil
}

// StreamURL builds the relative relay URL of one share member.
func StreamURL(rawLocator, nodeID string) string {
	q := url.Values{}
	q.Set("shareLocator", rawLocator)
	if nodeID != "" {
		q.Set("nodeId", nodeID)
	}
	return StreamPath + "?" + q.Encode()
}

// manifestKey hashes the locator; cached values hold no locator either.
func manifestKey(rawLocator string) string {
	sum := sha256.Sum256([]byte(rawLocator))
	return hex.EncodeToString(sum[:])
}
