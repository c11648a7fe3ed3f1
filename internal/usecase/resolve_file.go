package usecase

import (
	"context"
	"errors"
	"time"

	"cloudrelay/internal/domain"
	"cloudrelay/internal/domain/ports"
	"cloudrelay/internal/metrics"
)

type ResolveResult struct {
	Locator     domain.Locator
	File        ports.ResolvedFile
	ContentType string
}

// ResolveFile turns a share locator and optional node id into a single
// remote file with a range source.
type ResolveFile struct {
	Providers    Providers
	ContentTypes domain.ContentTypes
}

func (uc *ResolveFile) Execute(ctx context.Context, rawLocator, nodeID string) (ResolveResult, error) {
	res, err := uc.execute(ctx, rawLocator, nodeID)
	if err != nil {
		metrics.ResolveErrorsTotal.WithLabelValues(domain.ErrorKind(err)).Inc()
	}
	return res, err
}

func (uc *ResolveFile) execute(ctx context.Context, rawLocator, nodeID string) (ResolveResult, error) {
	loc, err := domain.ParseLocator(rawLocator)
	if err != nil {
		return ResolveResult{}, err
	}
	provider, err := uc.Providers.For(loc)
	if err != nil {
		return ResolveResult{}, err
	}

	started := time.Now()
	file, err := provider.Resolve(ctx, loc, nodeID)
	metrics.UpstreamOpenDuration.WithLabelValues(provider.Name()).Observe(time.Since(started).Seconds())
	if err != nil {
		return ResolveResult{}, wrapUpstream(ctx, provider.Name(), err)
	}
	if file.Source == nil || file.Ref.SizeBytes < 0 {
		return ResolveResult{}, domain.Upstream(provider.Name(), errors.New("provider returned no usable file"))
	}
	if file.Ref.Provider == "" {
		file.Ref.Provider = provider.Name()
	}
	if file.Ref.ShareLocator == "" {
		file.Ref.ShareLocator = loc.Redacted()
	}

	return ResolveResult{
		Locator:     loc,
		File:        file,
		ContentType: uc.ContentTypes.Resolve(file.Ref.Name, file.Ref.MimeType),
	}, nil
}
