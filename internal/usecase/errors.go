package usecase

import (
	"context"
	"errors"
	"fmt"

	"cloudrelay/internal/domain"
)

// ErrRepository marks relay journal failures.
var ErrRepository = errors.New("repository error")

// ErrNoVideos is a NotFound: the share exists but holds nothing playable.
var ErrNoVideos = fmt.Errorf("no video files in share: %w", domain.ErrNotFound)

// wrapUpstream maps a provider failure onto the relay taxonomy. A failure
// that happened after the open deadline fired is reported as a timeout even
// when the provider surfaced it as a plain cancellation.
func wrapUpstream(ctx context.Context, provider string, err error) error {
	if err == nil {
		return nil
	}
	if domain.IsKnown(err) {
		if openTimedOut(ctx) && errors.Is(err, domain.ErrUpstreamUnavailable) && !domain.IsTimeout(err) {
			return &domain.UpstreamError{Provider: provider, Timeout: true, Err: err}
		}
		return err
	}
	if openTimedOut(ctx) {
		return &domain.UpstreamError{Provider: provider, Timeout: true, Err: err}
	}
	return domain.Upstream(provider, err)
}

func openTimedOut(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(context.Cause(ctx), context.DeadlineExceeded)
}

func wrapRepo(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrRepository, err)
}
