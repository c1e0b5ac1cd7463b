package storage

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

var _ ObjectStorage = (*RateLimited)(nil)

// RateLimited throttles requests to the remote store with a token bucket
// shared by all workers of a run.
type RateLimited struct {
	inner   ObjectStorage
	limiter *rate.Limiter
}

// NewRateLimited wraps inner with a limit of rps requests per second.
// A non-positive rps disables limiting and returns inner.
func NewRateLimited(inner ObjectStorage, rps float64, burst int) ObjectStorage {
	if rps <= 0 {
		return inner
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *RateLimited) Open(ctx context.Context, objectPath string) (io.ReadCloser, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Open(ctx, objectPath)
}

func (r *RateLimited) Download(ctx context.Context, objectPath, localPath string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return r.inner.Download(ctx, objectPath, localPath)
}

func (r *RateLimited) Exists(ctx context.Context, objectPath string) (bool, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return false, err
	}
	return r.inner.Exists(ctx, objectPath)
}
