package priming

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultBulkWorkers bounds concurrent fetches so a big priming pass does
	// not starve the rest of the app (or trip relay rate limits).
	DefaultBulkWorkers = 5

	bulkMaxRetries = 4
)

// BulkFetch runs fn once per item with at most workers in flight. Each item
// retries with capped exponential backoff; the first definitive failure
// cancels the remaining work and is returned.
func BulkFetch[T any](ctx context.Context, items []T, workers int, fn func(context.Context, T) error) error {
	if len(items) == 0 {
		return nil
	}
	if workers <= 0 {
		workers = DefaultBulkWorkers
	}
	if workers > len(items) {
		workers = len(items)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	sem := make(chan struct{}, workers)

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(item T) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fetchWithRetry(ctx, item, fn); err != nil {
				errOnce.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}(item)
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

func fetchWithRetry[T any](ctx context.Context, item T, fn func(context.Context, T) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0
	return backoff.Retry(
		func() error { return fn(ctx, item) },
		backoff.WithContext(backoff.WithMaxRetries(bo, bulkMaxRetries), ctx),
	)
}
