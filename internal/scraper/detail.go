package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/iiviie/go-harvester/internal/metrics"
	"github.com/iiviie/go-harvester/internal/models"
	"github.com/iiviie/go-harvester/internal/reddit"
)

// ErrStubExpansion marks a reply tree whose stubs could not all be resolved
// within the retry budget. The tree is still usable as fetched so far.
var ErrStubExpansion = errors.New("stub expansion failed")

// LiveSource is the authoritative, always-current API
type LiveSource interface {
	Thread(ctx context.Context, id string) (*models.Thread, error)
	ExpandStubs(ctx context.Context, t *models.Thread, limit int) (reddit.ExpandResult, error)
	New(ctx context.Context, subreddit string, limit int) ([]string, error)
	Close() error
}

// RetryPolicy bounds retries of a single request kind
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (p RetryPolicy) options(notify backoff.Notify) []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		b.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	}
}

// Detail is the outcome of fetching one submission
type Detail struct {
	Thread *models.Thread
	// Partial is set when stub expansion gave up; Thread holds what was
	// materialized and no stubs.
	Partial   bool
	Expansion reddit.ExpandResult
}

// DetailFetcher hydrates one submission id into its full thread
type DetailFetcher struct {
	source      LiveSource
	retry       RetryPolicy
	expandLimit int
	logger      *slog.Logger
	group       singleflight.Group
}

// NewDetailFetcher creates a fetcher over source. expandLimit is passed to
// ExpandStubs; 0 expands every stub.
func NewDetailFetcher(source LiveSource, retry RetryPolicy, expandLimit int, logger *slog.Logger) *DetailFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DetailFetcher{
		source:      source,
		retry:       retry,
		expandLimit: expandLimit,
		logger:      logger,
	}
}

// Fetch retrieves the submission and its complete comment tree. Rate limits
// and transient failures are retried with backoff; not-found and forbidden
// are returned at once. Concurrent calls for the same id share one fetch.
//
// A failed stub expansion does not fail the fetch: after the retry budget
// is spent the remaining stubs are dropped and Detail.Partial is set.
func (f *DetailFetcher) Fetch(ctx context.Context, id string) (*Detail, error) {
	v, err, _ := f.group.Do(id, func() (any, error) {
		return f.fetch(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Detail), nil
}

func (f *DetailFetcher) fetch(ctx context.Context, id string) (*Detail, error) {
	thread, err := backoff.Retry(ctx, func() (*models.Thread, error) {
		t, err := f.source.Thread(ctx, id)
		if err != nil {
			return nil, retryable(err)
		}
		return t, nil
	}, f.retry.options(f.notify("fetch", id))...)
	if err != nil {
		return nil, err
	}

	d := &Detail{Thread: thread}
	if len(thread.Stubs()) == 0 {
		return d, nil
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		limit := f.expandLimit
		if limit > 0 {
			// the cap covers every attempt, not each one
			limit -= d.Expansion.Expanded
			if limit < 1 {
				for _, s := range thread.Stubs() {
					thread.RemoveStub(s)
					d.Expansion.Pruned++
				}
				return struct{}{}, nil
			}
		}
		res, err := f.source.ExpandStubs(ctx, thread, limit)
		d.Expansion.Expanded += res.Expanded
		d.Expansion.Requests += res.Requests
		d.Expansion.Pruned += res.Pruned
		d.Expansion.Orphans += res.Orphans
		if err != nil {
			return struct{}{}, retryable(err)
		}
		return struct{}{}, nil
	}, f.retry.options(f.notify("expand", id))...)
	if d.Expansion.Orphans > 0 {
		metrics.OrphansDropped.Add(float64(d.Expansion.Orphans))
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.StubExpansions.WithLabelValues("failed").Inc()
		for _, s := range thread.Stubs() {
			thread.RemoveStub(s)
		}
		d.Partial = true
		f.logger.Warn("reply tree partially expanded",
			"submission_id", id, "error", fmt.Errorf("%w: %w", ErrStubExpansion, err))
		return d, nil
	}
	metrics.StubExpansions.WithLabelValues("ok").Inc()
	return d, nil
}

func (f *DetailFetcher) notify(op, id string) backoff.Notify {
	return func(err error, next time.Duration) {
		f.logger.Debug("retrying",
			"op", op, "submission_id", id, "error", err, "backoff", next)
	}
}

// retryable maps client errors onto the backoff vocabulary
func retryable(err error) error {
	if reddit.Permanent(err) {
		return backoff.Permanent(err)
	}
	var rl *reddit.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		secs := int(rl.RetryAfter.Round(time.Second) / time.Second)
		return fmt.Errorf("%w (%w)", err, backoff.RetryAfter(max(secs, 1)))
	}
	return err
}
