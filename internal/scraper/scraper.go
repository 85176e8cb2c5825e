package scraper

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/iiviie/go-harvester/internal/archive"
	"github.com/iiviie/go-harvester/internal/metrics"
	"github.com/iiviie/go-harvester/internal/models"
	"github.com/iiviie/go-harvester/internal/storage"
)

// Mode names how a run discovered its submission ids
type Mode string

const (
	ModeHistorical Mode = "historical"
	ModeRecent     Mode = "recent"
)

// Index is the archival search used by historical runs
type Index interface {
	Lookup(ctx context.Context, q archive.Query) iter.Seq2[string, error]
}

// Opener builds a live client for one run. The scraper closes it when the
// run ends, whatever the outcome.
type Opener func(ctx context.Context) (LiveSource, error)

// Options tunes a RedditScraper
type Options struct {
	// MinComments is the coarse archive filter for historical runs:
	// only submissions with more comments are looked up. Negative disables it.
	MinComments int
	Retry       RetryPolicy
	ExpandLimit int
	Logger      *slog.Logger
}

// RunResult is the output of one pipeline run
type RunResult struct {
	ID         uuid.UUID    `json:"id"`
	Mode       Mode         `json:"mode"`
	Subreddit  string       `json:"subreddit"`
	After      int64        `json:"after,omitempty"`
	Before     int64        `json:"before,omitempty"`
	Batch      models.Batch `json:"-"`
	Report     FetchReport  `json:"report"`
	Stats      models.Stats `json:"stats"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// RedditScraper discovers submission ids, hydrates them from the live API
// and assembles the flattened batch
type RedditScraper struct {
	index   Index
	open    Opener
	storage storage.Storage
	opts    Options
	logger  *slog.Logger
}

// NewRedditScraper creates a new scraper. index may be nil when only recent
// runs are needed; store may be nil when results are not persisted.
func NewRedditScraper(index Index, open Opener, store storage.Storage, opts Options) *RedditScraper {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedditScraper{
		index:   index,
		open:    open,
		storage: store,
		opts:    opts,
		logger:  logger,
	}
}

// Historical collects the submissions of subreddit created in [start, end).
// Ids come from the archive, which is only a hint: the live creation time
// decides, and submissions outside the window are dropped after the fetch.
// A failing archive aborts the run; failing submissions only shrink the batch.
func (rs *RedditScraper) Historical(ctx context.Context, subreddit string, start, end time.Time) (*RunResult, error) {
	if rs.index == nil {
		return nil, fmt.Errorf("historical run: %w", archive.ErrIndexUnavailable)
	}
	var filter *archive.Predicate
	if rs.opts.MinComments >= 0 {
		filter = archive.MinComments(rs.opts.MinComments)
	}
	q := archive.Window(subreddit, start, end, filter)
	if err := q.Validate(); err != nil {
		return nil, err
	}

	run := rs.newRun(ModeHistorical, subreddit)
	run.After, run.Before = q.After, q.Before

	ids, err := archive.Collect(rs.index.Lookup(ctx, q), 0)
	if err != nil {
		rs.logger.Error("archive lookup failed", "subreddit", subreddit, "error", err)
		return nil, fmt.Errorf("discover r/%s: %w", subreddit, err)
	}
	ids = dedupe(ids)
	rs.logger.Info("discovered submissions", "run_id", run.ID, "subreddit", subreddit,
		"after", q.After, "before", q.Before, "count", len(ids))

	err = rs.withSource(ctx, func(src LiveSource) error {
		run.Batch, run.Report = rs.fetchAll(ctx, src, ids)
		return nil
	})
	if err != nil {
		return nil, err
	}

	kept := run.Batch[:0]
	for _, list := range run.Batch {
		created := list.Submission().CreatedUTC
		if created < q.After || created >= q.Before {
			run.Report.OutOfWindow++
			run.Report.Succeeded--
			continue
		}
		kept = append(kept, list)
	}
	run.Batch = kept

	return rs.finish(run), nil
}

// Recent collects the limit newest submissions of subreddit straight from
// the live listing. The archive is never consulted; the fetch and flatten
// path is the same one Historical uses.
func (rs *RedditScraper) Recent(ctx context.Context, subreddit string, limit int) (*RunResult, error) {
	if limit < 1 {
		return nil, fmt.Errorf("recent run: limit must be positive, got %d", limit)
	}
	run := rs.newRun(ModeRecent, subreddit)

	err := rs.withSource(ctx, func(src LiveSource) error {
		ids, err := backoff.Retry(ctx, func() ([]string, error) {
			ids, err := src.New(ctx, subreddit, limit)
			if err != nil {
				return nil, retryable(err)
			}
			return ids, nil
		}, rs.opts.Retry.options(func(err error, next time.Duration) {
			rs.logger.Debug("retrying listing", "subreddit", subreddit, "error", err, "backoff", next)
		})...)
		if err != nil {
			return fmt.Errorf("list r/%s: %w", subreddit, err)
		}
		ids = dedupe(ids)
		if len(ids) > limit {
			ids = ids[:limit]
		}
		rs.logger.Info("listed submissions", "run_id", run.ID, "subreddit", subreddit, "count", len(ids))

		run.Batch, run.Report = rs.fetchAll(ctx, src, ids)
		return nil
	})
	if err != nil {
		rs.logger.Error("recent run failed", "subreddit", subreddit, "error", err)
		return nil, err
	}
	return rs.finish(run), nil
}

// Save persists a run with the configured storage
func (rs *RedditScraper) Save(ctx context.Context, run *RunResult) error {
	if rs.storage == nil {
		return nil
	}
	rec := storage.Run{
		ID:          run.ID.String(),
		Mode:        string(run.Mode),
		Subreddit:   run.Subreddit,
		After:       run.After,
		Before:      run.Before,
		Requested:   run.Report.Requested,
		Submissions: run.Stats.Submissions,
		Comments:    run.Stats.Comments,
		Missing:     run.Report.Missing,
		Failed:      run.Report.Failed,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
	}
	if err := rs.storage.SaveBatch(ctx, rec, run.Batch); err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	rs.logger.Info("saved run", "run_id", run.ID, "submissions", run.Stats.Submissions, "comments", run.Stats.Comments)
	return nil
}

func (rs *RedditScraper) fetchAll(ctx context.Context, src LiveSource, ids []string) (models.Batch, FetchReport) {
	detail := NewDetailFetcher(src, rs.opts.Retry, rs.opts.ExpandLimit, rs.logger)
	return NewBatchFetcher(detail, rs.logger).FetchAll(ctx, ids)
}

// withSource opens a live client for the duration of fn
func (rs *RedditScraper) withSource(ctx context.Context, fn func(LiveSource) error) (err error) {
	src, err := rs.open(ctx)
	if err != nil {
		return fmt.Errorf("open live source: %w", err)
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(src)
}

func (rs *RedditScraper) newRun(mode Mode, subreddit string) *RunResult {
	return &RunResult{
		ID:        uuid.New(),
		Mode:      mode,
		Subreddit: subreddit,
		StartedAt: time.Now().UTC(),
	}
}

func (rs *RedditScraper) finish(run *RunResult) *RunResult {
	run.FinishedAt = time.Now().UTC()
	run.Stats = run.Batch.Stats()
	metrics.RunDuration.WithLabelValues(string(run.Mode)).Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())
	rs.logger.Info("run finished",
		"run_id", run.ID,
		"mode", run.Mode,
		"subreddit", run.Subreddit,
		"requested", run.Report.Requested,
		"submissions", run.Stats.Submissions,
		"comments", run.Stats.Comments,
		"missing", run.Report.Missing,
		"failed", run.Report.Failed,
		"partial", run.Report.Partial,
		"out_of_window", run.Report.OutOfWindow)
	return run
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		id = models.ShortID(id)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
