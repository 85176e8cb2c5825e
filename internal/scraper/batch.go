package scraper

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/iiviie/go-harvester/internal/metrics"
	"github.com/iiviie/go-harvester/internal/models"
	"github.com/iiviie/go-harvester/internal/reddit"
)

// FetchReport counts the outcome of every unit in a batch
type FetchReport struct {
	Requested int `json:"requested"`
	Succeeded int `json:"succeeded"`
	Partial   int `json:"partial"`
	Missing   int `json:"missing"`
	Failed    int `json:"failed"`
	// OutOfWindow counts submissions dropped after the fetch because their
	// live creation time fell outside the requested window.
	OutOfWindow int `json:"out_of_window"`
}

type outcome struct {
	id     string
	list   models.RecordList
	detail *Detail
	err    error
}

// BatchFetcher runs one fetch unit per submission id. Every unit is started
// at once; the connection gate of the live client decides how many of them
// are talking to the network at any moment.
type BatchFetcher struct {
	detail *DetailFetcher
	logger *slog.Logger
}

// NewBatchFetcher creates a batch fetcher around detail
func NewBatchFetcher(detail *DetailFetcher, logger *slog.Logger) *BatchFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchFetcher{detail: detail, logger: logger}
}

// FetchAll fetches and flattens every id. A unit that fails never cancels or
// delays its siblings; FetchAll waits for all of them and returns the
// successful record lists in completion order. Failed ids are simply absent
// from the batch and counted in the report.
func (b *BatchFetcher) FetchAll(ctx context.Context, ids []string) (models.Batch, FetchReport) {
	report := FetchReport{Requested: len(ids)}
	results := make(chan outcome, len(ids))

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			d, err := b.detail.Fetch(ctx, id)
			if err != nil {
				results <- outcome{id: id, err: err}
				return
			}
			results <- outcome{id: id, list: Flatten(d.Thread), detail: d}
		}(id)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	batch := make(models.Batch, 0, len(ids))
	for res := range results {
		switch {
		case res.err == nil:
			report.Succeeded++
			if res.detail.Partial {
				report.Partial++
			}
			metrics.Fetches.WithLabelValues("ok").Inc()
			batch = append(batch, res.list)
		case errors.Is(res.err, reddit.ErrNotFound), errors.Is(res.err, reddit.ErrForbidden):
			// archive hits regularly vanish from the live site
			report.Missing++
			metrics.Fetches.WithLabelValues("missing").Inc()
			b.logger.Info("submission not available", "submission_id", res.id, "error", res.err)
		default:
			report.Failed++
			metrics.Fetches.WithLabelValues("failed").Inc()
			b.logger.Warn("submission fetch failed", "submission_id", res.id, "error", res.err)
		}
	}
	return batch, report
}
