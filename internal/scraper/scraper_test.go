package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iiviie/go-harvester/internal/archive"
	"github.com/iiviie/go-harvester/internal/models"
	"github.com/iiviie/go-harvester/internal/reddit"
	"github.com/iiviie/go-harvester/internal/storage"
)

var fastRetry = RetryPolicy{MaxAttempts: 4, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

func submissionIDs(b models.Batch) []string {
	var ids []string
	for _, l := range b {
		ids = append(ids, l.Submission().ID)
	}
	return ids
}

func TestDetailFetcher_RetriesTransient(t *testing.T) {
	src := newFakeSource()
	src.threadErr["flaky"] = []error{reddit.ErrTransient, &reddit.RateLimitError{}}

	d, err := NewDetailFetcher(src, fastRetry, 0, nil).Fetch(context.Background(), "flaky")
	require.NoError(t, err)
	assert.Equal(t, "flaky", d.Thread.Submission.ID)
	assert.Equal(t, 3, src.callsFor("flaky"))
	assert.False(t, d.Partial)
}

func TestDetailFetcher_NotFoundIsNotRetried(t *testing.T) {
	src := newFakeSource()

	_, err := NewDetailFetcher(src, fastRetry, 0, nil).Fetch(context.Background(), "gone")
	assert.ErrorIs(t, err, reddit.ErrNotFound)
	assert.Equal(t, 1, src.callsFor("gone"))
}

func TestDetailFetcher_GivesUp(t *testing.T) {
	src := newFakeSource()
	src.threadErr["down"] = []error{reddit.ErrTransient, reddit.ErrTransient, reddit.ErrTransient, reddit.ErrTransient, reddit.ErrTransient}

	_, err := NewDetailFetcher(src, fastRetry, 0, nil).Fetch(context.Background(), "down")
	assert.ErrorIs(t, err, reddit.ErrTransient)
	assert.Equal(t, 4, src.callsFor("down"))
}

func TestDetailFetcher_ExpandsStubs(t *testing.T) {
	src := newFakeSource()
	src.stubbed["stubby"] = true

	d, err := NewDetailFetcher(src, fastRetry, 0, nil).Fetch(context.Background(), "stubby")
	require.NoError(t, err)
	assert.False(t, d.Partial)
	assert.Empty(t, d.Thread.Stubs())
	assert.Len(t, Flatten(d.Thread), 5)
	assert.Equal(t, 1, d.Expansion.Expanded)
}

func TestDetailFetcher_PartialExpansion(t *testing.T) {
	src := newFakeSource()
	src.stubbed["stubby"] = true
	src.expandErr = reddit.ErrTransient

	retry := fastRetry
	retry.MaxAttempts = 2
	d, err := NewDetailFetcher(src, retry, 0, nil).Fetch(context.Background(), "stubby")
	require.NoError(t, err)
	assert.True(t, d.Partial)
	assert.Empty(t, d.Thread.Stubs(), "pending stubs are dropped")
	assert.Len(t, Flatten(d.Thread), 4)
	assert.Equal(t, 2, src.expands)
	assert.Equal(t, 2, d.Expansion.Requests)
}

func TestDetailFetcher_ExpandLimitSpansRetries(t *testing.T) {
	src := newFakeSource()
	src.stubCount["wide"] = 4
	src.flaky = 2

	d, err := NewDetailFetcher(src, fastRetry, 3, nil).Fetch(context.Background(), "wide")
	require.NoError(t, err)
	assert.False(t, d.Partial)
	assert.Equal(t, []int{3, 2, 1}, src.limits)
	assert.Equal(t, 3, d.Expansion.Expanded)
	assert.Equal(t, 1, d.Expansion.Pruned)
	assert.Empty(t, d.Thread.Stubs())
	assert.Len(t, Flatten(d.Thread), 7)
}

func TestDetailFetcher_NoStubsSkipsExpansion(t *testing.T) {
	src := newFakeSource()

	_, err := NewDetailFetcher(src, fastRetry, 0, nil).Fetch(context.Background(), "plain")
	require.NoError(t, err)
	assert.Zero(t, src.expands)
}

func TestBatchFetcher_FailuresAreIsolated(t *testing.T) {
	src := newFakeSource()
	src.threadErr["down"] = []error{reddit.ErrTransient, reddit.ErrTransient, reddit.ErrTransient, reddit.ErrTransient}

	ids := []string{"a", "b", "c", "d", "gone", "e", "f", "g", "h", "i"}
	batch, report := NewBatchFetcher(NewDetailFetcher(src, fastRetry, 0, nil), nil).FetchAll(context.Background(), ids)

	assert.Len(t, batch, 9)
	assert.NotContains(t, submissionIDs(batch), "gone")
	assert.Equal(t, FetchReport{Requested: 10, Succeeded: 9, Missing: 1}, report)
	for _, list := range batch {
		assert.Len(t, list, 4)
	}

	batch, report = NewBatchFetcher(NewDetailFetcher(src, fastRetry, 0, nil), nil).FetchAll(context.Background(), []string{"a", "down"})
	assert.Equal(t, []string{"a"}, submissionIDs(batch))
	assert.Equal(t, 1, report.Failed)
}

func TestBatchFetcher_Empty(t *testing.T) {
	batch, report := NewBatchFetcher(NewDetailFetcher(newFakeSource(), fastRetry, 0, nil), nil).FetchAll(context.Background(), nil)
	assert.Empty(t, batch)
	assert.Equal(t, FetchReport{}, report)
}

func newTestScraper(index Index, src *fakeSource, store storage.Storage) (*RedditScraper, *int) {
	opened := 0
	open := func(ctx context.Context) (LiveSource, error) {
		opened++
		return src, nil
	}
	return NewRedditScraper(index, open, store, Options{MinComments: 5, Retry: fastRetry}), &opened
}

func TestHistorical(t *testing.T) {
	src := newFakeSource()
	src.created = map[string]int64{"a": 1500, "b": 1999, "c": 2000, "d": 999}
	index := &fakeIndex{ids: []string{"a", "b", "t3_a", "c", "d", "gone"}}
	sc, opened := newTestScraper(index, src, nil)

	run, err := sc.Historical(context.Background(), "golang", time.Unix(1000, 0), time.Unix(2000, 0))
	require.NoError(t, err)

	require.Len(t, index.queries, 1)
	q := index.queries[0]
	assert.Equal(t, "golang", q.Subreddit)
	assert.Equal(t, int64(1000), q.After)
	assert.Equal(t, int64(2000), q.Before)
	require.NotNil(t, q.Filter)
	assert.Equal(t, "num_comments", q.Filter.Field)
	assert.Equal(t, ">", q.Filter.Op)
	assert.Equal(t, 5, q.Filter.Value)

	assert.ElementsMatch(t, []string{"a", "b"}, submissionIDs(run.Batch))
	assert.Equal(t, 5, run.Report.Requested)
	assert.Equal(t, 2, run.Report.OutOfWindow)
	assert.Equal(t, 2, run.Report.Succeeded)
	assert.Len(t, run.Batch, run.Report.Succeeded)
	assert.Equal(t, 1, run.Report.Missing)
	assert.Equal(t, models.Stats{Submissions: 2, Comments: 6}, run.Stats)
	assert.Equal(t, ModeHistorical, run.Mode)
	assert.Equal(t, 1, *opened)
	assert.True(t, src.closed)
}

func TestHistorical_IndexFailure(t *testing.T) {
	src := newFakeSource()
	index := &fakeIndex{ids: []string{"a"}, err: fmt.Errorf("%w: 502", archive.ErrIndexUnavailable)}
	sc, opened := newTestScraper(index, src, nil)

	_, err := sc.Historical(context.Background(), "golang", time.Unix(1000, 0), time.Unix(2000, 0))
	assert.ErrorIs(t, err, archive.ErrIndexUnavailable)
	assert.Zero(t, *opened, "no live fetch after a failed discovery")
}

func TestHistorical_InvalidWindow(t *testing.T) {
	sc, _ := newTestScraper(&fakeIndex{}, newFakeSource(), nil)
	_, err := sc.Historical(context.Background(), "golang", time.Unix(2000, 0), time.Unix(1000, 0))
	assert.Error(t, err)
}

func TestRecent(t *testing.T) {
	src := newFakeSource()
	src.newIDs = []string{"n1", "n2", "n2", "n3", "n4", "n5", "n6", "n7"}
	index := &fakeIndex{}
	sc, _ := newTestScraper(index, src, nil)

	run, err := sc.Recent(context.Background(), "golang", 5)
	require.NoError(t, err)
	assert.Empty(t, index.queries, "recent runs never touch the archive")
	assert.Len(t, run.Batch, 5)
	assert.ElementsMatch(t, []string{"n1", "n2", "n3", "n4", "n5"}, submissionIDs(run.Batch))
	assert.Equal(t, ModeRecent, run.Mode)
	assert.True(t, src.closed)

	_, err = sc.Recent(context.Background(), "golang", 0)
	assert.Error(t, err)
}

type recordingStore struct {
	storage.Storage
	runs    []storage.Run
	batches []models.Batch
}

func (s *recordingStore) SaveBatch(ctx context.Context, run storage.Run, batch models.Batch) error {
	s.runs = append(s.runs, run)
	s.batches = append(s.batches, batch)
	return nil
}

func TestSave(t *testing.T) {
	src := newFakeSource()
	src.newIDs = []string{"n1", "n2"}
	store := &recordingStore{}
	sc, _ := newTestScraper(nil, src, store)

	run, err := sc.Recent(context.Background(), "golang", 2)
	require.NoError(t, err)
	require.NoError(t, sc.Save(context.Background(), run))

	require.Len(t, store.runs, 1)
	assert.Equal(t, run.ID.String(), store.runs[0].ID)
	assert.Equal(t, "recent", store.runs[0].Mode)
	assert.Equal(t, 2, store.runs[0].Submissions)
	assert.Equal(t, 6, store.runs[0].Comments)
}

func TestOpenerFailure(t *testing.T) {
	sc := NewRedditScraper(nil, func(ctx context.Context) (LiveSource, error) {
		return nil, reddit.ErrInvalidOptions
	}, nil, Options{Retry: fastRetry})

	_, err := sc.Recent(context.Background(), "golang", 5)
	assert.ErrorIs(t, err, reddit.ErrInvalidOptions)

	_, err = sc.Historical(context.Background(), "golang", time.Unix(0, 0), time.Unix(10, 0))
	assert.ErrorIs(t, err, archive.ErrIndexUnavailable)
}

func TestHistorical_RejectedRefreshToken(t *testing.T) {
	var threads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/access_token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		threads.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	open := func(ctx context.Context) (LiveSource, error) {
		c, err := reddit.Open(ctx, reddit.Options{
			ClientID:          "id",
			ClientSecret:      "revoked",
			UserAgent:         "test-agent",
			RefreshToken:      "refresh",
			BaseURL:           srv.URL,
			TokenURL:          srv.URL + "/api/v1/access_token",
			MaxConnections:    2,
			RequestsPerSecond: 1000,
			Burst:             100,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	index := &fakeIndex{ids: []string{"a", "b", "c"}}
	sc := NewRedditScraper(index, open, nil, Options{Retry: fastRetry})

	run, err := sc.Historical(context.Background(), "golang", time.Unix(1000, 0), time.Unix(2000, 0))
	assert.ErrorIs(t, err, reddit.ErrInvalidOptions)
	assert.Nil(t, run)
	assert.Zero(t, threads.Load(), "no submission is fetched with rejected credentials")
}

// TestFetchAll_BoundedConnections runs a batch against a live client and
// checks the server never sees more concurrent requests than allowed.
func TestFetchAll_BoundedConnections(t *testing.T) {
	const maxConns = 2
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)

		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/api/v1/access_token" {
			json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "token_type": "bearer", "expires_in": 3600})
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/comments/")
		json.NewEncoder(w).Encode([]any{
			map[string]any{"kind": "Listing", "data": map[string]any{"children": []any{
				map[string]any{"kind": "t3", "data": map[string]any{"id": id, "created_utc": 100.0}},
			}}},
			map[string]any{"kind": "Listing", "data": map[string]any{"children": []any{}}},
		})
	}))
	defer srv.Close()

	client, err := reddit.Open(context.Background(), reddit.Options{
		ClientID:          "id",
		UserAgent:         "test-agent",
		RefreshToken:      "refresh",
		BaseURL:           srv.URL,
		TokenURL:          srv.URL + "/api/v1/access_token",
		MaxConnections:    maxConns,
		RequestsPerSecond: 1000,
		Burst:             100,
	})
	require.NoError(t, err)
	defer client.Close()

	var ids []string
	for i := range 20 {
		ids = append(ids, fmt.Sprintf("s%d", i))
	}
	batch, report := NewBatchFetcher(NewDetailFetcher(client, fastRetry, 0, nil), nil).FetchAll(context.Background(), ids)

	assert.Len(t, batch, 20)
	assert.Equal(t, 20, report.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(maxConns))
}

func TestRetryable(t *testing.T) {
	var perm *backoff.PermanentError
	assert.True(t, errors.As(retryable(reddit.ErrNotFound), &perm))
	assert.False(t, errors.As(retryable(reddit.ErrTransient), &perm))
	err := retryable(&reddit.RateLimitError{RetryAfter: 3 * time.Second})
	assert.ErrorIs(t, err, reddit.ErrRateLimited)
	var after *backoff.RetryAfterError
	require.ErrorAs(t, err, &after)
	assert.Equal(t, 3*time.Second, after.Duration)
}
