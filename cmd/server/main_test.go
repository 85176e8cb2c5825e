package main

import (
	"bytes"
	"context"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iiviie/go-harvester/internal/archive"
	"github.com/iiviie/go-harvester/internal/config"
	"github.com/iiviie/go-harvester/internal/models"
	"github.com/iiviie/go-harvester/internal/reddit"
	"github.com/iiviie/go-harvester/internal/scraper"
	"github.com/iiviie/go-harvester/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubSource struct{}

func (stubSource) Thread(ctx context.Context, id string) (*models.Thread, error) {
	return &models.Thread{
		Submission: models.Submission{ID: id, CreatedUTC: 100, SubredditNamePrefixed: "r/golang"},
		Replies: []*models.Node{{Comment: models.Comment{
			ID: id + "c", LinkID: "t3_" + id, ParentID: "t3_" + id, IsRoot: true,
		}}},
	}, nil
}

func (stubSource) ExpandStubs(ctx context.Context, t *models.Thread, limit int) (reddit.ExpandResult, error) {
	return reddit.ExpandResult{}, nil
}

func (stubSource) New(ctx context.Context, subreddit string, limit int) ([]string, error) {
	return []string{"n1", "n2", "n3"}, nil
}

func (stubSource) Close() error { return nil }

type downIndex struct{}

func (downIndex) Lookup(ctx context.Context, q archive.Query) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("", archive.ErrIndexUnavailable)
	}
}

func (downIndex) Lag(ctx context.Context) (time.Duration, error) {
	return 0, archive.ErrIndexUnavailable
}

type fixedLag time.Duration

func (l fixedLag) Lag(ctx context.Context) (time.Duration, error) {
	return time.Duration(l), nil
}

func newTestServer(t *testing.T, withStore bool) *server {
	t.Helper()
	var store storage.Storage
	if withStore {
		s, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "threads.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		store = s
	}
	open := func(ctx context.Context) (scraper.LiveSource, error) { return stubSource{}, nil }
	sc := scraper.NewRedditScraper(downIndex{}, open, store, scraper.Options{
		Retry: scraper.RetryPolicy{MaxAttempts: 1},
	})
	return &server{
		scraper:    sc,
		store:      store,
		index:      downIndex{},
		pipeline:   config.PipelineConfig{Subreddits: []string{"golang"}, RecentLimit: 2, RunTimeout: time.Minute},
		logger:     slog.Default(),
		defaultSub: "golang",
	}
}

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req, _ = http.NewRequest(method, path, nil)
	} else {
		req, _ = http.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, false)
	s.index = fixedLag(90 * time.Second)
	s.probeLag(context.Background())

	w := do(s.router(), "GET", "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "1m30s", resp["archive_lag"])
}

func TestProbeLag_Failure(t *testing.T) {
	s := newTestServer(t, false)
	s.probeLag(context.Background())
	assert.Zero(t, s.lag)
}

func TestStorageDisabled(t *testing.T) {
	router := newTestServer(t, false).router()
	for _, path := range []string{"/threads", "/threads/abc", "/runs"} {
		w := do(router, "GET", path, "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}
}

func TestScrape(t *testing.T) {
	s := newTestServer(t, true)
	router := s.router()

	w := do(router, "POST", "/scrape", `{"subreddit":"golang","limit":2}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Run scraper.RunResult `json:"run"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, scraper.ModeRecent, resp.Run.Mode)
	assert.Equal(t, 2, resp.Run.Stats.Submissions)
	assert.Equal(t, 2, resp.Run.Stats.Comments)
	require.NotNil(t, s.lastRun)

	w = do(router, "GET", "/threads?subreddit=golang", "")
	require.Equal(t, http.StatusOK, w.Code)
	var threads struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &threads))
	assert.Equal(t, 2, threads.Count)

	w = do(router, "GET", "/threads/n1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var thread struct {
		Records models.RecordList `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &thread))
	require.Len(t, thread.Records, 2)
	assert.Equal(t, "n1", thread.Records.Submission().ID)

	w = do(router, "GET", "/threads/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(router, "GET", "/runs", "")
	require.Equal(t, http.StatusOK, w.Code)
	var runs struct {
		Runs []storage.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, resp.Run.ID.String(), runs.Runs[0].ID)
}

func TestScrape_DefaultsWithoutBody(t *testing.T) {
	w := do(newTestServer(t, false).router(), "POST", "/scrape", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"subreddit": "golang"`)
}

func TestScrapeHistorical(t *testing.T) {
	router := newTestServer(t, false).router()

	w := do(router, "POST", "/scrape/historical", `{"subreddit":"golang"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, "POST", "/scrape/historical", `{"subreddit":"golang","after":1000,"before":2000}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}
