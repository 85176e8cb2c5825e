// Package archive looks up submission ids in a time-queryable archive of
// Reddit (Pushshift and its Arctic Shift successor expose the same search
// shape). The archive can lag the live site by minutes to days, so the ids it
// returns are hints for the live fetch, never authoritative.
package archive

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gocolly/colly/v2"
)

// ErrIndexUnavailable is returned when the archive cannot be reached or
// answers with something that is not a search result.
var ErrIndexUnavailable = errors.New("archive index unavailable")

// Options configures a Client
type Options struct {
	BaseURL        string
	UserAgent      string
	PageSize       int
	RequestDelay   time.Duration
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Client queries the archive search endpoints
type Client struct {
	collector *colly.Collector
	baseURL   string
	pageSize  int
	logger    *slog.Logger
	now       func() time.Time
}

// NewClient creates a new archive client
func NewClient(opts Options) (*Client, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("archive base url %q: invalid", opts.BaseURL)
	}
	if opts.PageSize < 1 {
		opts.PageSize = 100
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "go-harvester/1.0"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := colly.NewCollector(
		colly.AllowedDomains(u.Hostname()),
		colly.UserAgent(opts.UserAgent),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	)
	if opts.RequestTimeout > 0 {
		c.SetRequestTimeout(opts.RequestTimeout)
	}

	// The archive is a free community service; keep one request in flight
	c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		Delay:       opts.RequestDelay,
	})

	return &Client{
		collector: c,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		pageSize:  opts.PageSize,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Lookup yields the ids of submissions in q.Subreddit created in
// [q.After, q.Before) that satisfy q.Filter, oldest first.
//
// Pages are requested lazily as the sequence is consumed, so a caller that
// stops early never pays for the remaining pages. Ids are deduplicated
// within one lookup. The first error ends the sequence.
func (c *Client) Lookup(ctx context.Context, q Query) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := q.Validate(); err != nil {
			yield("", err)
			return
		}

		seen := make(map[string]bool)
		// the archive's after bound is exclusive, ours is inclusive
		after := q.After - 1
		for page := 1; ; page++ {
			items, err := c.searchPage(ctx, q, after)
			if err != nil {
				yield("", err)
				return
			}

			newest := after
			fresh := 0
			for _, it := range items {
				if it.CreatedUTC > newest {
					newest = it.CreatedUTC
				}
				if seen[it.ID] {
					continue
				}
				seen[it.ID] = true
				fresh++
				if !q.contains(it) {
					continue
				}
				if !yield(it.ID, nil) {
					return
				}
			}

			c.logger.Debug("archive page",
				"subreddit", q.Subreddit, "page", page, "items", len(items), "fresh", fresh)

			if len(items) < c.pageSize || newest <= after {
				return
			}
			// Re-read the newest second so ties on the page boundary are not
			// lost; the seen set drops the repeats. A page that is entirely
			// one second must move past it.
			next := newest - 1
			if next <= after {
				next = newest
			}
			after = next
		}
	}
}

// Collect drains seq into a slice. A positive limit stops after that many ids.
func Collect(seq iter.Seq2[string, error], limit int) ([]string, error) {
	var ids []string
	for id, err := range seq {
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

// Lag reports how far the archive trails the wall clock, measured by the
// creation time of the newest comment it has indexed.
func (c *Client) Lag(ctx context.Context) (time.Duration, error) {
	params := url.Values{}
	params.Set("limit", "1")
	params.Set("sort", "desc")
	params.Set("fields", "id,created_utc")

	var res searchResponse
	if err := c.get(ctx, "/api/comments/search", params, &res); err != nil {
		return 0, err
	}
	if len(res.Data) == 0 {
		return 0, fmt.Errorf("%w: no comments indexed", ErrIndexUnavailable)
	}
	it, err := res.Data[0].item("")
	if err != nil {
		return 0, err
	}
	return c.now().Sub(time.Unix(it.CreatedUTC, 0)), nil
}

func (c *Client) searchPage(ctx context.Context, q Query, after int64) ([]item, error) {
	fields := []string{"id", "created_utc"}
	params := url.Values{}
	params.Set("subreddit", q.Subreddit)
	params.Set("after", strconv.FormatInt(after, 10))
	params.Set("before", strconv.FormatInt(q.Before, 10))
	params.Set("sort", "asc")
	params.Set("limit", strconv.Itoa(c.pageSize))
	if q.Filter != nil {
		params.Set(q.Filter.Field, q.Filter.param())
		fields = append(fields, q.Filter.Field)
	}
	params.Set("fields", strings.Join(fields, ","))

	var res searchResponse
	if err := c.get(ctx, "/api/posts/search", params, &res); err != nil {
		return nil, err
	}

	field := ""
	if q.Filter != nil {
		field = q.Filter.Field
	}
	items := make([]item, 0, len(res.Data))
	for _, raw := range res.Data {
		it, err := raw.item(field)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	target := c.baseURL + path + "?" + params.Encode()

	// Clone shares the rate-limited transport but not the callbacks
	col := c.collector.Clone()
	col.Context = ctx

	var reqErr error
	col.OnResponse(func(r *colly.Response) {
		if err := json.Unmarshal(r.Body, out); err != nil {
			reqErr = fmt.Errorf("%w: decode %s: %v", ErrIndexUnavailable, path, err)
		}
	})
	col.OnError(func(r *colly.Response, err error) {
		reqErr = fmt.Errorf("%w: %s returned %d: %v", ErrIndexUnavailable, path, r.StatusCode, err)
	})
	col.OnRequest(func(r *colly.Request) {
		c.logger.Debug("archive request", "url", r.URL.String())
	})

	if err := col.Visit(target); err != nil && reqErr == nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		reqErr = fmt.Errorf("%w: %s: %v", ErrIndexUnavailable, path, err)
	}
	return reqErr
}
