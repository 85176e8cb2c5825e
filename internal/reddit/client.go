// Package reddit is a small client for the authenticated Reddit API covering
// what the harvester needs: submission detail with its comment tree, the
// subreddit "new" listing and expansion of "load more comments" stubs.
//
// A Client owns its connection pool and should live for one pipeline run:
// Open it, use it, Close it.
package reddit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"github.com/iiviie/go-harvester/internal/metrics"
)

// Options configures a Client
type Options struct {
	ClientID     string
	ClientSecret string
	UserAgent    string
	RefreshToken string
	Username     string
	Password     string

	BaseURL  string
	TokenURL string

	// MaxConnections bounds the requests holding a connection at once
	MaxConnections    int
	RequestsPerSecond float64
	Burst             int
	RequestTimeout    time.Duration

	// Transport is the underlying round tripper; nil uses a pooled default
	Transport http.RoundTripper
	Logger    *slog.Logger
}

func (o *Options) validate() error {
	var problems []string
	if o.ClientID == "" {
		problems = append(problems, "client id is required")
	}
	if o.UserAgent == "" {
		problems = append(problems, "user agent is required")
	}
	if o.RefreshToken == "" && (o.Username == "" || o.Password == "") {
		problems = append(problems, "refresh token or username and password are required")
	}
	if o.MaxConnections < 1 {
		problems = append(problems, "max connections must be at least 1")
	}
	if o.RequestsPerSecond <= 0 {
		problems = append(problems, "requests per second must be positive")
	}
	if _, err := url.Parse(o.BaseURL); err != nil || o.BaseURL == "" {
		problems = append(problems, "base url is invalid")
	}
	if o.TokenURL == "" {
		problems = append(problems, "token url is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidOptions, strings.Join(problems, "; "))
	}
	return nil
}

// Client talks to the live Reddit API
type Client struct {
	http      *http.Client
	transport *http.Transport
	baseURL   string
	timeout   time.Duration
	logger    *slog.Logger
}

// Open validates opts, authenticates and returns a ready client. Options are
// checked before anything is sent over the network.
func Open(ctx context.Context, opts Options) (*Client, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := opts.Transport
	var pooled *http.Transport
	if base == nil {
		pooled = http.DefaultTransport.(*http.Transport).Clone()
		pooled.MaxConnsPerHost = opts.MaxConnections
		pooled.MaxIdleConnsPerHost = opts.MaxConnections
		base = pooled
	}
	gated := newGatedTransport(base, opts.MaxConnections, opts.RequestsPerSecond, opts.Burst, opts.UserAgent)
	tokenHTTP := &http.Client{Transport: gated, Timeout: opts.RequestTimeout}

	conf := &oauth2.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  opts.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}

	// refreshes happen on whatever goroutine needs a token, so they must not
	// inherit a request-scoped context
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, tokenHTTP)

	var src oauth2.TokenSource
	if opts.RefreshToken != "" {
		src = conf.TokenSource(tokenCtx, &oauth2.Token{RefreshToken: opts.RefreshToken})
		// rejected credentials fail here, not inside every request of the run
		if _, err := src.Token(); err != nil {
			return nil, fmt.Errorf("reddit: refresh token: %w", classifyTransport(ctx, err))
		}
	} else {
		tok, err := conf.PasswordCredentialsToken(context.WithValue(ctx, oauth2.HTTPClient, tokenHTTP), opts.Username, opts.Password)
		if err != nil {
			return nil, fmt.Errorf("reddit: password grant: %w", classifyTransport(ctx, err))
		}
		src = conf.TokenSource(tokenCtx, tok)
	}

	return &Client{
		http:      oauth2.NewClient(tokenCtx, src),
		transport: pooled,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		timeout:   opts.RequestTimeout,
		logger:    logger,
	}, nil
}

// Close releases idle pooled connections
func (c *Client) Close() error {
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
	return nil
}

// get requests path and decodes the JSON answer into out
func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("raw_json", "1")
	target := c.baseURL + path + "?" + params.Encode()

	// a per-request timeout is transient; only the caller's cancellation is not
	parent := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("reddit: create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.Requests.WithLabelValues("error").Inc()
		return classifyTransport(parent, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s: %w", path, err)
	}
	metrics.Requests.WithLabelValues("ok").Inc()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: %w: decode: %v", path, ErrTransient, err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		metrics.Requests.WithLabelValues("not_found").Inc()
		return ErrNotFound
	case resp.StatusCode == http.StatusForbidden:
		metrics.Requests.WithLabelValues("forbidden").Inc()
		return ErrForbidden
	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.Requests.WithLabelValues("rate_limited").Inc()
		return &RateLimitError{RetryAfter: retryAfter(resp.Header)}
	default:
		metrics.Requests.WithLabelValues("server_error").Inc()
		return fmt.Errorf("%w: status %s", ErrTransient, resp.Status)
	}
}

func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		// Reddit reports its window reset in seconds on every response
		v = h.Get("X-Ratelimit-Reset")
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func classifyTransport(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		switch re.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusBadRequest, http.StatusForbidden:
			return fmt.Errorf("%w: token endpoint: %v", ErrInvalidOptions, err)
		case http.StatusTooManyRequests:
			return &RateLimitError{RetryAfter: retryAfter(re.Response.Header)}
		}
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
