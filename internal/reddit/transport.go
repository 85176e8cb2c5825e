package reddit

import (
	"io"
	"net/http"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/iiviie/go-harvester/internal/metrics"
)

// gatedTransport bounds the number of requests holding a connection and the
// rate at which new requests are sent. A slot is taken per request and given
// back when the response body is closed or the request fails, so callers
// never hold a slot between their own requests.
type gatedTransport struct {
	base      http.RoundTripper
	slots     *semaphore.Weighted
	limiter   *rate.Limiter
	userAgent string
}

func newGatedTransport(base http.RoundTripper, maxConns int, rps float64, burst int, userAgent string) *gatedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if burst < 1 {
		burst = 1
	}
	return &gatedTransport{
		base:      base,
		slots:     semaphore.NewWeighted(int64(maxConns)),
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		userAgent: userAgent,
	}
}

func (t *gatedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if err := t.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	metrics.RequestsInFlight.Inc()
	release := sync.OnceFunc(func() {
		metrics.RequestsInFlight.Dec()
		t.slots.Release(1)
	})

	if err := t.limiter.Wait(ctx); err != nil {
		release()
		return nil, err
	}

	// RoundTrippers must not modify the caller's request
	req = req.Clone(ctx)
	req.Header.Set("User-Agent", t.userAgent)

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		release()
		return nil, err
	}
	resp.Body = &releasingBody{ReadCloser: resp.Body, release: release}
	return resp, nil
}

type releasingBody struct {
	io.ReadCloser
	release func()
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.release()
	return err
}
