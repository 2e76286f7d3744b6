// Package options implements the two upstream option-chain providers:
// Polygon (source A) and MarketData.app (source B).
package options

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"whalestream/internal/domain"
	"whalestream/internal/metrics"
	"whalestream/internal/util"
)

const (
	callTimeout  = 10 * time.Second
	retryBackoff = 500 * time.Millisecond
	maxAttempts  = 2 // one retry

	// MaxPages and MaxRecords cap a single FetchChain call.
	MaxPages   = 10
	MaxRecords = 2500
)

// StatusError is returned for a non-2xx upstream response.
type StatusError struct {
	Code int
	URL  string
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s: status %d: %s", e.URL, e.Code, e.Body)
}

// StatusCode implements util.StatusCoder.
func (e *StatusError) StatusCode() int { return e.Code }

// fetcher is the HTTP plumbing shared by both providers.
type fetcher struct {
	client  *http.Client
	limiter *util.RateLimiter
	header  http.Header
	source  domain.Source
	metrics *metrics.Metrics
	log     *slog.Logger
}

func newFetcher(client *http.Client, minInterval time.Duration, source domain.Source, m *metrics.Metrics, log *slog.Logger) *fetcher {
	if client == nil {
		client = &http.Client{}
	}
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &fetcher{
		client:  client,
		limiter: util.NewRateLimiter(minInterval),
		header:  make(http.Header),
		source:  source,
		metrics: m,
		log:     log.With("provider", string(source)),
	}
}

// getJSON issues a GET against rawURL and decodes the body into out. Each
// attempt has its own deadline; connection errors and 5xx are retried once.
func (f *fetcher) getJSON(ctx context.Context, rawURL string, out any) error {
	return util.RetryIf(ctx, maxAttempts, retryBackoff, util.IsRetryable, func() error {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(callCtx, http.MethodGet, rawURL, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		for k, vs := range f.header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Accept", "application/json")

		resp, err := f.client.Do(req)
		if err != nil {
			return redactErr(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &StatusError{Code: resp.StatusCode, URL: redact(req), Body: string(body)}
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s: %w", redact(req), err)
		}
		return nil
	})
}

// observe records one FetchChain call in the provider metrics.
func (f *fetcher) observe(start time.Time, records int, err error) {
	label := string(f.source)
	f.metrics.ProviderFetches.WithLabelValues(label).Inc()
	f.metrics.ProviderLatency.WithLabelValues(label).Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		f.metrics.ProviderFailures.WithLabelValues(label).Inc()
		return
	}
	f.metrics.ProviderRecords.WithLabelValues(label).Add(float64(records))
}

// redact drops the query string so API keys never reach logs.
func redact(req *http.Request) string {
	return redactURL(req.URL)
}

func redactURL(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.User = nil
	return c.String()
}

// redactErr strips the query string from the URL a transport error carries.
func redactErr(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		if u, perr := url.Parse(ue.URL); perr == nil {
			ue.URL = redactURL(u)
		} else {
			ue.URL = "<redacted>"
		}
	}
	return err
}

// pageCounterKey carries the per-call page counter checked by
// retryTransport.
type pageCounterKey struct{}

// errPageCap ends a paginated call once MaxPages requests were issued.
var errPageCap = errors.New("page cap reached")

func withPageCounter(ctx context.Context) (context.Context, *atomic.Int32) {
	n := new(atomic.Int32)
	return context.WithValue(ctx, pageCounterKey{}, n), n
}

// retryTransport gives SDK-driven requests the same policy as getJSON: one
// retry after retryBackoff on connection errors, 5xx and 429, and no more
// than MaxPages requests per counted call.
type retryTransport struct {
	base http.RoundTripper
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if n, ok := req.Context().Value(pageCounterKey{}).(*atomic.Int32); ok && n.Add(1) > MaxPages {
		return nil, errPageCap
	}

	var resp *http.Response
	err := util.RetryIf(req.Context(), maxAttempts, retryBackoff, util.IsRetryable, func() error {
		r, err := t.base.RoundTrip(req)
		if err != nil {
			return err
		}
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(io.LimitReader(r.Body, 512))
			r.Body.Close()
			return &StatusError{Code: r.StatusCode, URL: redactURL(req.URL), Body: string(body)}
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// newRetryClient wraps base (or a default client) with retryTransport and
// the per-call timeout.
func newRetryClient(base *http.Client) *http.Client {
	rt := http.DefaultTransport
	if base != nil && base.Transport != nil {
		rt = base.Transport
	}
	return &http.Client{Transport: &retryTransport{base: rt}, Timeout: callTimeout}
}
