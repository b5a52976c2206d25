// Package plans holds the stock plans: Request fetches a page and hands the
// decoded body to a handler, Download streams a url into a directory.
package plans

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"spider/internal/engine"
)

const (
	// DefaultRetries matches the retry budget of a plan with none configured.
	DefaultRetries = 3

	defaultUserAgent = "spider/1.0"

	// DefaultMaxBodyBytes caps the body a request plan reads into memory.
	DefaultMaxBodyBytes int64 = 32 << 20
)

// ErrBodyTooLarge is returned when a page exceeds the in-memory body limit.
var ErrBodyTooLarge = errors.New("response body too large")

// Fetcher holds the transport settings shared by the stock plans.
type Fetcher struct {
	Client    *http.Client
	Limiter   *rate.Limiter
	UserAgent string
	Headers   map[string]string
}

// NewLimiter returns a token bucket for perSec requests per second, or nil
// when perSec is 0.
func NewLimiter(perSec float64, burst int) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

func (f Fetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return defaultClient
}

var defaultClient = &http.Client{
	Timeout: 60 * time.Second,
	Transport: &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	},
}

// get issues a GET for url after waiting on the limiter. Status codes >= 400
// are errors; client errors other than 408 and 429 are marked NoRetry since
// asking again will not help. The caller closes the body.
func (f Fetcher) get(ctx context.Context, url string) (*http.Response, error) {
	if f.Limiter != nil {
		if err := f.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, engine.NoRetry(err)
	}
	ua := f.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	for k, v := range f.Headers {
		req.Header.Set(k, v)
	}

	res, err := f.client().Do(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 400 {
		_ = res.Body.Close()
		err := &StatusError{URL: url, Code: res.StatusCode}
		if res.StatusCode < 500 && res.StatusCode != http.StatusRequestTimeout && res.StatusCode != http.StatusTooManyRequests {
			return nil, engine.NoRetry(err)
		}
		return nil, err
	}
	return res, nil
}

// StatusError is returned for responses with a status code >= 400.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}
