package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"

// HTTPOptions are shared by every HTTP-backed provider.
type HTTPOptions struct {
	BaseURL      string
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
	// RatePerSecond paces outgoing requests; zero disables pacing.
	RatePerSecond float64
	Burst         int
	UserAgent     string
}

// statusError is a non-200 upstream answer.
type statusError struct {
	provider string
	status   int
	body     string
}

func (e *statusError) Error() string {
	if e.body != "" {
		return fmt.Sprintf("%s http error (%d): %s", e.provider, e.status, e.body)
	}
	return fmt.Sprintf("%s http error (%d)", e.provider, e.status)
}

func (e *statusError) retryable() bool {
	return e.status == http.StatusTooManyRequests || e.status >= 500
}

type httpGetter struct {
	provider string
	client   *http.Client
	limiter  *rate.Limiter
	retries  int
	backoff  time.Duration
	headers  http.Header
}

func newHTTPGetter(provider string, opts HTTPOptions, headers http.Header) *httpGetter {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	if headers == nil {
		headers = http.Header{}
	}
	if headers.Get("User-Agent") == "" {
		ua := strings.TrimSpace(opts.UserAgent)
		if ua == "" {
			ua = defaultUserAgent
		}
		headers.Set("User-Agent", ua)
	}
	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}
	return &httpGetter{
		provider: provider,
		client:   &http.Client{Timeout: timeout},
		limiter:  limiter,
		retries:  retries,
		backoff:  backoff,
		headers:  headers,
	}
}

// get performs a GET with pacing and bounded retries on transport errors,
// 429 and 5xx answers.
func (g *httpGetter) get(ctx context.Context, url string) ([]byte, error) {
	return g.do(ctx, http.MethodGet, url, nil, "")
}

func (g *httpGetter) do(ctx context.Context, method, url string, body []byte, contentType string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= g.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(g.backoff):
			}
		}
		payload, err := g.once(ctx, method, url, body, contentType)
		if err == nil {
			return payload, nil
		}
		lastErr = err
		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (g *httpGetter) once(ctx context.Context, method, url string, body []byte, contentType string) ([]byte, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	for k, vs := range g.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		text := strings.TrimSpace(string(payload))
		if len(text) > 200 {
			text = text[:200]
		}
		return nil, &statusError{provider: g.provider, status: resp.StatusCode, body: text}
	}
	return payload, nil
}
