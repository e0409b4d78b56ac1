package google

import (
	"context"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/gen-mind/EchoMind/internal/connectors/registry"
	"github.com/gen-mind/EchoMind/internal/metrics"
)

const (
	// maxRateLimitRetries bounds how many 429 responses one request rides out
	// before the run aborts.
	maxRateLimitRetries = 6

	// defaultRetryWait applies when the response names no retry time.
	defaultRetryWait = 60 * time.Second

	// retryWaitBuffer is added on top of whatever the server asked for.
	retryWaitBuffer = 3 * time.Second

	// Proactive throttle, well under Google's per-user quotas.
	requestsPerSecond = 5.0
	burstSize         = 10
)

// Quota errors sometimes carry the retry time only in the message body, as
// "Retry after 2026-08-28T10:00:00Z".
var retryAfterBodyRe = regexp.MustCompile(`Retry after (\S+)`)

// Governor throttles requests proactively and rides out 429 responses with a
// bounded retry loop.
type Governor struct {
	provider string
	limiter  *rate.Limiter
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

func NewGovernor(provider string) *Governor {
	return &Governor{
		provider: provider,
		limiter:  rate.NewLimiter(rate.Limit(requestsPerSecond), burstSize),
		sleep:    sleepWithContext,
		now:      time.Now,
	}
}

// Do executes the request built by newReq, retrying on 429 until the retry
// budget is spent. newReq is called per attempt because a request body cannot
// be replayed.
func (g *Governor) Do(ctx context.Context, client *http.Client, newReq func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	for attempt := 0; attempt <= maxRateLimitRetries; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := newReq(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		wait := g.retryWait(resp)
		resp.Body.Close()

		if attempt == maxRateLimitRetries {
			break
		}

		metrics.RateLimitSleepsTotal.WithLabelValues(g.provider).Inc()
		if err := g.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	metrics.ProviderErrorsTotal.WithLabelValues(g.provider, "rate_limit").Inc()
	return nil, &registry.RateLimitError{Provider: g.provider}
}

// retryWait resolves how long to sleep before the next attempt: the
// Retry-After header, then a retry timestamp in the body, then the default.
// A small buffer is always added.
func (g *Governor) retryWait(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs)*time.Second + retryWaitBuffer
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := t.Sub(g.now()); d > 0 {
				return d + retryWaitBuffer
			}
		}
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if m := retryAfterBodyRe.FindSubmatch(body); m != nil {
		if t, err := time.Parse(time.RFC3339, string(m[1])); err == nil {
			if d := t.Sub(g.now()); d > 0 {
				return d + retryWaitBuffer
			}
		}
	}

	return defaultRetryWait + retryWaitBuffer
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
