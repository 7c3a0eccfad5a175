package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Lewis-walter7/seoanalyzer/internal/crawler"
	"github.com/Lewis-walter7/seoanalyzer/internal/metrics"
)

const allowAllRobotsBody = "User-agent: *\nAllow: /"

// robotsRetry allows four robots.txt fetches per collector before giving up on the host.
var robotsRetry crawler.RetryPolicy = crawler.NewRetryPolicy(4, 250*time.Millisecond, time.Second)

var errRobotsUnavailable = errors.New("robots.txt unavailable")

// robotsTransport sends page requests straight through. robots.txt requests that time out
// or hit a 5xx are retried, and a host that never answers is treated as allowing everything;
// otherwise colly would read the 5xx as disallow-all and the audit would see no pages.
type robotsTransport struct {
	next  http.RoundTripper
	retry crawler.RetryPolicy
}

func newRobotsTransport(next http.RoundTripper) *robotsTransport {
	return &robotsTransport{next: next, retry: robotsRetry}
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport: request has no url")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := t.next.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("roundtrip %s: %w", req.URL.Host, err)
		}
		return resp, nil
	}

	for attempt := 1; ; attempt++ {
		resp, err := t.next.RoundTrip(req.Clone(req.Context()))
		if err == nil && resp.StatusCode < http.StatusInternalServerError {
			return resp, nil
		}
		switch {
		case err == nil:
			_ = resp.Body.Close()
			err = fmt.Errorf("%w: status %d", errRobotsUnavailable, resp.StatusCode)
		case unreachable(err):
			err = fmt.Errorf("%w: %v", errRobotsUnavailable, err)
		default:
			return nil, fmt.Errorf("fetch robots.txt: %w", err)
		}

		if req.Context().Err() != nil {
			return nil, fmt.Errorf("fetch robots.txt: %w", req.Context().Err())
		}
		if !t.retry.ShouldRetry(err, attempt) {
			metrics.ObserveRobotsFallback(req.URL.Host)
			return allowAllRobots(req), nil
		}
		if err := wait(req.Context(), t.retry.Backoff(attempt)); err != nil {
			return nil, err
		}
	}
}

// unreachable reports errors that say nothing about the site's robots rules.
func unreachable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func allowAllRobots(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(strings.NewReader(allowAllRobotsBody)),
		ContentLength: int64(len(allowAllRobotsBody)),
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Request:       req,
	}
}
