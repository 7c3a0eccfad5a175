// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"sync"
	"syscall"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/Lewis-walter7/seoanalyzer/internal/crawler"
)

const (
	slotKey      = "fetch-slot"
	maxRedirects = 10
)

// HostPolicy refuses hosts, and the addresses they resolve to, that must never be fetched.
type HostPolicy interface {
	HostBlocked(host string) bool
	AddrBlocked(addr netip.Addr) bool
}

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
	// Blocklist is consulted for the requested URL, every redirect hop and every dialed
	// address. Nil allows everything.
	Blocklist HostPolicy
}

// Fetcher keeps one Colly collector per crawl job so robots.txt is fetched once per
// host per job.
type Fetcher struct {
	cfg        Config
	transport  http.RoundTripper
	mu         sync.Mutex
	collectors map[string]*colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// fetchSlot receives the outcome of one Request call.
type fetchSlot struct {
	start time.Time
	resp  crawler.FetchResponse
	got   bool
	err   error
}

// New builds a Fetcher sharing one pooled transport across collectors.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Fetcher{
		cfg:        cfg,
		transport:  newRobotsTransport(newHTTPTransport(cfg.Blocklist)),
		collectors: make(map[string]*colly.Collector),
	}
}

// Fetch GETs request.URL. Non-2xx answers are returned as responses, not errors.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.cfg.Blocklist != nil {
		u, err := url.Parse(request.URL)
		if err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("parse %s: %w", request.URL, err)
		}
		if f.cfg.Blocklist.HostBlocked(u.Hostname()) {
			return crawler.FetchResponse{}, fmt.Errorf("%s: %w", request.URL, crawler.ErrHostBlocked)
		}
	}
	collector := f.collectorFor(request.JobID, request.RespectRobots)

	slot := &fetchSlot{start: time.Now()}
	cctx := colly.NewContext()
	cctx.Put(slotKey, slot)

	if err := f.runCollector(ctx, collector, request, cctx); err != nil {
		return crawler.FetchResponse{}, err
	}
	if slot.err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, slot.err)
	}
	if !slot.got {
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s: no response", request.URL)
	}
	return slot.resp, nil
}

// Release drops the collector cached for jobID.
func (f *Fetcher) Release(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, respect := range []bool{true, false} {
		delete(f.collectors, collectorKey(jobID, respect))
	}
}

func collectorKey(jobID string, respectRobots bool) string {
	return fmt.Sprintf("%s|%t", jobID, respectRobots)
}

func (f *Fetcher) collectorFor(jobID string, respectRobots bool) *colly.Collector {
	if jobID == "" {
		return f.buildCollector(respectRobots)
	}
	key := collectorKey(jobID, respectRobots)
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.collectors[key]; ok {
		return c
	}
	c := f.buildCollector(respectRobots)
	f.collectors[key] = c
	return c
}

func (f *Fetcher) buildCollector(respectRobots bool) *colly.Collector {
	opts := []colly.CollectorOption{
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	}
	if f.cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(f.cfg.UserAgent))
	}
	if f.cfg.MaxBodySize > 0 {
		opts = append(opts, colly.MaxBodySize(f.cfg.MaxBodySize))
	}
	if !respectRobots {
		opts = append(opts, colly.IgnoreRobotsTxt())
	}
	c := colly.NewCollector(opts...)
	c.WithTransport(f.transport)
	c.SetRequestTimeout(f.cfg.Timeout)
	c.SetRedirectHandler(f.checkRedirect)
	configureCollectorHooks(c)
	return c
}

// checkRedirect refuses hops to blocked hosts and otherwise keeps colly's defaults:
// at most maxRedirects hops, Authorization dropped when the host changes.
func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if f.cfg.Blocklist != nil && f.cfg.Blocklist.HostBlocked(req.URL.Hostname()) {
		return fmt.Errorf("redirect to %s: %w", req.URL.Host, crawler.ErrHostBlocked)
	}
	if len(via) >= maxRedirects {
		return http.ErrUseLastResponse
	}
	if last := via[len(via)-1]; req.URL.Host != last.URL.Host {
		req.Header.Del("Authorization")
	}
	return nil
}

func configureCollectorHooks(hooks collectorHooks) {
	hooks.OnResponse(func(r *colly.Response) {
		slot, ok := slotFrom(r)
		if !ok {
			return
		}
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		slot.resp = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(slot.start),
		}
		slot.got = true
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if slot, ok := slotFrom(r); ok {
			slot.err = err
		}
	})
}

func slotFrom(r *colly.Response) (*fetchSlot, bool) {
	if r == nil || r.Ctx == nil {
		return nil, false
	}
	slot, ok := r.Ctx.GetAny(slotKey).(*fetchSlot)
	return slot, ok
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	request crawler.FetchRequest,
	cctx *colly.Context,
) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Request(http.MethodGet, request.URL, nil, cctx, request.Headers.Clone())
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if errors.Is(err, colly.ErrRobotsTxtBlocked) {
			return fmt.Errorf("%s: %w", request.URL, crawler.ErrRobotsBlocked)
		}
		if err != nil {
			return fmt.Errorf("colly request: %w", err)
		}
		return nil
	}
}

func newHTTPTransport(policy HostPolicy) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if policy != nil {
		dialer.Control = dialGuard(policy)
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}

// dialGuard runs after name resolution, so hostnames that resolve into a blocked
// network are refused before a connection is made.
func dialGuard(policy HostPolicy) func(network, address string, c syscall.RawConn) error {
	return func(_, address string, _ syscall.RawConn) error {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return fmt.Errorf("dial %s: %w", address, err)
		}
		addr, err := netip.ParseAddr(host)
		if err != nil {
			return fmt.Errorf("dial %s: %w", address, err)
		}
		if policy.AddrBlocked(addr) {
			return fmt.Errorf("dial %s: %w", address, crawler.ErrHostBlocked)
		}
		return nil
	}
}
