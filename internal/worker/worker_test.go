package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/Lewis-walter7/seoanalyzer/internal/audit"
	"github.com/Lewis-walter7/seoanalyzer/internal/clock/system"
	"github.com/Lewis-walter7/seoanalyzer/internal/crawler"
	collyfetcher "github.com/Lewis-walter7/seoanalyzer/internal/fetcher/colly"
	"github.com/Lewis-walter7/seoanalyzer/internal/hash/sha256"
	"github.com/Lewis-walter7/seoanalyzer/internal/policy/blocklist"
	mempub "github.com/Lewis-walter7/seoanalyzer/internal/publisher/memory"
	queuemem "github.com/Lewis-walter7/seoanalyzer/internal/queue/memory"
	"github.com/Lewis-walter7/seoanalyzer/internal/storage/memory"
)

const (
	testProject = "proj-1"
	testUser    = "user-1"
	siteRoot    = "https://site.test/"
)

type fetchFunc func(ctx context.Context, req crawler.FetchRequest, call int) (crawler.FetchResponse, error)

type fakeFetcher struct {
	mu       sync.Mutex
	calls    map[string]int
	fn       fetchFunc
	released []string
}

func newFakeFetcher(fn fetchFunc) *fakeFetcher {
	return &fakeFetcher{calls: make(map[string]int), fn: fn}
}

func (f *fakeFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	f.calls[req.URL]++
	call := f.calls[req.URL]
	f.mu.Unlock()
	return f.fn(ctx, req, call)
}

func (f *fakeFetcher) Release(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, jobID)
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%03d", s.n), nil
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("broker down")
}

func htmlPage(links ...string) string {
	body := "<html lang=\"en\"><head><title>Site page title</title></head><body><h1>Page</h1>"
	for _, link := range links {
		body += fmt.Sprintf("<a href=%q>link</a>", link)
	}
	return body + "</body></html>"
}

// sitePages maps each URL of the fake site to its outgoing links.
var sitePages = map[string][]string{
	siteRoot:              {"/a", "/b", "https://other.test/x"},
	"https://site.test/a": {"/c", "/"},
	"https://site.test/b": {"/a"},
	"https://site.test/c": {},
}

func siteFetcher() *fakeFetcher {
	return newFakeFetcher(func(_ context.Context, req crawler.FetchRequest, _ int) (crawler.FetchResponse, error) {
		links, ok := sitePages[req.URL]
		if !ok {
			return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusNotFound, Body: []byte("<html></html>")}, nil
		}
		return crawler.FetchResponse{
			URL:        req.URL,
			StatusCode: http.StatusOK,
			Headers:    http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
			Body:       []byte(htmlPage(links...)),
			Duration:   20 * time.Millisecond,
		}, nil
	})
}

type harness struct {
	store     *memory.Store
	blobs     *memory.BlobStore
	publisher *mempub.Publisher
	registry  *Registry
	worker    *Worker
}

func newHarness(t *testing.T, fetcher crawler.Fetcher, publisher crawler.Publisher, retry crawler.RetryPolicy) *harness {
	t.Helper()
	h := &harness{
		store:    memory.NewStore(),
		blobs:    memory.NewBlobStore(),
		registry: NewRegistry(),
	}
	if publisher == nil {
		h.publisher = mempub.New()
		publisher = h.publisher
	}
	require.NoError(t, h.store.CreateProject(context.Background(), crawler.Project{
		ID: testProject, UserID: testUser, Name: "Site", RootURL: siteRoot,
	}))
	h.worker = New(Deps{
		Store:     h.store,
		BlobStore: h.blobs,
		Publisher: publisher,
		Fetcher:   fetcher,
		Auditor:   audit.New(),
		Retry:     retry,
		Hasher:    sha256.New(),
		Clock:     system.NewManual(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)),
		IDs:       &seqIDs{},
		Registry:  h.registry,
	}, Config{BlobPrefix: "pages"}, zap.NewNop())
	return h
}

func (h *harness) queueJob(t *testing.T, jobID string, params crawler.JobParameters) crawler.QueueItem {
	t.Helper()
	require.NoError(t, h.store.CreateJob(context.Background(), crawler.CrawlJob{
		ID: jobID, ProjectID: testProject, Status: crawler.JobStatusQueued, Parameters: params,
	}))
	return crawler.QueueItem{JobID: jobID, ProjectID: testProject, RootURL: siteRoot, Params: params}
}

func (h *harness) job(t *testing.T, jobID string) crawler.CrawlJob {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

func TestWorkerCrawlsBreadthFirstWithinDepth(t *testing.T) {
	t.Parallel()

	fetcher := siteFetcher()
	h := newHarness(t, fetcher, nil, nil)
	item := h.queueJob(t, "job-bfs", crawler.JobParameters{MaxPages: 10, MaxDepth: 1, RespectRobots: true})

	h.worker.processJob(context.Background(), item)

	job := h.job(t, "job-bfs")
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, crawler.JobCounters{PagesSucceeded: 3}, job.Counters)
	require.NotNil(t, job.Started)
	require.NotNil(t, job.Finished)

	pages, err := h.store.ListPages(context.Background(), "job-bfs")
	require.NoError(t, err)
	urls := make([]string, 0, len(pages))
	for _, p := range pages {
		urls = append(urls, p.URL)
		require.Equal(t, "job-bfs", p.CrawlJobID)
		require.Contains(t, p.BlobURI, "memory://pages/job-bfs/")
	}
	require.Equal(t, []string{siteRoot, "https://site.test/a", "https://site.test/b"}, urls)
	require.Equal(t, 1, fetcher.callCount(siteRoot))
	require.Zero(t, fetcher.callCount("https://site.test/c"))
	require.Zero(t, fetcher.callCount("https://other.test/x"))
	require.Equal(t, []string{"job-bfs"}, fetcher.released)

	audits, err := h.store.ListAuditsForUser(context.Background(), testUser)
	require.NoError(t, err)
	require.Len(t, audits, 3)

	msgs := h.publisher.Messages(crawler.TopicAuditCompleted)
	require.Len(t, msgs, 3)
	require.Contains(t, string(msgs[0].Data), `"crawlJobId":"job-bfs"`)
	require.Zero(t, h.registry.Active())
}

func TestWorkerStopsAtMaxPages(t *testing.T) {
	t.Parallel()

	fetcher := siteFetcher()
	h := newHarness(t, fetcher, nil, nil)
	item := h.queueJob(t, "job-cap", crawler.JobParameters{MaxPages: 2, MaxDepth: 5})

	h.worker.processJob(context.Background(), item)

	job := h.job(t, "job-cap")
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, 2, job.Counters.PagesSucceeded)
	require.Equal(t, 2, fetcher.totalCalls())
}

func TestWorkerRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(func(_ context.Context, req crawler.FetchRequest, call int) (crawler.FetchResponse, error) {
		if call <= 2 {
			return crawler.FetchResponse{}, errors.New("connection reset")
		}
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(htmlPage())}, nil
	})
	h := newHarness(t, fetcher, nil, crawler.NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond))
	item := h.queueJob(t, "job-retry", crawler.JobParameters{MaxPages: 1})

	h.worker.processJob(context.Background(), item)

	job := h.job(t, "job-retry")
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, crawler.JobCounters{PagesSucceeded: 1, Retries: 2}, job.Counters)
	require.Equal(t, 3, fetcher.callCount(siteRoot))
}

func TestWorkerKeepsFinalErrorStatusResponse(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(func(_ context.Context, req crawler.FetchRequest, _ int) (crawler.FetchResponse, error) {
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusServiceUnavailable, Body: []byte(htmlPage())}, nil
	})
	h := newHarness(t, fetcher, nil, crawler.NewRetryPolicy(2, time.Millisecond, time.Millisecond))
	item := h.queueJob(t, "job-503", crawler.JobParameters{MaxPages: 1})

	h.worker.processJob(context.Background(), item)

	job := h.job(t, "job-503")
	require.Equal(t, 1, job.Counters.Retries)
	audits, err := h.store.ListAuditsForProject(context.Background(), testProject)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	require.Equal(t, http.StatusServiceUnavailable, audits[0].Page.StatusCode)
	require.Equal(t, audit.CodeHTTPStatus, audits[0].Issues[0].Code)
}

func TestWorkerRobotsBlockedRootFailsJob(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(func(context.Context, crawler.FetchRequest, int) (crawler.FetchResponse, error) {
		return crawler.FetchResponse{}, crawler.ErrRobotsBlocked
	})
	h := newHarness(t, fetcher, nil, crawler.NewRetryPolicy(3, time.Millisecond, time.Millisecond))
	item := h.queueJob(t, "job-robots", crawler.JobParameters{MaxPages: 5, RespectRobots: true})

	h.worker.processJob(context.Background(), item)

	job := h.job(t, "job-robots")
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Equal(t, "no pages were fetched", job.ErrorText)
	require.Equal(t, crawler.JobCounters{}, job.Counters)
	require.Equal(t, 1, fetcher.callCount(siteRoot))
}

func TestWorkerRefusesBlockedRoot(t *testing.T) {
	t.Parallel()

	fetcher := siteFetcher()
	h := newHarness(t, fetcher, nil, nil)
	h.worker.Blocklist = blocklist.New([]string{"*.test"})
	item := h.queueJob(t, "job-blocked", crawler.JobParameters{MaxPages: 5})

	h.worker.processJob(context.Background(), item)

	job := h.job(t, "job-blocked")
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Equal(t, "root url host is blocked", job.ErrorText)
	require.Zero(t, fetcher.totalCalls())
}

func TestWorkerDropsPageRedirectedToBlockedHost(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(func(_ context.Context, req crawler.FetchRequest, _ int) (crawler.FetchResponse, error) {
		return crawler.FetchResponse{
			URL:        "http://169.254.169.254/latest/meta-data/",
			StatusCode: http.StatusOK,
			Headers:    http.Header{"Content-Type": []string{"text/html"}},
			Body:       []byte(htmlPage()),
		}, nil
	})
	h := newHarness(t, fetcher, nil, crawler.NewRetryPolicy(3, time.Millisecond, time.Millisecond))
	h.worker.Blocklist = blocklist.New([]string{"169.254.0.0/16"})
	item := h.queueJob(t, "job-redirect", crawler.JobParameters{MaxPages: 5})

	h.worker.processJob(context.Background(), item)

	job := h.job(t, "job-redirect")
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Equal(t, 1, job.Counters.PagesFailed)
	require.Contains(t, job.ErrorText, "host blocked by policy")
	require.Equal(t, 1, fetcher.callCount(siteRoot), "blocked hosts are not retried")
	pages, err := h.store.ListPages(context.Background(), "job-redirect")
	require.NoError(t, err)
	require.Empty(t, pages)
	require.Zero(t, h.blobs.Len())
	require.Empty(t, h.publisher.Messages(crawler.TopicAuditCompleted))
}

func TestWorkerCollyRedirectToBlockedHostStoresNothing(t *testing.T) {
	t.Parallel()

	secretHits := 0
	var mu sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		local := r.Context().Value(http.LocalAddrContextKey).(*net.TCPAddr)
		http.Redirect(w, r, fmt.Sprintf("http://127.0.0.1:%d/internal-secret", local.Port), http.StatusFound)
	})
	mux.HandleFunc("/internal-secret", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		secretHits++
		mu.Unlock()
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(htmlPage()))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	port := srv.Listener.Addr().(*net.TCPAddr).Port

	blocked := blocklist.New([]string{"127.0.0.1"})
	fetcher := collyfetcher.New(collyfetcher.Config{UserAgent: "audit-bot", Timeout: time.Second, Blocklist: blocked})
	h := newHarness(t, fetcher, nil, crawler.NewRetryPolicy(3, time.Millisecond, time.Millisecond))
	h.worker.Blocklist = blocked

	root := fmt.Sprintf("http://localhost:%d/", port)
	require.NoError(t, h.store.CreateJob(context.Background(), crawler.CrawlJob{
		ID: "job-ssrf", ProjectID: testProject, Status: crawler.JobStatusQueued,
		Parameters: crawler.JobParameters{MaxPages: 5},
	}))
	h.worker.processJob(context.Background(), crawler.QueueItem{
		JobID: "job-ssrf", ProjectID: testProject, RootURL: root, Params: crawler.JobParameters{MaxPages: 5},
	})

	job := h.job(t, "job-ssrf")
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Contains(t, job.ErrorText, "host blocked by policy")
	mu.Lock()
	require.Zero(t, secretHits)
	mu.Unlock()
	pages, err := h.store.ListPages(context.Background(), "job-ssrf")
	require.NoError(t, err)
	require.Empty(t, pages)
	require.Zero(t, h.blobs.Len())
}

func TestWorkerRecordsJobSpan(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	h := newHarness(t, siteFetcher(), nil, nil)
	h.worker.Tracer = provider.Tracer("worker-test")
	item := h.queueJob(t, "job-span", crawler.JobParameters{MaxPages: 2, MaxDepth: 1})

	h.worker.processJob(context.Background(), item)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "crawl_job", spans[0].Name())
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	require.Equal(t, "job-span", attrs["job.id"].AsString())
	require.Equal(t, string(crawler.JobStatusCompleted), attrs["job.status"].AsString())
	require.Equal(t, int64(2), attrs["job.pages_succeeded"].AsInt64())
}

func TestWorkerPublishFailureFailsPage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, siteFetcher(), failingPublisher{}, nil)
	item := h.queueJob(t, "job-pub", crawler.JobParameters{MaxPages: 3, MaxDepth: 1})

	h.worker.processJob(context.Background(), item)

	job := h.job(t, "job-pub")
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Equal(t, 1, job.Counters.PagesFailed)
	require.Contains(t, job.ErrorText, "broker down")
}

func TestWorkerRecordsNonHTMLWithoutAudit(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher(func(_ context.Context, req crawler.FetchRequest, _ int) (crawler.FetchResponse, error) {
		return crawler.FetchResponse{
			URL:        req.URL,
			StatusCode: http.StatusOK,
			Headers:    http.Header{"Content-Type": []string{"application/pdf"}},
			Body:       []byte("%PDF-1.7"),
		}, nil
	})
	h := newHarness(t, fetcher, nil, nil)
	item := h.queueJob(t, "job-pdf", crawler.JobParameters{MaxPages: 1})

	h.worker.processJob(context.Background(), item)

	require.Equal(t, crawler.JobStatusCompleted, h.job(t, "job-pdf").Status)
	pages, err := h.store.ListPages(context.Background(), "job-pdf")
	require.NoError(t, err)
	require.Len(t, pages, 1)
	require.Equal(t, int64(8), pages[0].SizeBytes)
	audits, err := h.store.ListAuditsForProject(context.Background(), testProject)
	require.NoError(t, err)
	require.Empty(t, audits)
	require.Equal(t, 1, h.blobs.Len())
}

func TestWorkerSkipsJobCanceledBeforeStart(t *testing.T) {
	t.Parallel()

	fetcher := siteFetcher()
	h := newHarness(t, fetcher, nil, nil)
	item := h.queueJob(t, "job-early", crawler.JobParameters{MaxPages: 3})
	require.NoError(t, h.store.UpdateJobStatus(context.Background(), "job-early", crawler.JobStatusCanceled, "", crawler.JobCounters{}))

	h.worker.processJob(context.Background(), item)

	require.Equal(t, crawler.JobStatusCanceled, h.job(t, "job-early").Status)
	require.Zero(t, fetcher.totalCalls())
}

func TestWorkerCancelViaRegistry(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	fetcher := newFakeFetcher(func(ctx context.Context, _ crawler.FetchRequest, _ int) (crawler.FetchResponse, error) {
		close(started)
		<-ctx.Done()
		return crawler.FetchResponse{}, ctx.Err()
	})
	h := newHarness(t, fetcher, nil, crawler.DefaultRetryPolicy())
	item := h.queueJob(t, "job-cancel", crawler.JobParameters{MaxPages: 3})

	done := make(chan struct{})
	go func() {
		h.worker.processJob(context.Background(), item)
		close(done)
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("fetch never started")
	}
	require.True(t, h.registry.Cancel("job-cancel"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
	job := h.job(t, "job-cancel")
	require.Equal(t, crawler.JobStatusCanceled, job.Status)
	require.Zero(t, job.Counters.PagesFailed)
	require.False(t, h.registry.Cancel("job-cancel"))
}

func TestWorkerObservesCancelFromStore(t *testing.T) {
	t.Parallel()

	var h *harness
	fetcher := newFakeFetcher(func(ctx context.Context, req crawler.FetchRequest, _ int) (crawler.FetchResponse, error) {
		require.NoError(t, h.store.UpdateJobStatus(ctx, req.JobID, crawler.JobStatusCanceled, "canceled by user", crawler.JobCounters{}))
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(htmlPage("/a", "/b"))}, nil
	})
	h = newHarness(t, fetcher, nil, nil)
	item := h.queueJob(t, "job-remote", crawler.JobParameters{MaxPages: 5, MaxDepth: 2})

	h.worker.processJob(context.Background(), item)

	job := h.job(t, "job-remote")
	require.Equal(t, crawler.JobStatusCanceled, job.Status)
	require.Equal(t, "canceled by user", job.ErrorText)
	require.Equal(t, 1, fetcher.totalCalls())
}

func TestWorkerRunDrainsQueueUntilClosed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, siteFetcher(), nil, nil)
	q := queuemem.NewQueue(2)
	h.worker.Queue = q
	item := h.queueJob(t, "job-run", crawler.JobParameters{MaxPages: 1})
	require.NoError(t, q.Enqueue(context.Background(), item))

	done := make(chan struct{})
	go func() {
		h.worker.Run(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		return h.job(t, "job-run").Status == crawler.JobStatusCompleted
	}, time.Second, 10*time.Millisecond)

	q.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after queue close")
	}
}

func TestDeriveFinalStatus(t *testing.T) {
	t.Parallel()

	status, text := deriveFinalStatus(false, crawler.JobCounters{}, "")
	require.Equal(t, crawler.JobStatusFailed, status)
	require.Equal(t, "no pages were fetched", text)

	status, text = deriveFinalStatus(false, crawler.JobCounters{PagesSucceeded: 2, PagesFailed: 1}, "fetch x: boom")
	require.Equal(t, crawler.JobStatusCompleted, status)
	require.Equal(t, "fetch x: boom", text)

	status, _ = deriveFinalStatus(true, crawler.JobCounters{PagesSucceeded: 2}, "")
	require.Equal(t, crawler.JobStatusCanceled, status)
}
