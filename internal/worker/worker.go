// Package worker runs the crawl pipeline for queued jobs.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Lewis-walter7/seoanalyzer/internal/crawler"
	"github.com/Lewis-walter7/seoanalyzer/internal/metrics"
)

var errRetryableStatus = errors.New("retryable status")

const tracerName = "github.com/Lewis-walter7/seoanalyzer/internal/worker"

// Config controls Worker behavior.
type Config struct {
	ContentType     string
	BlobPrefix      string
	DefaultMaxPages int
	DefaultMaxDepth int
}

// Deps bundles the collaborators a Worker drives.
type Deps struct {
	Queue     crawler.Queue
	Store     crawler.Store
	BlobStore crawler.BlobStore
	Publisher crawler.Publisher
	Fetcher   crawler.Fetcher
	Auditor   crawler.Auditor
	Limiter   crawler.RateLimiter
	Retry     crawler.RetryPolicy
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
	Registry  *Registry
	Blocklist HostPolicy
	// Tracer defaults to the global provider's tracer.
	Tracer trace.Tracer
}

// HostPolicy rejects URLs the crawler must not visit.
type HostPolicy interface {
	Blocked(rawURL string) bool
}

// resultReporter is implemented by limiters that adapt to server responses.
type resultReporter interface {
	ReportResult(url string, statusCode int)
}

// releaser is implemented by fetchers that hold per-job state.
type releaser interface {
	Release(jobID string)
}

// Worker consumes queue items and crawls each job's project.
type Worker struct {
	Deps
	cfg    Config
	logger *zap.Logger
}

type frontierEntry struct {
	url   string
	depth int
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if cfg.DefaultMaxPages <= 0 {
		cfg.DefaultMaxPages = 25
	}
	return &Worker{
		Deps:   deps,
		cfg:    cfg,
		logger: logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item crawler.QueueItem) {
	logger := w.logger.With(zap.String("job_id", item.JobID), zap.String("project_id", item.ProjectID))

	if err := w.Store.UpdateJobStatus(ctx, item.JobID, crawler.JobStatusRunning, "", crawler.JobCounters{}); err != nil {
		if errors.Is(err, crawler.ErrJobFinalized) {
			logger.Info("skipping job finalized before start")
			return
		}
		logger.Error("mark job running failed", zap.Error(err))
		return
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := w.Tracer.Start(ctx, "crawl_job")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", item.JobID),
		attribute.String("project.id", item.ProjectID),
	)

	jobCtx, done := w.Registry.track(ctx, item.JobID)
	counters, errText := w.crawl(jobCtx, item, logger)
	canceled := jobCtx.Err() != nil
	done()
	if r, ok := w.Fetcher.(releaser); ok {
		r.Release(item.JobID)
	}

	status, errText := deriveFinalStatus(canceled, counters, errText)
	err := w.Store.UpdateJobStatus(context.WithoutCancel(ctx), item.JobID, status, errText, counters)
	switch {
	case errors.Is(err, crawler.ErrJobFinalized):
		logger.Info("job finalized elsewhere", zap.String("status", string(status)))
	case err != nil:
		logger.Error("final job status update failed", zap.Error(err))
	}
	span.SetAttributes(
		attribute.String("job.status", string(status)),
		attribute.Int("job.pages_succeeded", counters.PagesSucceeded),
		attribute.Int("job.pages_failed", counters.PagesFailed),
	)
	if status == crawler.JobStatusFailed {
		span.SetStatus(codes.Error, errText)
	}
	metrics.ObserveJob(string(status))
	logger.Info("job finished",
		zap.String("status", string(status)),
		zap.Int("pages_succeeded", counters.PagesSucceeded),
		zap.Int("pages_failed", counters.PagesFailed),
		zap.Int("retries", counters.Retries),
	)
}

// crawl walks the project breadth-first, staying on the root's host.
func (w *Worker) crawl(ctx context.Context, item crawler.QueueItem, logger *zap.Logger) (crawler.JobCounters, string) {
	var counters crawler.JobCounters
	params := w.effectiveParams(item.Params)

	root, err := crawler.NormalizeURL(item.RootURL)
	if err != nil {
		return counters, fmt.Sprintf("invalid root url: %v", err)
	}
	if w.hostBlocked(root) {
		return counters, "root url host is blocked"
	}

	frontier := []frontierEntry{{url: root}}
	seen := map[string]struct{}{root: {}}
	errText := ""

	for len(frontier) > 0 && counters.PagesSucceeded+counters.PagesFailed < params.MaxPages {
		if ctx.Err() != nil || w.canceledInStore(ctx, item.JobID) {
			break
		}
		entry := frontier[0]
		frontier = frontier[1:]

		links, err := w.processURL(ctx, item, params, entry, &counters)
		switch {
		case errors.Is(err, crawler.ErrRobotsBlocked):
			logger.Debug("skipping url blocked by robots.txt", zap.String("url", entry.url))
			continue
		case err != nil:
			if ctx.Err() != nil {
				continue
			}
			counters.PagesFailed++
			errText = err.Error()
			logger.Warn("page failed", zap.String("url", entry.url), zap.Error(err))
			continue
		}
		counters.PagesSucceeded++

		if entry.depth >= params.MaxDepth {
			continue
		}
		for _, link := range links {
			if !crawler.SameHost(root, link) {
				continue
			}
			if _, ok := seen[link]; ok {
				continue
			}
			seen[link] = struct{}{}
			frontier = append(frontier, frontierEntry{url: link, depth: entry.depth + 1})
		}
	}
	return counters, errText
}

// canceledInStore catches cancellations issued by another process sharing the store.
func (w *Worker) canceledInStore(ctx context.Context, jobID string) bool {
	job, err := w.Store.GetJob(ctx, jobID)
	if err != nil || job.Status != crawler.JobStatusCanceled {
		return false
	}
	w.Registry.Cancel(jobID)
	return true
}

func (w *Worker) effectiveParams(p crawler.JobParameters) crawler.JobParameters {
	if p.MaxPages <= 0 {
		p.MaxPages = w.cfg.DefaultMaxPages
	}
	if p.MaxDepth < 0 {
		p.MaxDepth = w.cfg.DefaultMaxDepth
	}
	return p
}

func (w *Worker) processURL(
	ctx context.Context,
	item crawler.QueueItem,
	params crawler.JobParameters,
	entry frontierEntry,
	counters *crawler.JobCounters,
) ([]string, error) {
	if w.hostBlocked(entry.url) {
		metrics.ObservePage(entry.url, "blocked", 0)
		return nil, fmt.Errorf("fetch %s: %w", entry.url, crawler.ErrHostBlocked)
	}
	resp, err := w.fetchWithRetry(ctx, crawler.FetchRequest{
		JobID:         item.JobID,
		URL:           entry.url,
		Depth:         entry.depth,
		RespectRobots: params.RespectRobots,
	}, counters)
	if err != nil {
		if !errors.Is(err, crawler.ErrRobotsBlocked) {
			metrics.ObservePage(entry.url, "error", 0)
		}
		return nil, err
	}
	if resp.URL == "" {
		resp.URL = entry.url
	}
	// The fetcher may have followed redirects; never store a page served from a blocked host.
	if resp.URL != entry.url && w.hostBlocked(resp.URL) {
		metrics.ObservePage(entry.url, "blocked", 0)
		return nil, fmt.Errorf("fetch %s: redirected to %s: %w", entry.url, resp.URL, crawler.ErrHostBlocked)
	}
	metrics.ObservePage(resp.URL, strconv.Itoa(resp.StatusCode), len(resp.Body))

	page, err := w.persistPage(ctx, item.JobID, entry.depth, resp)
	if err != nil {
		return nil, err
	}
	if w.Auditor == nil || !isHTML(resp.Headers) {
		return nil, nil
	}
	return w.auditPage(ctx, item, page, resp)
}

func (w *Worker) hostBlocked(rawURL string) bool {
	return w.Blocklist != nil && w.Blocklist.Blocked(rawURL)
}

func (w *Worker) fetchWithRetry(
	ctx context.Context,
	req crawler.FetchRequest,
	counters *crawler.JobCounters,
) (crawler.FetchResponse, error) {
	for attempt := 1; ; attempt++ {
		if w.Limiter != nil {
			if err := w.Limiter.Wait(ctx, req.URL); err != nil {
				return crawler.FetchResponse{}, fmt.Errorf("rate limit wait: %w", err)
			}
		}
		resp, err := w.Fetcher.Fetch(ctx, req)
		if err == nil {
			if reporter, ok := w.Limiter.(resultReporter); ok {
				reporter.ReportResult(req.URL, resp.StatusCode)
			}
		}

		retryErr := err
		if err == nil && retryableStatus(resp.StatusCode) {
			retryErr = fmt.Errorf("%w: %d", errRetryableStatus, resp.StatusCode)
		}
		if retryErr == nil || errors.Is(retryErr, crawler.ErrRobotsBlocked) ||
			errors.Is(retryErr, crawler.ErrHostBlocked) ||
			w.Retry == nil || !w.Retry.ShouldRetry(retryErr, attempt) {
			if err != nil {
				return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, err)
			}
			return resp, nil
		}

		counters.Retries++
		metrics.ObserveRetry(req.URL)
		timer := time.NewTimer(w.Retry.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, ctx.Err())
		case <-timer.C:
		}
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func isHTML(headers http.Header) bool {
	ct := headers.Get("Content-Type")
	if ct == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.Contains(strings.ToLower(ct), "html")
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

func (w *Worker) buildBlobPath(jobID, hash string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", jobID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, jobID, hash)
}

func (w *Worker) persistPage(ctx context.Context, jobID string, depth int, resp crawler.FetchResponse) (crawler.Page, error) {
	hash, err := w.Hasher.Hash(resp.Body)
	if err != nil {
		return crawler.Page{}, fmt.Errorf("hash body: %w", err)
	}
	uri, err := w.BlobStore.PutObject(ctx, w.buildBlobPath(jobID, hash), w.cfg.ContentType, bytes.NewReader(resp.Body))
	if err != nil {
		return crawler.Page{}, fmt.Errorf("put object: %w", err)
	}
	id, err := w.IDs.NewID()
	if err != nil {
		return crawler.Page{}, fmt.Errorf("page id: %w", err)
	}

	page := crawler.Page{
		ID:          id,
		CrawlJobID:  jobID,
		URL:         resp.URL,
		StatusCode:  resp.StatusCode,
		Depth:       depth,
		ContentHash: hash,
		BlobURI:     uri,
		SizeBytes:   int64(len(resp.Body)),
		LoadTimeMs:  resp.Duration.Milliseconds(),
		FetchedAt:   w.Clock.Now(),
	}
	if err := w.Store.RecordPage(ctx, page); err != nil {
		return crawler.Page{}, fmt.Errorf("record page: %w", err)
	}
	return page, nil
}

func (w *Worker) auditPage(
	ctx context.Context,
	item crawler.QueueItem,
	page crawler.Page,
	resp crawler.FetchResponse,
) ([]string, error) {
	result, links, err := w.Auditor.Audit(page, resp)
	if err != nil {
		return nil, fmt.Errorf("audit %s: %w", page.URL, err)
	}
	if result.ID, err = w.IDs.NewID(); err != nil {
		return nil, fmt.Errorf("audit id: %w", err)
	}
	result.PageID = page.ID
	result.CreatedAt = w.Clock.Now()
	if err := w.Store.RecordAudit(ctx, result); err != nil {
		return nil, fmt.Errorf("record audit: %w", err)
	}

	severities := make(map[string]string, len(result.Issues))
	for _, issue := range result.Issues {
		severities[issue.Code] = string(issue.Severity)
	}
	metrics.ObserveAudit(result.Score, severities)

	if err := w.publishAudit(ctx, item, page, result); err != nil {
		return nil, err
	}
	return links, nil
}

func (w *Worker) publishAudit(ctx context.Context, item crawler.QueueItem, page crawler.Page, result crawler.SeoAudit) error {
	if w.Publisher == nil {
		return nil
	}
	event := crawler.AuditEvent{
		Type:       crawler.TopicAuditCompleted,
		JobID:      item.JobID,
		ProjectID:  item.ProjectID,
		PageID:     page.ID,
		AuditID:    result.ID,
		URL:        page.URL,
		Score:      result.Score,
		IssueCount: len(result.Issues),
		OccurredAt: result.CreatedAt,
	}
	if _, err := w.Publisher.Publish(ctx, crawler.TopicAuditCompleted, event); err != nil {
		return fmt.Errorf("publish audit event: %w", err)
	}
	return nil
}

func deriveFinalStatus(canceled bool, counters crawler.JobCounters, errText string) (crawler.JobStatus, string) {
	if counters.PagesSucceeded == 0 && errText == "" {
		errText = "no pages were fetched"
	}

	switch {
	case canceled:
		return crawler.JobStatusCanceled, errText
	case counters.PagesSucceeded == 0:
		return crawler.JobStatusFailed, errText
	default:
		return crawler.JobStatusCompleted, errText
	}
}
