package crawler

import (
	"context"
	"io"
	"time"
)

// Store persists projects, crawl jobs, pages and audits.
type Store interface {
	CreateProject(ctx context.Context, project Project) error
	GetProject(ctx context.Context, projectID string) (Project, error)
	ListProjects(ctx context.Context, userID string) ([]Project, error)

	CreateJob(ctx context.Context, job CrawlJob) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string, counters JobCounters) error
	GetJob(ctx context.Context, jobID string) (CrawlJob, error)

	RecordPage(ctx context.Context, page Page) error
	ListPages(ctx context.Context, jobID string) ([]Page, error)

	RecordAudit(ctx context.Context, audit SeoAudit) error
	// ListAuditsForUser returns audits whose page's job's project is owned by userID.
	ListAuditsForUser(ctx context.Context, userID string) ([]AuditWithPage, error)
	// ListAuditsForProject returns every audit recorded under the project.
	ListAuditsForProject(ctx context.Context, projectID string) ([]AuditWithPage, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes audit events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Auditor computes an SEO audit for a fetched page.
type Auditor interface {
	Audit(page Page, resp FetchResponse) (SeoAudit, []string, error)
}

// Queue provides enqueue/dequeue semantics for crawl jobs.
type Queue interface {
	Enqueue(ctx context.Context, job QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// RateLimiter paces fetches per host.
type RateLimiter interface {
	Wait(ctx context.Context, url string) error
}

// RetryPolicy decides whether and when a failed fetch is retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// QueueItem wraps a crawl job ready to run.
type QueueItem struct {
	JobID     string
	ProjectID string
	RootURL   string
	Params    JobParameters
	Submitted int64
}
