// Package crawler defines core types shared across subsystems.
package crawler

import (
	"errors"
	"net/http"
	"time"
)

// Store errors.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when creating a record whose ID is taken.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrJobFinalized is returned when updating a job that already reached a terminal status.
	ErrJobFinalized = errors.New("job already finalized")
)

// ErrRobotsBlocked is returned by fetchers when robots.txt disallows the URL.
var ErrRobotsBlocked = errors.New("blocked by robots.txt")

// ErrHostBlocked is returned when a URL, redirect target or dialed address is covered
// by the host policy.
var ErrHostBlocked = errors.New("host blocked by policy")

// ErrQueueClosed is returned by queues that no longer accept or yield jobs.
var ErrQueueClosed = errors.New("queue closed")

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// IsTerminal reports whether no further transitions are expected.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// Project is a user-owned root URL to crawl.
type Project struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	RootURL   string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobParameters captures per-job crawl limits.
type JobParameters struct {
	MaxPages      int  `json:"maxPages" mapstructure:"max_pages"`
	MaxDepth      int  `json:"maxDepth" mapstructure:"max_depth"`
	RespectRobots bool `json:"respectRobots" mapstructure:"respect_robots"`
}

// JobCounters tracks success/failure stats per job.
type JobCounters struct {
	PagesSucceeded int `json:"pagesSucceeded"`
	PagesFailed    int `json:"pagesFailed"`
	Retries        int `json:"retries"`
}

// CrawlJob is one execution of crawling a Project.
type CrawlJob struct {
	ID         string        `json:"id"`
	ProjectID  string        `json:"projectId"`
	Status     JobStatus     `json:"status"`
	ErrorText  string        `json:"errorText,omitempty"`
	Submitted  time.Time     `json:"submittedAt"`
	Started    *time.Time    `json:"startedAt,omitempty"`
	Finished   *time.Time    `json:"finishedAt,omitempty"`
	Parameters JobParameters `json:"parameters"`
	Counters   JobCounters   `json:"counters"`
}

// Page is a single fetched URL belonging to a CrawlJob.
type Page struct {
	ID          string    `json:"id"`
	CrawlJobID  string    `json:"crawlJobId"`
	URL         string    `json:"url"`
	StatusCode  int       `json:"statusCode"`
	Depth       int       `json:"depth"`
	ContentHash string    `json:"contentHash"`
	BlobURI     string    `json:"blobUri"`
	SizeBytes   int64     `json:"sizeBytes"`
	LoadTimeMs  int64     `json:"loadTimeMs"`
	FetchedAt   time.Time `json:"fetchedAt"`
}

// Severity ranks audit issues.
type Severity string

// Audit issue severities, most to least severe.
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityNotice  Severity = "notice"
)

// Issue is one finding raised by an audit rule.
type Issue struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// SeoAudit is the computed audit result attached to a Page.
type SeoAudit struct {
	ID               string    `json:"id"`
	PageID           string    `json:"pageId"`
	Score            int       `json:"score"`
	Title            string    `json:"title"`
	MetaDescription  string    `json:"metaDescription"`
	H1Count          int       `json:"h1Count"`
	WordCount        int       `json:"wordCount"`
	ImagesTotal      int       `json:"imagesTotal"`
	ImagesMissingAlt int       `json:"imagesMissingAlt"`
	InternalLinks    int       `json:"internalLinks"`
	ExternalLinks    int       `json:"externalLinks"`
	Canonical        string    `json:"canonical,omitempty"`
	HasViewport      bool      `json:"hasViewport"`
	Lang             string    `json:"lang,omitempty"`
	Issues           []Issue   `json:"issues"`
	CreatedAt        time.Time `json:"createdAt"`
}

// AuditWithPage is an audit with its parent page embedded, as served by the listing API.
type AuditWithPage struct {
	SeoAudit
	Page Page `json:"page"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID         string
	URL           string
	Depth         int
	Headers       http.Header
	RespectRobots bool
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// TopicAuditCompleted names the event published after each page audit is stored.
const TopicAuditCompleted = "audit.completed"

// AuditEvent is the payload published on TopicAuditCompleted.
type AuditEvent struct {
	Type       string    `json:"type"`
	JobID      string    `json:"crawlJobId"`
	ProjectID  string    `json:"projectId"`
	PageID     string    `json:"pageId"`
	AuditID    string    `json:"auditId"`
	URL        string    `json:"url"`
	Score      int       `json:"score"`
	IssueCount int       `json:"issueCount"`
	OccurredAt time.Time `json:"occurredAt"`
}
