// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Lewis-walter7/seoanalyzer/internal/crawler"
)

// Store implements crawler.Store with maps guarded by a RWMutex.
type Store struct {
	mu       sync.RWMutex
	now      func() time.Time
	projects map[string]crawler.Project
	jobs     map[string]crawler.CrawlJob
	pages    map[string][]crawler.Page
	pageByID map[string]crawler.Page
	audits   map[string]crawler.SeoAudit
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		now:      func() time.Time { return time.Now().UTC() },
		projects: make(map[string]crawler.Project),
		jobs:     make(map[string]crawler.CrawlJob),
		pages:    make(map[string][]crawler.Page),
		pageByID: make(map[string]crawler.Page),
		audits:   make(map[string]crawler.SeoAudit),
	}
}

// CreateProject stores a new project.
func (s *Store) CreateProject(_ context.Context, project crawler.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.projects[project.ID]; exists {
		return fmt.Errorf("project %s: %w", project.ID, crawler.ErrAlreadyExists)
	}
	s.projects[project.ID] = project
	return nil
}

// GetProject fetches a project by ID.
func (s *Store) GetProject(_ context.Context, projectID string) (crawler.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	project, ok := s.projects[projectID]
	if !ok {
		return crawler.Project{}, crawler.ErrNotFound
	}
	return project, nil
}

// ListProjects returns the user's projects, oldest first.
func (s *Store) ListProjects(_ context.Context, userID string) ([]crawler.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Project, 0)
	for _, p := range s.projects {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// CreateJob stores a new crawl job.
func (s *Store) CreateJob(_ context.Context, job crawler.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[job.ProjectID]; !ok {
		return fmt.Errorf("project %s: %w", job.ProjectID, crawler.ErrNotFound)
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: %w", job.ID, crawler.ErrAlreadyExists)
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJobStatus updates the status and counters for a job. Jobs in a terminal
// status are left untouched and ErrJobFinalized is returned.
func (s *Store) UpdateJobStatus(
	_ context.Context,
	jobID string,
	status crawler.JobStatus,
	errText string,
	counters crawler.JobCounters,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return crawler.ErrJobFinalized
	}
	job.Status = status
	job.ErrorText = errText
	job.Counters = counters
	now := s.now()
	if status == crawler.JobStatusRunning && job.Started == nil {
		job.Started = pointerTime(now)
	}
	if status.IsTerminal() {
		job.Finished = pointerTime(now)
	}
	s.jobs[jobID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (crawler.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.CrawlJob{}, crawler.ErrNotFound
	}
	return job, nil
}

// RecordPage appends a page to its job.
func (s *Store) RecordPage(_ context.Context, page crawler.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[page.CrawlJobID]; !ok {
		return fmt.Errorf("job %s: %w", page.CrawlJobID, crawler.ErrNotFound)
	}
	s.pages[page.CrawlJobID] = append(s.pages[page.CrawlJobID], page)
	s.pageByID[page.ID] = page
	return nil
}

// ListPages returns a copy of the pages recorded for a job.
func (s *Store) ListPages(_ context.Context, jobID string) ([]crawler.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pages := s.pages[jobID]
	out := make([]crawler.Page, len(pages))
	copy(out, pages)
	return out, nil
}

// RecordAudit stores the audit for a previously recorded page.
func (s *Store) RecordAudit(_ context.Context, audit crawler.SeoAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pageByID[audit.PageID]; !ok {
		return fmt.Errorf("page %s: %w", audit.PageID, crawler.ErrNotFound)
	}
	audit.Issues = append([]crawler.Issue(nil), audit.Issues...)
	s.audits[audit.ID] = audit
	return nil
}

// ListAuditsForUser returns audits under projects owned by userID, newest first.
func (s *Store) ListAuditsForUser(_ context.Context, userID string) ([]crawler.AuditWithPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectAudits(func(p crawler.Project) bool { return p.UserID == userID }), nil
}

// ListAuditsForProject returns audits recorded under projectID, newest first.
func (s *Store) ListAuditsForProject(_ context.Context, projectID string) ([]crawler.AuditWithPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectAudits(func(p crawler.Project) bool { return p.ID == projectID }), nil
}

// collectAudits walks audit -> page -> job -> project. Callers hold the read lock.
func (s *Store) collectAudits(match func(crawler.Project) bool) []crawler.AuditWithPage {
	out := make([]crawler.AuditWithPage, 0)
	for _, audit := range s.audits {
		page, ok := s.pageByID[audit.PageID]
		if !ok {
			continue
		}
		job, ok := s.jobs[page.CrawlJobID]
		if !ok {
			continue
		}
		project, ok := s.projects[job.ProjectID]
		if !ok || !match(project) {
			continue
		}
		cp := audit
		cp.Issues = append([]crawler.Issue(nil), audit.Issues...)
		out = append(out, crawler.AuditWithPage{SeoAudit: cp, Page: page})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
