package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Lewis-walter7/seoanalyzer/internal/apperr"
	"github.com/Lewis-walter7/seoanalyzer/internal/auth"
	"github.com/Lewis-walter7/seoanalyzer/internal/crawler"
	"github.com/Lewis-walter7/seoanalyzer/internal/stats"
)

// PassingScore is the audit score at which a page counts as passing.
const PassingScore = 80

const maxRequestBody = 1 << 16

type createProjectRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type analyzeRequest struct {
	MaxPages      *int  `json:"maxPages"`
	MaxDepth      *int  `json:"maxDepth"`
	RespectRobots *bool `json:"respectRobots"`
}

type analyzeResponse struct {
	Message    string `json:"message"`
	Status     string `json:"status"`
	CrawlJobID string `json:"crawlJobId"`
}

type pageView struct {
	crawler.Page
	Size string `json:"size"`
}

type projectSummary struct {
	ProjectID      string   `json:"projectId"`
	AuditCount     int      `json:"auditCount"`
	AverageScore   *float64 `json:"averageScore"`
	PassingPages   int      `json:"passingPages"`
	TotalSizeBytes int64    `json:"totalSizeBytes"`
	TotalSize      string   `json:"totalSize"`
}

// requireBackendToken authenticates /v1 calls with a minted backend token.
func (s *Server) requireBackendToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "Missing backend token")
			return
		}
		if s.Verifier == nil {
			s.writeAppError(w, r, apperr.Config("token verifier is not configured"), msgInternal)
			return
		}
		session, err := s.Verifier.Verify(token)
		switch {
		case err == nil:
		case errors.Is(err, auth.ErrInvalidSession):
			writeError(w, http.StatusUnauthorized, "Invalid backend token")
			return
		default:
			s.writeAppError(w, r, err, msgInternal)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithSession(r.Context(), session)))
	})
}

func sessionOf(r *http.Request) auth.Session {
	session, _ := auth.SessionFrom(r.Context())
	return session
}

func decodeBody(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return apperr.Wrap(apperr.KindBadRequest, "could not read request body", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apperr.Wrap(apperr.KindBadRequest, "invalid JSON", err)
	}
	return nil
}

// ownedProject loads the project and hides it from anyone but its owner or an admin.
func (s *Server) ownedProject(ctx context.Context, session auth.Session, projectID string) (crawler.Project, error) {
	project, err := s.Store.GetProject(ctx, projectID)
	if errors.Is(err, crawler.ErrNotFound) {
		return crawler.Project{}, apperr.New(apperr.KindNotFound, "project not found")
	}
	if err != nil {
		return crawler.Project{}, fmt.Errorf("get project %s: %w", projectID, err)
	}
	if project.UserID != session.UserID && !session.IsAdmin {
		return crawler.Project{}, apperr.New(apperr.KindNotFound, "project not found")
	}
	return project, nil
}

// ownedJob loads the job and checks ownership through its project.
func (s *Server) ownedJob(ctx context.Context, session auth.Session, jobID string) (crawler.CrawlJob, error) {
	job, err := s.Store.GetJob(ctx, jobID)
	if errors.Is(err, crawler.ErrNotFound) {
		return crawler.CrawlJob{}, apperr.New(apperr.KindNotFound, "crawl job not found")
	}
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("get crawl job %s: %w", jobID, err)
	}
	if _, err := s.ownedProject(ctx, session, job.ProjectID); err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return crawler.CrawlJob{}, apperr.New(apperr.KindNotFound, "crawl job not found")
		}
		return crawler.CrawlJob{}, err
	}
	return job, nil
}

func (s *Server) listPlans(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Catalog.Plans())
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeAppError(w, r, err, msgInternal)
		return
	}
	rootURL, err := crawler.NormalizeURL(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		return
	}
	if s.Blocked.Blocked(rootURL) {
		writeError(w, http.StatusBadRequest, "url host is not allowed")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		if u, err := url.Parse(rootURL); err == nil {
			name = u.Host
		}
	}
	id, err := s.IDs.NewID()
	if err != nil {
		s.writeAppError(w, r, fmt.Errorf("project id: %w", err), "Failed to create project")
		return
	}
	project := crawler.Project{
		ID:        id,
		UserID:    sessionOf(r).UserID,
		Name:      name,
		RootURL:   rootURL,
		CreatedAt: s.Clock.Now(),
	}
	if err := s.Store.CreateProject(r.Context(), project); err != nil {
		s.writeAppError(w, r, fmt.Errorf("create project: %w", err), "Failed to create project")
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	projects, err := s.Store.ListProjects(ctx, sessionOf(r).UserID)
	if err != nil {
		s.writeAppError(w, r, fmt.Errorf("list projects: %w", err), "Failed to fetch projects")
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.ownedProject(r.Context(), sessionOf(r), chi.URLParam(r, "project_id"))
	if err != nil {
		s.writeAppError(w, r, err, "Failed to fetch project")
		return
	}
	writeJSON(w, http.StatusOK, project)
}

// analyzeProject handles POST /v1/projects/{project_id}/analyze: it records a
// queued crawl job and hands it to the dispatcher.
func (s *Server) analyzeProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.ownedProject(r.Context(), sessionOf(r), chi.URLParam(r, "project_id"))
	if err != nil {
		s.writeAppError(w, r, err, "Failed to start analysis")
		return
	}
	var req analyzeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeAppError(w, r, err, msgInternal)
		return
	}
	params, err := s.jobParameters(req)
	if err != nil {
		s.writeAppError(w, r, err, msgInternal)
		return
	}

	jobID, err := s.IDs.NewID()
	if err != nil {
		s.writeAppError(w, r, fmt.Errorf("crawl job id: %w", err), "Failed to start analysis")
		return
	}
	now := s.Clock.Now()
	job := crawler.CrawlJob{
		ID:         jobID,
		ProjectID:  project.ID,
		Status:     crawler.JobStatusQueued,
		Submitted:  now,
		Parameters: params,
	}
	if err := s.Store.CreateJob(r.Context(), job); err != nil {
		s.writeAppError(w, r, fmt.Errorf("create crawl job: %w", err), "Failed to start analysis")
		return
	}

	item := crawler.QueueItem{
		JobID:     jobID,
		ProjectID: project.ID,
		RootURL:   project.RootURL,
		Params:    params,
		Submitted: now.Unix(),
	}
	if err := s.Jobs.Enqueue(r.Context(), item); err != nil {
		if updateErr := s.Store.UpdateJobStatus(context.WithoutCancel(r.Context()), jobID,
			crawler.JobStatusFailed, "enqueue failed: "+err.Error(), crawler.JobCounters{}); updateErr != nil {
			s.logger.Error("mark unqueued job failed", zap.String("job_id", jobID), zap.Error(updateErr))
		}
		s.writeAppError(w, r, err, "Failed to start analysis")
		return
	}

	s.logger.Info("crawl job queued",
		zap.String("job_id", jobID),
		zap.String("project_id", project.ID),
		zap.Int("max_pages", params.MaxPages),
		zap.Int("max_depth", params.MaxDepth),
	)
	writeJSON(w, http.StatusAccepted, analyzeResponse{
		Message:    "Analysis started",
		Status:     string(crawler.JobStatusQueued),
		CrawlJobID: jobID,
	})
}

func (s *Server) jobParameters(req analyzeRequest) (crawler.JobParameters, error) {
	params := crawler.JobParameters{
		MaxPages:      s.cfg.Crawler.MaxPagesDefault,
		MaxDepth:      s.cfg.Crawler.MaxDepthDefault,
		RespectRobots: !s.cfg.Crawler.IgnoreRobots,
	}
	if req.MaxPages != nil {
		if *req.MaxPages <= 0 {
			return params, apperr.New(apperr.KindBadRequest, "maxPages must be > 0")
		}
		params.MaxPages = *req.MaxPages
	}
	if req.MaxDepth != nil {
		if *req.MaxDepth < 0 {
			return params, apperr.New(apperr.KindBadRequest, "maxDepth must be >= 0")
		}
		params.MaxDepth = *req.MaxDepth
	}
	if req.RespectRobots != nil {
		params.RespectRobots = *req.RespectRobots
	}
	return params, nil
}

// projectSummary handles GET /v1/projects/{project_id}/summary.
func (s *Server) projectSummary(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	project, err := s.ownedProject(ctx, sessionOf(r), chi.URLParam(r, "project_id"))
	if err != nil {
		s.writeAppError(w, r, err, "Failed to fetch project summary")
		return
	}
	audits, err := s.Store.ListAuditsForProject(ctx, project.ID)
	if err != nil {
		s.writeAppError(w, r, fmt.Errorf("list project audits: %w", err), "Failed to fetch project summary")
		return
	}
	writeJSON(w, http.StatusOK, summarize(project.ID, audits))
}

func summarize(projectID string, audits []crawler.AuditWithPage) projectSummary {
	scores := make([]float64, 0, len(audits))
	passing := make([]map[string]any, 0, len(audits))
	var totalBytes int64
	for _, a := range audits {
		scores = append(scores, float64(a.Score))
		passing = append(passing, map[string]any{"passing": a.Score >= PassingScore})
		totalBytes += a.Page.SizeBytes
	}
	summary := projectSummary{
		ProjectID:      projectID,
		AuditCount:     len(audits),
		PassingPages:   stats.TallyCounts(passing, "passing"),
		TotalSizeBytes: totalBytes,
		TotalSize:      stats.FormatFileSize(totalBytes),
	}
	if len(scores) > 0 {
		avg := stats.Average(scores)
		summary.AverageScore = &avg
	}
	return summary
}

func (s *Server) getCrawlJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.ownedJob(r.Context(), sessionOf(r), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeAppError(w, r, err, "Failed to fetch crawl job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) listCrawlJobPages(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	job, err := s.ownedJob(ctx, sessionOf(r), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeAppError(w, r, err, "Failed to fetch pages")
		return
	}
	pages, err := s.Store.ListPages(ctx, job.ID)
	if err != nil {
		s.writeAppError(w, r, fmt.Errorf("list pages: %w", err), "Failed to fetch pages")
		return
	}
	out := make([]pageView, 0, len(pages))
	for _, p := range pages {
		out = append(out, pageView{Page: p, Size: stats.FormatFileSize(p.SizeBytes)})
	}
	writeJSON(w, http.StatusOK, out)
}

// cancelCrawlJob marks the job canceled and interrupts it if a local worker runs it.
func (s *Server) cancelCrawlJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.ownedJob(r.Context(), sessionOf(r), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeAppError(w, r, err, "Failed to cancel crawl job")
		return
	}
	err = s.Store.UpdateJobStatus(r.Context(), job.ID, crawler.JobStatusCanceled, "canceled via API", job.Counters)
	if errors.Is(err, crawler.ErrJobFinalized) {
		writeError(w, http.StatusConflict, "crawl job already finished")
		return
	}
	if err != nil {
		s.writeAppError(w, r, fmt.Errorf("cancel crawl job: %w", err), "Failed to cancel crawl job")
		return
	}
	interrupted := s.Jobs.Cancel(job.ID)
	s.logger.Info("crawl job canceled", zap.String("job_id", job.ID), zap.Bool("interrupted", interrupted))
	writeJSON(w, http.StatusOK, map[string]string{"id": job.ID, "status": string(crawler.JobStatusCanceled)})
}
