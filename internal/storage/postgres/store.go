// Package postgres provides the Postgres-backed crawler.Store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Lewis-walter7/seoanalyzer/internal/crawler"
)

var validSchemaName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// uniqueViolation is the SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Schema          string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store needs; pgxmock satisfies it in tests.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store implements crawler.Store on Postgres.
type Store struct {
	pool   pool
	schema string
	now    func() time.Time
}

// New connects a pool using cfg and returns a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p, cfg.Schema)
}

// NewWithPool wraps an existing pool (primarily for testing).
func NewWithPool(p pool, schema string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if schema == "" {
		schema = "public"
	}
	if !validSchemaName.MatchString(schema) {
		return nil, fmt.Errorf("invalid schema name %q", schema)
	}
	return &Store{
		pool:   p,
		schema: schema,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *Store) table(name string) string {
	return s.schema + "." + name
}

// EnsureSchema creates the tables the store uses when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	name TEXT NOT NULL,
	root_url TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`, s.table("projects")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES %s(id),
	status TEXT NOT NULL,
	error_text TEXT NOT NULL DEFAULT '',
	submitted_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	max_pages INT NOT NULL,
	max_depth INT NOT NULL,
	respect_robots BOOLEAN NOT NULL,
	pages_succeeded INT NOT NULL DEFAULT 0,
	pages_failed INT NOT NULL DEFAULT 0,
	retries INT NOT NULL DEFAULT 0
)`, s.table("crawl_jobs"), s.table("projects")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	crawl_job_id TEXT NOT NULL REFERENCES %s(id),
	url TEXT NOT NULL,
	status_code INT NOT NULL,
	depth INT NOT NULL,
	content_hash TEXT NOT NULL,
	blob_uri TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	load_time_ms BIGINT NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL
)`, s.table("pages"), s.table("crawl_jobs")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	page_id TEXT NOT NULL REFERENCES %s(id),
	score INT NOT NULL,
	title TEXT NOT NULL,
	meta_description TEXT NOT NULL,
	h1_count INT NOT NULL,
	word_count INT NOT NULL,
	images_total INT NOT NULL,
	images_missing_alt INT NOT NULL,
	internal_links INT NOT NULL,
	external_links INT NOT NULL,
	canonical TEXT NOT NULL,
	has_viewport BOOLEAN NOT NULL,
	lang TEXT NOT NULL,
	issues JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`, s.table("seo_audits"), s.table("pages")),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// CreateProject inserts a project row.
func (s *Store) CreateProject(ctx context.Context, project crawler.Project) error {
	query := fmt.Sprintf(`INSERT INTO %s (id, user_id, name, root_url, created_at)
VALUES ($1, $2, $3, $4, $5)`, s.table("projects"))
	_, err := s.pool.Exec(ctx, query, project.ID, project.UserID, project.Name, project.RootURL, project.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert project: %w", mapWriteErr(err))
	}
	return nil
}

// GetProject fetches a project by ID.
func (s *Store) GetProject(ctx context.Context, projectID string) (crawler.Project, error) {
	query := fmt.Sprintf(`SELECT id, user_id, name, root_url, created_at FROM %s WHERE id = $1`, s.table("projects"))
	var p crawler.Project
	err := s.pool.QueryRow(ctx, query, projectID).Scan(&p.ID, &p.UserID, &p.Name, &p.RootURL, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Project{}, crawler.ErrNotFound
		}
		return crawler.Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// ListProjects returns the user's projects, oldest first.
func (s *Store) ListProjects(ctx context.Context, userID string) ([]crawler.Project, error) {
	query := fmt.Sprintf(`SELECT id, user_id, name, root_url, created_at FROM %s
WHERE user_id = $1 ORDER BY created_at, id`, s.table("projects"))
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	out := make([]crawler.Project, 0)
	for rows.Next() {
		var p crawler.Project
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.RootURL, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project rows: %w", err)
	}
	return out, nil
}

// CreateJob inserts a crawl job row.
func (s *Store) CreateJob(ctx context.Context, job crawler.CrawlJob) error {
	query := fmt.Sprintf(`INSERT INTO %s (
	id, project_id, status, error_text, submitted_at, max_pages, max_depth, respect_robots
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, s.table("crawl_jobs"))
	_, err := s.pool.Exec(ctx, query,
		job.ID,
		job.ProjectID,
		string(job.Status),
		job.ErrorText,
		job.Submitted,
		job.Parameters.MaxPages,
		job.Parameters.MaxDepth,
		job.Parameters.RespectRobots,
	)
	if err != nil {
		return fmt.Errorf("insert crawl job: %w", mapWriteErr(err))
	}
	return nil
}

// UpdateJobStatus moves a non-terminal job to status. Terminal jobs are left untouched
// and ErrJobFinalized is returned.
func (s *Store) UpdateJobStatus(
	ctx context.Context,
	jobID string,
	status crawler.JobStatus,
	errText string,
	counters crawler.JobCounters,
) error {
	query := fmt.Sprintf(`UPDATE %s SET
	status = $2,
	error_text = $3,
	pages_succeeded = $4,
	pages_failed = $5,
	retries = $6,
	started_at = CASE WHEN $7 AND started_at IS NULL THEN $9 ELSE started_at END,
	finished_at = CASE WHEN $8 THEN $9 ELSE finished_at END
WHERE id = $1 AND status NOT IN ('completed', 'failed', 'canceled')`, s.table("crawl_jobs"))

	tag, err := s.pool.Exec(ctx, query,
		jobID,
		string(status),
		errText,
		counters.PagesSucceeded,
		counters.PagesFailed,
		counters.Retries,
		status == crawler.JobStatusRunning,
		status.IsTerminal(),
		s.now(),
	)
	if err != nil {
		return fmt.Errorf("update crawl job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, s.table("crawl_jobs")), jobID).
		Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read crawl job status: %w", err)
	}
	return crawler.ErrJobFinalized
}

// GetJob fetches a crawl job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (crawler.CrawlJob, error) {
	query := fmt.Sprintf(`SELECT id, project_id, status, error_text, submitted_at, started_at, finished_at,
	max_pages, max_depth, respect_robots, pages_succeeded, pages_failed, retries
FROM %s WHERE id = $1`, s.table("crawl_jobs"))

	var (
		job    crawler.CrawlJob
		status string
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&job.ID,
		&job.ProjectID,
		&status,
		&job.ErrorText,
		&job.Submitted,
		&job.Started,
		&job.Finished,
		&job.Parameters.MaxPages,
		&job.Parameters.MaxDepth,
		&job.Parameters.RespectRobots,
		&job.Counters.PagesSucceeded,
		&job.Counters.PagesFailed,
		&job.Counters.Retries,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.CrawlJob{}, crawler.ErrNotFound
		}
		return crawler.CrawlJob{}, fmt.Errorf("get crawl job: %w", err)
	}
	job.Status = crawler.JobStatus(status)
	return job, nil
}

// RecordPage inserts a page row.
func (s *Store) RecordPage(ctx context.Context, page crawler.Page) error {
	query := fmt.Sprintf(`INSERT INTO %s (
	id, crawl_job_id, url, status_code, depth, content_hash, blob_uri, size_bytes, load_time_ms, fetched_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, s.table("pages"))
	_, err := s.pool.Exec(ctx, query,
		page.ID,
		page.CrawlJobID,
		page.URL,
		page.StatusCode,
		page.Depth,
		page.ContentHash,
		page.BlobURI,
		page.SizeBytes,
		page.LoadTimeMs,
		page.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("insert page: %w", mapWriteErr(err))
	}
	return nil
}

// ListPages returns the pages of a job in fetch order.
func (s *Store) ListPages(ctx context.Context, jobID string) ([]crawler.Page, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE crawl_job_id = $1 ORDER BY fetched_at, id`, pageColumns, s.table("pages"))
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	out := make([]crawler.Page, 0)
	for rows.Next() {
		var p crawler.Page
		if err := rows.Scan(pageDest(&p)...); err != nil {
			return nil, fmt.Errorf("scan page row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page rows: %w", err)
	}
	return out, nil
}

// RecordAudit inserts an audit row. Issues are stored as JSONB.
func (s *Store) RecordAudit(ctx context.Context, audit crawler.SeoAudit) error {
	issues := audit.Issues
	if issues == nil {
		issues = []crawler.Issue{}
	}
	issuesJSON, err := json.Marshal(issues)
	if err != nil {
		return fmt.Errorf("marshal issues: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (
	id, page_id, score, title, meta_description, h1_count, word_count, images_total,
	images_missing_alt, internal_links, external_links, canonical, has_viewport, lang, issues, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`, s.table("seo_audits"))
	_, err = s.pool.Exec(ctx, query,
		audit.ID,
		audit.PageID,
		audit.Score,
		audit.Title,
		audit.MetaDescription,
		audit.H1Count,
		audit.WordCount,
		audit.ImagesTotal,
		audit.ImagesMissingAlt,
		audit.InternalLinks,
		audit.ExternalLinks,
		audit.Canonical,
		audit.HasViewport,
		audit.Lang,
		issuesJSON,
		audit.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit: %w", mapWriteErr(err))
	}
	return nil
}

// ListAuditsForUser joins audits through pages, jobs and projects owned by userID.
func (s *Store) ListAuditsForUser(ctx context.Context, userID string) ([]crawler.AuditWithPage, error) {
	return s.listAudits(ctx, "pr.user_id = $1", userID)
}

// ListAuditsForProject returns every audit recorded under projectID.
func (s *Store) ListAuditsForProject(ctx context.Context, projectID string) ([]crawler.AuditWithPage, error) {
	return s.listAudits(ctx, "pr.id = $1", projectID)
}

func (s *Store) listAudits(ctx context.Context, where string, arg string) ([]crawler.AuditWithPage, error) {
	query := fmt.Sprintf(`SELECT a.id, a.page_id, a.score, a.title, a.meta_description, a.h1_count, a.word_count,
	a.images_total, a.images_missing_alt, a.internal_links, a.external_links, a.canonical,
	a.has_viewport, a.lang, a.issues, a.created_at,
	%s
FROM %s a
JOIN %s p ON p.id = a.page_id
JOIN %s j ON j.id = p.crawl_job_id
JOIN %s pr ON pr.id = j.project_id
WHERE %s
ORDER BY a.created_at DESC, a.id DESC`,
		prefixedPageColumns, s.table("seo_audits"), s.table("pages"), s.table("crawl_jobs"), s.table("projects"), where)

	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}
	defer rows.Close()

	out := make([]crawler.AuditWithPage, 0)
	for rows.Next() {
		var (
			item   crawler.AuditWithPage
			issues []byte
		)
		a := &item.SeoAudit
		dest := []any{
			&a.ID, &a.PageID, &a.Score, &a.Title, &a.MetaDescription, &a.H1Count, &a.WordCount,
			&a.ImagesTotal, &a.ImagesMissingAlt, &a.InternalLinks, &a.ExternalLinks, &a.Canonical,
			&a.HasViewport, &a.Lang, &issues, &a.CreatedAt,
		}
		dest = append(dest, pageDest(&item.Page)...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		if err := json.Unmarshal(issues, &a.Issues); err != nil {
			return nil, fmt.Errorf("decode audit issues: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return out, nil
}

const pageColumns = `id, crawl_job_id, url, status_code, depth, content_hash, blob_uri, size_bytes, load_time_ms, fetched_at`

const prefixedPageColumns = `p.id, p.crawl_job_id, p.url, p.status_code, p.depth, p.content_hash, p.blob_uri,
	p.size_bytes, p.load_time_ms, p.fetched_at`

func pageDest(p *crawler.Page) []any {
	return []any{
		&p.ID, &p.CrawlJobID, &p.URL, &p.StatusCode, &p.Depth, &p.ContentHash,
		&p.BlobURI, &p.SizeBytes, &p.LoadTimeMs, &p.FetchedAt,
	}
}

func mapWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", crawler.ErrAlreadyExists, pgErr.ConstraintName)
	}
	return err
}
