package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Lewis-walter7/seoanalyzer/internal/auth"
	"github.com/Lewis-walter7/seoanalyzer/internal/billing"
	"github.com/Lewis-walter7/seoanalyzer/internal/clock/system"
	"github.com/Lewis-walter7/seoanalyzer/internal/config"
	"github.com/Lewis-walter7/seoanalyzer/internal/crawler"
	"github.com/Lewis-walter7/seoanalyzer/internal/id/uuid"
	"github.com/Lewis-walter7/seoanalyzer/internal/storage/memory"
)

const testSecret = "test-secret"

var testNow = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

type fakeJobs struct {
	mu       sync.Mutex
	items    []crawler.QueueItem
	canceled []string
	err      error
}

func (f *fakeJobs) Enqueue(_ context.Context, item crawler.QueueItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.items = append(f.items, item)
	return nil
}

func (f *fakeJobs) Cancel(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, jobID)
	return true
}

type testEnv struct {
	server *Server
	store  *memory.Store
	jobs   *fakeJobs
}

func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	store := memory.NewStore()
	jobs := &fakeJobs{}
	sessions := auth.NewJWTSessionResolver(testSecret)
	deps := Deps{
		Store:    store,
		Jobs:     jobs,
		Sessions: sessions,
		Minter:   auth.NewMinter(testSecret, sessions),
		Verifier: auth.NewVerifier(testSecret),
		Plans:    billing.NewPlanClient("http://127.0.0.1:1", nil, time.Second),
		Catalog:  billing.NewCatalog([]billing.Plan{{ID: "free", Name: "Free", MaxProjects: 1}}),
		IDs:      uuid.New(),
		Clock:    system.NewManual(testNow),
	}
	if mutate != nil {
		mutate(&deps)
	}
	cfg := config.Config{Crawler: config.CrawlerConfig{MaxPagesDefault: 25, MaxDepthDefault: 2}}
	return &testEnv{
		server: NewServer(deps, cfg, zap.NewNop()),
		store:  store,
		jobs:   jobs,
	}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func sessionCookie(t *testing.T, userID string) *http.Cookie {
	t.Helper()
	claims := auth.SessionClaims{
		Email: userID + "@example.test",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return &http.Cookie{Name: auth.SessionCookie, Value: signed}
}

func backendRequest(t *testing.T, method, path, body string, session auth.Session) *http.Request {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	token, err := auth.NewMinter(testSecret, nil).Mint(session)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// seedAudit stores a project, job, page and audit chain owned by userID.
func seedAudit(t *testing.T, store *memory.Store, userID, suffix string, score int, size int64) {
	t.Helper()
	ctx := context.Background()
	projectID := "proj-" + suffix
	if _, err := store.GetProject(ctx, projectID); err != nil {
		require.NoError(t, store.CreateProject(ctx, crawler.Project{
			ID: projectID, UserID: userID, Name: suffix, RootURL: "https://" + suffix + ".test/", CreatedAt: testNow,
		}))
		require.NoError(t, store.CreateJob(ctx, crawler.CrawlJob{
			ID: "job-" + suffix, ProjectID: projectID, Status: crawler.JobStatusQueued, Submitted: testNow,
		}))
	}
	pageID := fmt.Sprintf("page-%s-%d", suffix, score)
	require.NoError(t, store.RecordPage(ctx, crawler.Page{
		ID: pageID, CrawlJobID: "job-" + suffix, URL: "https://" + suffix + ".test/", StatusCode: 200, SizeBytes: size,
	}))
	require.NoError(t, store.RecordAudit(ctx, crawler.SeoAudit{
		ID: "audit-" + pageID, PageID: pageID, Score: score, CreatedAt: testNow,
	}))
}
