package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Lewis-walter7/seoanalyzer/internal/apperr"
)

func TestAnalyzeProjectSendsBearerAndDecodes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/projects/proj-1/analyze", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"message":"Analysis started","status":"queued","crawlJobId":"job-9","queuePosition":3}`))
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL+"/", nil, time.Second, StaticToken("tok"))
	resp, err := client.AnalyzeProject(context.Background(), "proj-1")
	require.NoError(t, err)
	require.Equal(t, "Analysis started", resp.Message)
	require.Equal(t, "queued", resp.Status)
	require.NotNil(t, resp.CrawlJobID)
	require.Equal(t, "job-9", *resp.CrawlJobID)
	require.JSONEq(t, `3`, string(resp.Extra["queuePosition"]))
	require.NotContains(t, resp.Extra, "status")
}

func TestAnalyzeResponseKeepsExtraFields(t *testing.T) {
	t.Parallel()

	var resp AnalyzeResponse
	require.NoError(t, json.Unmarshal([]byte(`{"message":"m","status":"s","hint":{"a":1}}`), &resp))
	require.Nil(t, resp.CrawlJobID)

	out, err := json.Marshal(resp)
	require.NoError(t, err)
	require.JSONEq(t, `{"message":"m","status":"s","hint":{"a":1}}`, string(out))
}

func TestAnalyzeProjectMapsErrorStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		kind   apperr.Kind
	}{
		{http.StatusUnauthorized, apperr.KindUnauthorized},
		{http.StatusNotFound, apperr.KindNotFound},
		{http.StatusServiceUnavailable, apperr.KindServiceUnavailable},
		{http.StatusBadGateway, apperr.KindInternal},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			t.Cleanup(srv.Close)

			_, err := NewClient(srv.URL, nil, time.Second, nil).AnalyzeProject(context.Background(), "p")
			require.Error(t, err)
			require.True(t, apperr.Is(err, tc.kind))

			var appErr *apperr.Error
			require.True(t, errors.As(err, &appErr))
			require.Equal(t, "nope", appErr.Message)
		})
	}
}

func TestAnalyzeProjectRequiresID(t *testing.T) {
	t.Parallel()

	_, err := NewClient("http://unused", nil, time.Second, nil).AnalyzeProject(context.Background(), " ")
	require.True(t, apperr.Is(err, apperr.KindBadRequest))
}

func TestAnalyzeProjectTokenError(t *testing.T) {
	t.Parallel()

	failing := func(context.Context) (string, error) { return "", errors.New("no secret") }
	_, err := NewClient("http://unused", nil, time.Second, failing).AnalyzeProject(context.Background(), "p")
	require.ErrorContains(t, err, "no secret")
}
