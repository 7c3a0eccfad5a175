// Package backend is a small client for the service's own /v1 API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Lewis-walter7/seoanalyzer/internal/apperr"
)

const maxResponseBody = 1 << 20

// TokenSource returns the bearer token attached to each request.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// AnalyzeResponse is the answer to an analyze request. Fields the client does not know
// about are kept in Extra and written back out by MarshalJSON.
type AnalyzeResponse struct {
	Message    string
	Status     string
	CrawlJobID *string
	Extra      map[string]json.RawMessage
}

var knownAnalyzeFields = map[string]struct{}{
	"message":    {},
	"status":     {},
	"crawlJobId": {},
}

// UnmarshalJSON decodes the known fields and collects the rest into Extra.
func (r *AnalyzeResponse) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var known struct {
		Message    string  `json:"message"`
		Status     string  `json:"status"`
		CrawlJobID *string `json:"crawlJobId"`
	}
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	r.Message = known.Message
	r.Status = known.Status
	r.CrawlJobID = known.CrawlJobID
	r.Extra = nil
	for k, v := range raw {
		if _, ok := knownAnalyzeFields[k]; ok {
			continue
		}
		if r.Extra == nil {
			r.Extra = make(map[string]json.RawMessage)
		}
		r.Extra[k] = v
	}
	return nil
}

// MarshalJSON merges Extra with the known fields. Known fields win on collision.
func (r AnalyzeResponse) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+3)
	for k, v := range r.Extra {
		out[k] = v
	}
	out["message"] = r.Message
	out["status"] = r.Status
	if r.CrawlJobID != nil {
		out["crawlJobId"] = *r.CrawlJobID
	}
	return json.Marshal(out)
}

// Client calls the backend API with a bearer token.
type Client struct {
	baseURL string
	http    *http.Client
	token   TokenSource
}

// NewClient builds a Client. A nil httpClient gets a client with the given timeout.
func NewClient(baseURL string, httpClient *http.Client, timeout time.Duration, token TokenSource) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		token:   token,
	}
}

// AnalyzeProject asks the backend to start a crawl of projectID.
func (c *Client) AnalyzeProject(ctx context.Context, projectID string) (AnalyzeResponse, error) {
	if strings.TrimSpace(projectID) == "" {
		return AnalyzeResponse{}, apperr.New(apperr.KindBadRequest, "project id is required")
	}
	endpoint := fmt.Sprintf("%s/v1/projects/%s/analyze", c.baseURL, url.PathEscape(projectID))

	var out AnalyzeResponse
	if err := c.do(ctx, http.MethodPost, endpoint, nil, &out); err != nil {
		return AnalyzeResponse{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return fmt.Errorf("obtain token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError turns a non-2xx answer into an apperr.Error carrying the server's message.
func statusError(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	msg := http.StatusText(status)
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}

	cause := fmt.Errorf("backend returned %d", status)
	switch status {
	case http.StatusBadRequest:
		return apperr.Wrap(apperr.KindBadRequest, msg, cause)
	case http.StatusUnauthorized:
		return apperr.Wrap(apperr.KindUnauthorized, msg, cause)
	case http.StatusForbidden:
		return apperr.Wrap(apperr.KindForbidden, msg, cause)
	case http.StatusNotFound:
		return apperr.Wrap(apperr.KindNotFound, msg, cause)
	case http.StatusServiceUnavailable:
		return apperr.Wrap(apperr.KindServiceUnavailable, msg, cause)
	default:
		return apperr.Wrap(apperr.KindInternal, msg, cause)
	}
}
