// Package billing serves the subscription plan catalog and proxies plan lookups to the
// backend billing service.
package billing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// PlansPath is the backend route that lists subscription plans.
const PlansPath = "/v1/subscription/plans"

// maxPlansBody bounds the upstream response; larger bodies are rejected, not truncated.
const maxPlansBody = 1 << 20

// Plan is one entry of the subscription catalog.
type Plan struct {
	ID               string   `json:"id" mapstructure:"id"`
	Name             string   `json:"name" mapstructure:"name"`
	PriceCents       int64    `json:"priceCents" mapstructure:"price_cents"`
	Currency         string   `json:"currency" mapstructure:"currency"`
	Interval         string   `json:"interval" mapstructure:"interval"`
	MaxProjects      int      `json:"maxProjects" mapstructure:"max_projects"`
	MaxPagesPerCrawl int      `json:"maxPagesPerCrawl" mapstructure:"max_pages_per_crawl"`
	Features         []string `json:"features" mapstructure:"features"`
}

// Catalog is the locally configured plan list served by the backend surface.
type Catalog struct {
	plans []Plan
}

// NewCatalog copies plans into a Catalog.
func NewCatalog(plans []Plan) *Catalog {
	out := make([]Plan, len(plans))
	for i, p := range plans {
		cp := p
		cp.Features = append([]string{}, p.Features...)
		out[i] = cp
	}
	return &Catalog{plans: out}
}

// Plans returns a copy of the catalog, never nil.
func (c *Catalog) Plans() []Plan {
	if c == nil {
		return []Plan{}
	}
	out := make([]Plan, len(c.plans))
	copy(out, c.plans)
	return out
}

// Find looks up a plan by ID.
func (c *Catalog) Find(id string) (Plan, bool) {
	if c == nil {
		return Plan{}, false
	}
	for _, p := range c.plans {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}

// UpstreamResponse is the raw upstream answer relayed to callers.
type UpstreamResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// OK reports a 2xx status.
func (r UpstreamResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// PlanClient fetches the plan list from the backend billing service.
// It never retries and never caches.
type PlanClient struct {
	baseURL string
	client  *http.Client
}

// NewPlanClient builds a PlanClient. A nil httpClient gets a client with the given timeout.
func NewPlanClient(baseURL string, httpClient *http.Client, timeout time.Duration) *PlanClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &PlanClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpClient,
	}
}

// URL returns the upstream plans endpoint.
func (c *PlanClient) URL() string {
	return c.baseURL + PlansPath
}

// FetchPlans issues the upstream GET. A returned error means the upstream could not be
// reached or read; non-2xx answers come back as a response.
func (c *PlanClient) FetchPlans(ctx context.Context) (UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(), nil)
	if err != nil {
		return UpstreamResponse{}, fmt.Errorf("build plans request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return UpstreamResponse{}, fmt.Errorf("fetch plans: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPlansBody+1))
	if err != nil {
		return UpstreamResponse{}, fmt.Errorf("read plans body: %w", err)
	}
	if len(body) > maxPlansBody {
		return UpstreamResponse{}, fmt.Errorf("plans body exceeds %d bytes", maxPlansBody)
	}
	return UpstreamResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}
