// Package metrics exposes Prometheus collectors for the crawl and audit pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "seoanalyzer"

var (
	pagesTotal                 *prometheus.CounterVec
	bytesTotal                 *prometheus.CounterVec
	fetchRetriesTotal          *prometheus.CounterVec
	robotsFallbacksTotal       *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec
	auditScore                 prometheus.Histogram
	auditIssuesTotal           *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call repeatedly.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_total",
			Help:      "Pages fetched, labeled by site and outcome.",
		}, []string{"site", "status"})

		bytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "page_bytes_total",
			Help:      "Bytes of HTML fetched, labeled by site.",
		}, []string{"site"})

		fetchRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_retries_total",
			Help:      "Fetch attempts retried after a transient error.",
		}, []string{"site"})

		robotsFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "robots_fallbacks_total",
			Help:      "robots.txt files replaced by allow-all after the host stayed unreachable.",
		}, []string{"site"})

		jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crawl_jobs_total",
			Help:      "Crawl jobs finished, labeled by final status.",
		}, []string{"status"})

		activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Workers currently processing a crawl job.",
		})

		rateLimitDelaySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_delay_seconds",
			Help:      "Time spent waiting on the per-domain rate limiter.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"domain"})

		auditScore = promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "audit_score",
			Help:      "Distribution of page audit scores.",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		})

		auditIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_issues_total",
			Help:      "Audit issues raised, labeled by rule code and severity.",
		}, []string{"code", "severity"})

		httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, labeled by method and code.",
		}, []string{"method", "code"})

		httpRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, labeled by method and route.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"})
	})
}

// SanitizeSite extracts a lowercase hostname from rawURL, or "unknown".
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage counts one fetched page and its size.
func ObservePage(rawURL string, status string, size int) {
	Init()
	site := SanitizeSite(rawURL)
	pagesTotal.WithLabelValues(site, status).Inc()
	if size > 0 {
		bytesTotal.WithLabelValues(site).Add(float64(size))
	}
}

// ObserveRetry counts a retried fetch.
func ObserveRetry(rawURL string) {
	Init()
	fetchRetriesTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveRobotsFallback counts a robots.txt that was replaced by allow-all for site.
func ObserveRobotsFallback(site string) {
	Init()
	robotsFallbacksTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveJob counts a finished job by final status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers marks a worker busy.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers marks a worker idle.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records a rate limiter wait.
func ObserveRateLimitDelay(domain string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(d.Seconds())
}

// ObserveAudit records an audit score and the codes of its issues.
func ObserveAudit(score int, issues map[string]string) {
	Init()
	auditScore.Observe(float64(score))
	for code, severity := range issues {
		auditIssuesTotal.WithLabelValues(code, severity).Inc()
	}
}

// ObserveHTTPRequest records one served request.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}
