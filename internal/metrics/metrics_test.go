package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"http://example.com/path":  "example.com",
		"https://Example.com/path": "example.com",
		"example.com/path":         "example.com",
		"example.com:8080":         "example.com",
		"192.168.1.1":              "192.168.1.1",
		"http://%":                 "unknown",
		"":                         "unknown",
	}
	for input, want := range cases {
		require.Equal(t, want, SanitizeSite(input), input)
	}
}

func TestObservePageCountsBytes(t *testing.T) {
	Init()
	before := testutil.ToFloat64(bytesTotal.WithLabelValues("pages.test"))

	ObservePage("https://pages.test/a", "success", 512)
	ObservePage("https://pages.test/b", "error", 0)

	require.Equal(t, before+512, testutil.ToFloat64(bytesTotal.WithLabelValues("pages.test")))
	require.Equal(t, float64(1), testutil.ToFloat64(pagesTotal.WithLabelValues("pages.test", "error")))
}

func TestObserveAudit(t *testing.T) {
	Init()
	ObserveAudit(85, map[string]string{"h1_missing": "error"})

	require.Equal(t, float64(1), testutil.ToFloat64(auditIssuesTotal.WithLabelValues("h1_missing", "error")))
	require.Positive(t, testutil.CollectAndCount(auditScore))
}

func TestObserveJobAndWorkers(t *testing.T) {
	Init()
	ObserveJob("completed")
	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	ObserveRateLimitDelay("slow.test", 200*time.Millisecond)

	require.GreaterOrEqual(t, testutil.ToFloat64(jobsTotal.WithLabelValues("completed")), float64(1))
	require.Equal(t, 1, testutil.CollectAndCount(rateLimitDelaySeconds, "seoanalyzer_rate_limit_delay_seconds"))
}

func FuzzSanitizeSite(f *testing.F) {
	for _, seed := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, raw string) {
		if SanitizeSite(raw) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", raw)
		}
	})
}
