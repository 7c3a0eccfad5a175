// Package audit scores fetched pages against on-page SEO rules.
package audit

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/Lewis-walter7/seoanalyzer/internal/crawler"
)

// Rule thresholds.
const (
	MaxScore = 100

	TitleMinLen       = 10
	TitleMaxLen       = 60
	DescriptionMinLen = 50
	DescriptionMaxLen = 160
	MinWordCount      = 300
	SlowLoad          = 3 * time.Second
	MaxPageBytes      = 2 << 20
)

// Issue codes.
const (
	CodeHTTPStatus       = "http_status"
	CodeTitleMissing     = "title_missing"
	CodeTitleLength      = "title_length"
	CodeDescMissing      = "meta_description_missing"
	CodeDescLength       = "meta_description_length"
	CodeH1Missing        = "h1_missing"
	CodeH1Multiple       = "h1_multiple"
	CodeImageAlt         = "image_alt_missing"
	CodeCanonicalMissing = "canonical_missing"
	CodeViewportMissing  = "viewport_missing"
	CodeLangMissing      = "lang_missing"
	CodeThinContent      = "thin_content"
	CodeSlowLoad         = "slow_load"
	CodeLargePage        = "large_page"
)

var penalties = map[crawler.Severity]int{
	crawler.SeverityError:   15,
	crawler.SeverityWarning: 5,
	crawler.SeverityNotice:  1,
}

// Auditor implements crawler.Auditor with goquery.
type Auditor struct{}

// New returns an Auditor.
func New() *Auditor {
	return &Auditor{}
}

// Audit parses the response body, evaluates every rule and returns the audit plus
// the normalized same-host links discovered on the page.
func (a *Auditor) Audit(page crawler.Page, resp crawler.FetchResponse) (crawler.SeoAudit, []string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return crawler.SeoAudit{}, nil, fmt.Errorf("parse html: %w", err)
	}

	result := crawler.SeoAudit{
		PageID:          page.ID,
		Title:           strings.TrimSpace(doc.Find("head title").First().Text()),
		MetaDescription: strings.TrimSpace(metaContent(doc, "description")),
		H1Count:         doc.Find("h1").Length(),
		WordCount:       len(strings.Fields(bodyText(doc))),
		HasViewport:     metaContent(doc, "viewport") != "",
	}
	result.Canonical, _ = doc.Find(`link[rel="canonical"]`).First().Attr("href")
	result.Canonical = strings.TrimSpace(result.Canonical)
	result.Lang, _ = doc.Find("html").First().Attr("lang")
	result.Lang = strings.TrimSpace(result.Lang)

	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		result.ImagesTotal++
		if alt, ok := s.Attr("alt"); !ok || strings.TrimSpace(alt) == "" {
			result.ImagesMissingAlt++
		}
	})

	base := resp.URL
	if base == "" {
		base = page.URL
	}
	links, internal, external := collectLinks(doc, base)
	result.InternalLinks = internal
	result.ExternalLinks = external

	result.Issues = evaluate(result, resp)
	result.Score = Score(result.Issues)
	return result, links, nil
}

// Score deducts each issue's penalty from MaxScore, never going below zero.
func Score(issues []crawler.Issue) int {
	score := MaxScore
	for _, issue := range issues {
		score -= penalties[issue.Severity]
	}
	if score < 0 {
		return 0
	}
	return score
}

func evaluate(a crawler.SeoAudit, resp crawler.FetchResponse) []crawler.Issue {
	issues := make([]crawler.Issue, 0, 8)
	add := func(code string, sev crawler.Severity, format string, args ...any) {
		issues = append(issues, crawler.Issue{Code: code, Severity: sev, Message: fmt.Sprintf(format, args...)})
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		add(CodeHTTPStatus, crawler.SeverityError, "page returned HTTP %d", resp.StatusCode)
	}

	switch n := utf8.RuneCountInString(a.Title); {
	case n == 0:
		add(CodeTitleMissing, crawler.SeverityError, "page has no <title>")
	case n < TitleMinLen || n > TitleMaxLen:
		add(CodeTitleLength, crawler.SeverityWarning, "title is %d characters, want %d-%d", n, TitleMinLen, TitleMaxLen)
	}

	switch n := utf8.RuneCountInString(a.MetaDescription); {
	case n == 0:
		add(CodeDescMissing, crawler.SeverityError, "page has no meta description")
	case n < DescriptionMinLen || n > DescriptionMaxLen:
		add(CodeDescLength, crawler.SeverityWarning, "meta description is %d characters, want %d-%d", n, DescriptionMinLen, DescriptionMaxLen)
	}

	switch {
	case a.H1Count == 0:
		add(CodeH1Missing, crawler.SeverityError, "page has no <h1>")
	case a.H1Count > 1:
		add(CodeH1Multiple, crawler.SeverityWarning, "page has %d <h1> elements", a.H1Count)
	}

	if a.ImagesMissingAlt > 0 {
		add(CodeImageAlt, crawler.SeverityWarning, "%d of %d images have no alt text", a.ImagesMissingAlt, a.ImagesTotal)
	}
	if a.Canonical == "" {
		add(CodeCanonicalMissing, crawler.SeverityNotice, "page has no canonical link")
	}
	if !a.HasViewport {
		add(CodeViewportMissing, crawler.SeverityWarning, "page has no viewport meta tag")
	}
	if a.Lang == "" {
		add(CodeLangMissing, crawler.SeverityNotice, "html element has no lang attribute")
	}
	if a.WordCount < MinWordCount {
		add(CodeThinContent, crawler.SeverityNotice, "page has %d words, want at least %d", a.WordCount, MinWordCount)
	}
	if resp.Duration > SlowLoad {
		add(CodeSlowLoad, crawler.SeverityWarning, "page took %s to load", resp.Duration.Round(time.Millisecond))
	}
	if len(resp.Body) > MaxPageBytes {
		add(CodeLargePage, crawler.SeverityWarning, "page is %d bytes", len(resp.Body))
	}
	return issues
}

func metaContent(doc *goquery.Document, name string) string {
	var content string
	doc.Find("meta[name]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !strings.EqualFold(s.AttrOr("name", ""), name) {
			return true
		}
		content = s.AttrOr("content", "")
		return false
	})
	return content
}

func bodyText(doc *goquery.Document) string {
	body := doc.Find("body").First().Clone()
	body.Find("script, style, noscript").Remove()
	return body.Text()
}

// collectLinks resolves anchors against base, counts internal and external
// links, and returns the deduplicated normalized internal ones.
func collectLinks(doc *goquery.Document, base string) ([]string, int, int) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, 0, 0
	}
	seen := make(map[string]struct{})
	var links []string
	var internal, external int
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		normalized, err := crawler.NormalizeURL(baseURL.ResolveReference(ref).String())
		if err != nil {
			return
		}
		if !crawler.SameHost(base, normalized) {
			external++
			return
		}
		internal++
		if _, ok := seen[normalized]; ok {
			return
		}
		seen[normalized] = struct{}{}
		links = append(links, normalized)
	})
	return links, internal, external
}
