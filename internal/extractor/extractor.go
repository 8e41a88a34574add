// Package extractor turns a rendered timeline page into candidate records.
// It implements two independent strategies against the same DOM — CSS
// selectors (goquery) and XPath (antchfx) — so the driver can fall back to
// the other when the platform's markup shifts under one of them.
package extractor

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/types"
)

// RecordExtractor turns an HTML document into candidate records. Returned
// candidates are not yet fingerprinted or threshold-filtered; that is the
// driver's job.
type RecordExtractor interface {
	Extract(html string) ([]types.Candidate, error)
}

// CSSExtractor is the primary strategy, keyed on the platform's stable
// data-testid attributes.
type CSSExtractor struct {
	logger *slog.Logger
}

// NewCSSExtractor returns the goquery-based extraction strategy.
func NewCSSExtractor(logger *slog.Logger) *CSSExtractor {
	return &CSSExtractor{logger: logger.With("component", "extractor_css")}
}

var metricPattern = regexp.MustCompile(`[\d,]+`)

// Extract implements RecordExtractor.
func (e *CSSExtractor) Extract(html string) ([]types.Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, &types.ParseError{Selector: "document", Err: err}
	}

	var candidates []types.Candidate
	doc.Find(`article[data-testid="tweet"]`).Each(func(_ int, sel *goquery.Selection) {
		c, ok := e.extractOne(sel)
		if ok {
			candidates = append(candidates, c)
		}
	})
	return candidates, nil
}

func (e *CSSExtractor) extractOne(sel *goquery.Selection) (types.Candidate, bool) {
	content := strings.TrimSpace(sel.Find(`[data-testid="tweetText"]`).Text())
	if content == "" {
		return types.Candidate{}, false
	}

	author := strings.TrimSpace(sel.Find(`[data-testid="User-Name"] a`).First().Text())
	canonicalLink, _ := sel.Find(`a[href*="/status/"]`).First().Attr("href")

	publishedAt, _ := sel.Find("time").Attr("datetime")

	c := types.Candidate{
		Author:        author,
		Content:       content,
		CanonicalLink: canonicalLink,
		Likes:         parseMetric(ariaLabelNumber(sel, `[data-testid="like"]`)),
		Replies:       parseMetric(ariaLabelNumber(sel, `[data-testid="reply"]`)),
		Reposts:       parseMetric(ariaLabelNumber(sel, `[data-testid="retweet"]`)),
		Hashtags:      extractHashtags(content),
		MediaURLs:     extractMediaURLs(sel),
	}
	if t, err := time.Parse(time.RFC3339, publishedAt); err == nil {
		c.PublishedAt = t
	}
	return c, true
}

func ariaLabelNumber(sel *goquery.Selection, selector string) string {
	label, _ := sel.Find(selector).First().Attr("aria-label")
	return label
}

func parseMetric(ariaLabel string) uint32 {
	match := metricPattern.FindString(ariaLabel)
	if match == "" {
		return 0
	}
	n, err := strconv.ParseUint(strings.ReplaceAll(match, ",", ""), 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

var hashtagPattern = regexp.MustCompile(`#\w+`)

func extractHashtags(content string) []string {
	return hashtagPattern.FindAllString(content, -1)
}

func extractMediaURLs(sel *goquery.Selection) []string {
	var urls []string
	sel.Find(`[data-testid="tweetPhoto"] img, video`).Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok && src != "" {
			urls = append(urls, src)
		}
	})
	return urls
}
