package extractor

import (
	"log/slog"
	"strings"
	"time"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/types"
)

// XPathExtractor is the fallback strategy, used when the CSS strategy's
// data-testid attributes stop matching after a markup change.
type XPathExtractor struct {
	logger *slog.Logger
}

// NewXPathExtractor returns the antchfx-based extraction strategy.
func NewXPathExtractor(logger *slog.Logger) *XPathExtractor {
	return &XPathExtractor{logger: logger.With("component", "extractor_xpath")}
}

// Extract implements RecordExtractor.
func (e *XPathExtractor) Extract(rawHTML string) ([]types.Candidate, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, &types.ParseError{Selector: "document", Err: err}
	}

	nodes, err := htmlquery.QueryAll(doc, `//article[@data-testid="tweet"]`)
	if err != nil {
		return nil, &types.ParseError{Selector: "//article", Err: err}
	}

	var candidates []types.Candidate
	for _, node := range nodes {
		c, ok := e.extractOne(node)
		if ok {
			candidates = append(candidates, c)
		}
	}
	return candidates, nil
}

func (e *XPathExtractor) extractOne(node *html.Node) (types.Candidate, bool) {
	content := strings.TrimSpace(innerTextOf(node, `.//div[@data-testid="tweetText"]`))
	if content == "" {
		return types.Candidate{}, false
	}

	author := strings.TrimSpace(innerTextOf(node, `.//div[@data-testid="User-Name"]//a[1]`))

	var canonicalLink string
	if linkNode := htmlquery.FindOne(node, `.//a[contains(@href, "/status/")]`); linkNode != nil {
		canonicalLink = htmlquery.SelectAttr(linkNode, "href")
	}

	var publishedAt time.Time
	if timeNode := htmlquery.FindOne(node, ".//time"); timeNode != nil {
		if t, err := time.Parse(time.RFC3339, htmlquery.SelectAttr(timeNode, "datetime")); err == nil {
			publishedAt = t
		}
	}

	return types.Candidate{
		Author:        author,
		Content:       content,
		CanonicalLink: canonicalLink,
		PublishedAt:   publishedAt,
		Likes:         metricFromNode(node, `.//*[@data-testid="like"]`),
		Replies:       metricFromNode(node, `.//*[@data-testid="reply"]`),
		Reposts:       metricFromNode(node, `.//*[@data-testid="retweet"]`),
		Hashtags:      extractHashtags(content),
	}, true
}

func innerTextOf(node *html.Node, xpath string) string {
	found := htmlquery.FindOne(node, xpath)
	if found == nil {
		return ""
	}
	return htmlquery.InnerText(found)
}

func metricFromNode(node *html.Node, xpath string) uint32 {
	found := htmlquery.FindOne(node, xpath)
	if found == nil {
		return 0
	}
	return parseMetric(htmlquery.SelectAttr(found, "aria-label"))
}
