package extractor

import "strings"

// categoryKeywords is a small, ordered set of keyword buckets used to guess
// a record's category before a human reviews it. The hint is advisory only;
// operators can override it per record through the control surface.
var categoryKeywords = []struct {
	category string
	keywords []string
}{
	{"announcement", []string{"announc", "launch", "introduc", "releas"}},
	{"promotion", []string{"discount", "% off", "sale", "giveaway", "coupon"}},
	{"news", []string{"breaking", "report", "according to"}},
	{"question", []string{"?"}},
	{"complaint", []string{"refund", "disappointed", "terrible", "worst"}},
}

// ClassifyHint derives a best-effort category hint from a record's text.
// Returns "" when nothing matches, leaving the field for manual tagging.
func ClassifyHint(content string) string {
	lower := strings.ToLower(content)
	for _, bucket := range categoryKeywords {
		for _, kw := range bucket.keywords {
			if strings.Contains(lower, kw) {
				return bucket.category
			}
		}
	}
	return ""
}
