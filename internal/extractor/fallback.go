package extractor

import (
	"log/slog"

	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/types"
)

// FallbackExtractor runs the primary strategy and, when it yields zero
// candidates or errors, retries the same document with the secondary. A
// markup change that breaks one selector family usually leaves the other
// intact.
type FallbackExtractor struct {
	primary   RecordExtractor
	secondary RecordExtractor
	logger    *slog.Logger
}

// NewFallbackExtractor composes two strategies, primary first.
func NewFallbackExtractor(primary, secondary RecordExtractor, logger *slog.Logger) *FallbackExtractor {
	return &FallbackExtractor{
		primary:   primary,
		secondary: secondary,
		logger:    logger.With("component", "extractor_fallback"),
	}
}

// Extract implements RecordExtractor.
func (e *FallbackExtractor) Extract(html string) ([]types.Candidate, error) {
	candidates, err := e.primary.Extract(html)
	if err == nil && len(candidates) > 0 {
		return candidates, nil
	}
	if err != nil {
		e.logger.Warn("primary extraction failed, trying fallback", "error", err)
	}
	return e.secondary.Extract(html)
}
