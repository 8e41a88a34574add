// Package export renders a job's records to a portable blob in one of three
// formats: json, csv, xlsx. Blobs are returned in memory; the caller decides
// whether they go to disk or over the wire.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/types"
)

// Format selects the export-records blob encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

var columns = []string{
	"id", "job_id", "fingerprint", "author", "content", "published_at",
	"likes", "replies", "reposts", "canonical_link", "hashtags", "media",
	"category_hint", "synced", "created_at",
}

// Export renders records in the requested format.
func Export(records []types.Record, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return exportJSON(records)
	case FormatCSV:
		return exportCSV(records)
	case FormatXLSX:
		return exportXLSX(records)
	default:
		return nil, fmt.Errorf("export: unsupported format %q", format)
	}
}

func exportJSON(records []types.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return nil, fmt.Errorf("export json: %w", err)
	}
	return buf.Bytes(), nil
}

func exportCSV(records []types.Record) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(columns); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range records {
		if err := w.Write(recordRow(r)); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func recordRow(r types.Record) []string {
	return []string{
		strconv.FormatInt(r.ID, 10),
		r.JobID,
		r.Fingerprint,
		r.Author,
		r.Content,
		formatTime(r.PublishedAt),
		strconv.FormatUint(uint64(r.Likes), 10),
		strconv.FormatUint(uint64(r.Replies), 10),
		strconv.FormatUint(uint64(r.Reposts), 10),
		r.CanonicalLink,
		strings.Join(r.Hashtags, ";"),
		strings.Join(r.MediaURLs, ";"),
		r.CategoryHint,
		strconv.FormatBool(r.Synced),
		formatTime(r.CreatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
