package export

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/types"
)

func sampleRecords() []types.Record {
	return []types.Record{
		{
			ID: 1, JobID: "j1", Fingerprint: "fp1",
			Author: "alice", Content: "hello, \"world\"",
			PublishedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			Likes:       12, Replies: 3, Reposts: 1,
			CanonicalLink: "https://x.com/alice/status/1",
			Hashtags:      []string{"#go"},
			CreatedAt:     time.Date(2026, 1, 2, 4, 0, 0, 0, time.UTC),
		},
		{
			ID: 2, JobID: "j1", Fingerprint: "fp2",
			Author: "bob", Content: "no timestamp here",
			CreatedAt: time.Date(2026, 1, 2, 5, 0, 0, 0, time.UTC),
		},
	}
}

func TestExportJSONRoundTrips(t *testing.T) {
	blob, err := Export(sampleRecords(), FormatJSON)
	if err != nil {
		t.Fatalf("export json: %v", err)
	}
	var decoded []types.Record
	if err := json.Unmarshal(blob, &decoded); err != nil {
		t.Fatalf("unmarshal exported json: %v", err)
	}
	if len(decoded) != 2 || decoded[0].Author != "alice" {
		t.Fatalf("unexpected decoded records: %+v", decoded)
	}
}

func TestExportCSVQuotesAndOrders(t *testing.T) {
	blob, err := Export(sampleRecords(), FormatCSV)
	if err != nil {
		t.Fatalf("export csv: %v", err)
	}
	rows, err := csv.NewReader(bytes.NewReader(blob)).ReadAll()
	if err != nil {
		t.Fatalf("parse exported csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "id" || rows[1][3] != "alice" {
		t.Fatalf("unexpected layout: header=%v row1=%v", rows[0], rows[1])
	}
	if rows[1][4] != `hello, "world"` {
		t.Fatalf("expected quoted content to survive, got %q", rows[1][4])
	}
	// A record without a publication time exports an empty cell, not a zero.
	if rows[2][5] != "" {
		t.Fatalf("expected empty published_at for bob, got %q", rows[2][5])
	}
}

func TestExportXLSXIsAReadableWorkbook(t *testing.T) {
	blob, err := Export(sampleRecords(), FormatXLSX)
	if err != nil {
		t.Fatalf("export xlsx: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		t.Fatalf("exported xlsx is not a zip: %v", err)
	}
	want := map[string]bool{
		"[Content_Types].xml":        false,
		"xl/workbook.xml":            false,
		"xl/worksheets/sheet1.xml":   false,
		"_rels/.rels":                false,
		"xl/_rels/workbook.xml.rels": false,
	}
	for _, f := range zr.File {
		if _, ok := want[f.Name]; ok {
			want[f.Name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("workbook is missing part %s", name)
		}
	}
	sheet, err := zr.Open("xl/worksheets/sheet1.xml")
	if err != nil {
		t.Fatalf("open sheet: %v", err)
	}
	defer sheet.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(sheet); err != nil {
		t.Fatalf("read sheet: %v", err)
	}
	if !strings.Contains(buf.String(), "alice") {
		t.Fatalf("sheet does not contain exported data")
	}
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	if _, err := Export(nil, Format("parquet")); err == nil {
		t.Fatalf("expected unsupported-format error")
	}
}
