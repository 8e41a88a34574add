package export

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"

	"github.com/aron1990-cmyk/twitter-daily-scraper-sub002/internal/types"
)

// exportXLSX writes a minimal single-sheet OOXML workbook: a zip container
// holding the handful of XML parts Excel/Sheets require to open a file.
func exportXLSX(records []types.Record) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	parts := []struct{ name, content string }{
		{"[Content_Types].xml", contentTypesXML},
		{"_rels/.rels", rootRelsXML},
		{"xl/workbook.xml", workbookXML},
		{"xl/_rels/workbook.xml.rels", workbookRelsXML},
	}
	for _, part := range parts {
		w, err := zw.Create(part.name)
		if err != nil {
			return nil, fmt.Errorf("export xlsx: create %s: %w", part.name, err)
		}
		if _, err := w.Write([]byte(part.content)); err != nil {
			return nil, fmt.Errorf("export xlsx: write %s: %w", part.name, err)
		}
	}

	sheetXML, err := buildSheetXML(records)
	if err != nil {
		return nil, fmt.Errorf("export xlsx: build sheet: %w", err)
	}
	w, err := zw.Create("xl/worksheets/sheet1.xml")
	if err != nil {
		return nil, fmt.Errorf("export xlsx: create sheet1: %w", err)
	}
	if _, err := w.Write(sheetXML); err != nil {
		return nil, fmt.Errorf("export xlsx: write sheet1: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("export xlsx: close zip: %w", err)
	}
	return buf.Bytes(), nil
}

const contentTypesXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
  <Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
  <Default Extension="xml" ContentType="application/xml"/>
  <Override PartName="/xl/workbook.xml" ContentType="application/vnd.openxmlformats-officedocument.spreadsheetml.sheet.main+xml"/>
  <Override PartName="/xl/worksheets/sheet1.xml" ContentType="application/vnd.openxmlformats-officedocument.spreadsheetml.worksheet+xml"/>
</Types>`

const rootRelsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
  <Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="xl/workbook.xml"/>
</Relationships>`

const workbookXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<workbook xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships">
  <sheets>
    <sheet name="Records" sheetId="1" r:id="rId1"/>
  </sheets>
</workbook>`

const workbookRelsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
  <Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/worksheet" Target="worksheets/sheet1.xml"/>
</Relationships>`

type sheetData struct {
	XMLName xml.Name  `xml:"worksheet"`
	Xmlns   string    `xml:"xmlns,attr"`
	Sheet   sheetBody `xml:"sheetData"`
}

type sheetBody struct {
	Rows []sheetRow `xml:"row"`
}

type sheetRow struct {
	R     int         `xml:"r,attr"`
	Cells []sheetCell `xml:"c"`
}

type sheetCell struct {
	R     string `xml:"r,attr"`
	Type  string `xml:"t,attr,omitempty"`
	Value string `xml:"v"`
}

func buildSheetXML(records []types.Record) ([]byte, error) {
	colLetters := make([]string, len(columns))
	for i := range columns {
		colLetters[i] = columnLetter(i)
	}

	sheet := sheetData{Xmlns: "http://schemas.openxmlformats.org/spreadsheetml/2006/main"}

	header := sheetRow{R: 1}
	for i, name := range columns {
		header.Cells = append(header.Cells, sheetCell{R: fmt.Sprintf("%s1", colLetters[i]), Type: "str", Value: name})
	}
	sheet.Sheet.Rows = append(sheet.Sheet.Rows, header)

	for i, rec := range records {
		rowNum := i + 2
		row := sheetRow{R: rowNum}
		for j, v := range recordRow(rec) {
			row.Cells = append(row.Cells, sheetCell{R: fmt.Sprintf("%s%d", colLetters[j], rowNum), Type: "str", Value: v})
		}
		sheet.Sheet.Rows = append(sheet.Sheet.Rows, row)
	}

	out, err := xml.Marshal(sheet)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

// columnLetter maps a zero-based column index to its spreadsheet letter
// (0 -> A, 25 -> Z, 26 -> AA, ...).
func columnLetter(i int) string {
	var letters []byte
	for {
		letters = append([]byte{byte('A' + i%26)}, letters...)
		i = i/26 - 1
		if i < 0 {
			break
		}
	}
	return string(letters)
}
