// Package extract turns raw document bytes into normalized UTF-8 text, dispatching on MIME
// type the way the teacher's internal/tools/web fetcher dispatches on content type, and
// reusing the same PDF/DOCX/XLSX libraries the rest of the retrieved corpus uses.
package extract

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	"github.com/gen2brain/go-fitz"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
)

// ErrExtractionFailed is returned when every strategy for a format, including the
// last-resort UTF-8 decode, fails to yield usable text.
var ErrExtractionFailed = errors.New("extract: extraction failed")

// Format identifies which strategy produced a Result, recorded per spec.md §4.3 as part of
// the span's metadata.
type Format string

const (
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
	FormatXLSX     Format = "xlsx"
	FormatCSV      Format = "csv"
	FormatHTML     Format = "html"
	FormatMarkdown Format = "markdown"
	FormatPlain    Format = "plain"
)

// Result is the normalized output of an extraction: a single UTF-8 text string plus the
// metadata the pipeline attaches to every chunk derived from it.
type Result struct {
	Text            string
	Filename        string
	MIMEType        string
	Format          Format
	ExtractionMethod string
	PageCount       int // 0 when the format has no concept of pages
}

// Extract detects the format from mimeType (falling back to the filename extension) and
// extracts text from data. On primary-library failure it falls back to a last-resort UTF-8
// decode before returning ErrExtractionFailed. Only HTML has a second library strategy (the
// goquery text walk inside extractHTML) ahead of that decode; PDF, DOCX, XLSX and CSV have none.
func Extract(ctx context.Context, data []byte, mimeType, filename string) (*Result, error) {
	format := classify(mimeType, filename)

	var (
		text   string
		method string
		pages  int
		err    error
	)

	switch format {
	case FormatPDF:
		text, pages, err = extractPDF(data)
		method = "go-fitz"
		if err != nil {
			text, err = lastResortDecode(data)
			method = "utf8-fallback"
		}
	case FormatDOCX:
		text, err = extractDOCX(data)
		method = "nguyenthenguyen/docx"
		if err != nil {
			text, err = lastResortDecode(data)
			method = "utf8-fallback"
		}
	case FormatXLSX:
		text, err = extractXLSX(data)
		method = "xuri/excelize"
		if err != nil {
			text, err = lastResortDecode(data)
			method = "utf8-fallback"
		}
	case FormatCSV:
		text, err = extractCSV(data)
		method = "encoding/csv"
		if err != nil {
			text, err = lastResortDecode(data)
			method = "utf8-fallback"
		}
	case FormatHTML:
		text, err = extractHTML(data)
		method = "goquery+html-to-markdown"
		if err != nil {
			text, err = lastResortDecode(data)
			method = "utf8-fallback"
		}
	default: // markdown / plain
		text, err = lastResortDecode(data)
		method = "utf8-decode"
	}

	if err != nil || strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: %s (%s)", ErrExtractionFailed, filename, format)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	return &Result{
		Text:             text,
		Filename:         filename,
		MIMEType:         mimeType,
		Format:           format,
		ExtractionMethod: method,
		PageCount:        pages,
	}, nil
}

// classify maps a MIME type (or, failing that, a filename extension) to a Format.
func classify(mimeType, filename string) Format {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case strings.Contains(mt, "pdf"):
		return FormatPDF
	case strings.Contains(mt, "wordprocessingml") || strings.Contains(mt, "msword"):
		return FormatDOCX
	case strings.Contains(mt, "spreadsheetml") || strings.Contains(mt, "ms-excel"):
		return FormatXLSX
	case strings.Contains(mt, "csv"):
		return FormatCSV
	case strings.Contains(mt, "html"):
		return FormatHTML
	case strings.Contains(mt, "markdown"):
		return FormatMarkdown
	case strings.HasPrefix(mt, "text/"):
		return FormatPlain
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return FormatPDF
	case ".docx":
		return FormatDOCX
	case ".xlsx":
		return FormatXLSX
	case ".csv":
		return FormatCSV
	case ".html", ".htm":
		return FormatHTML
	case ".md", ".markdown":
		return FormatMarkdown
	default:
		return FormatPlain
	}
}

// extractPDF iterates pages with go-fitz, concatenating page text and skipping pages with
// no extractable text (scanned-image pages), per spec.md §4.3.
func extractPDF(data []byte) (string, int, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return "", 0, fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	n := doc.NumPage()
	var b strings.Builder
	written := 0
	for i := 0; i < n; i++ {
		pageText, perr := doc.Text(i)
		if perr != nil || strings.TrimSpace(pageText) == "" {
			continue
		}
		if written > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strings.TrimSpace(pageText))
		written++
	}
	if written == 0 {
		return "", n, fmt.Errorf("no extractable text in %d pages", n)
	}
	return b.String(), n, nil
}

// extractDOCX returns the document body's text with WordprocessingML tags stripped. Table
// cell text comes out inline in document order; tables are not flattened into `cell | cell`
// rows. nguyenthenguyen/docx only reads from a file path, so the bytes are spilled to a temp
// file first.
func extractDOCX(data []byte) (string, error) {
	tmp, err := os.CreateTemp("", "ragvault-docx-*.docx")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write temp file: %w", err)
	}
	tmp.Close()

	doc, err := docx.ReadDocxFile(tmp.Name())
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	defer doc.Close()

	content := strings.TrimSpace(stripXML(doc.Editable().GetContent()))
	if content == "" {
		return "", errors.New("no text extracted from docx")
	}
	return content, nil
}

// stripXML removes any leftover WordprocessingML tags the docx library's GetContent leaves
// in place, collapsing them to plain text paragraphs.
func stripXML(s string) string {
	replacer := strings.NewReplacer("<w:p>", "\n", "</w:p>", "", "<w:t>", "", "</w:t>", "")
	s = replacer.Replace(s)
	var out strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			out.WriteRune(r)
		}
	}
	return out.String()
}

// extractXLSX converts each sheet to a plain-text table "h1 | h2\nv1 | v2" and concatenates
// sheets, per spec.md §4.3.
func extractXLSX(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return "", errors.New("no sheets in workbook")
	}

	var b strings.Builder
	for i, sheet := range sheets {
		rows, rerr := f.GetRows(sheet)
		if rerr != nil || len(rows) == 0 {
			continue
		}
		if i > 0 && b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Sheet: %s\n", sheet)
		for _, row := range rows {
			b.WriteString(strings.Join(row, " | "))
			b.WriteString("\n")
		}
	}
	if b.Len() == 0 {
		return "", errors.New("no readable rows in any sheet")
	}
	return strings.TrimSpace(b.String()), nil
}

// csvChunkRows is the number of data rows retained per emitted block when a CSV file
// exceeds csvStreamThreshold, per spec.md §4.3's "one chunk per N rows" rule.
const (
	csvStreamThreshold = 1 << 20 // 1 MiB
	csvChunkRows        = 500
)

// extractCSV parses the whole file into memory with encoding/csv before writing any output;
// it does not stream. Files over 1 MiB are emitted as repeated header+N-row
// blocks (so the Chunker's separator search still finds clean boundaries); smaller files are
// returned as a single text block.
func extractCSV(data []byte) (string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return "", fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return "", errors.New("empty csv")
	}

	header := records[0]
	rows := records[1:]

	if len(data) <= csvStreamThreshold {
		var b strings.Builder
		b.WriteString(strings.Join(header, " | "))
		b.WriteString("\n")
		for _, row := range rows {
			b.WriteString(strings.Join(row, " | "))
			b.WriteString("\n")
		}
		return strings.TrimSpace(b.String()), nil
	}

	var b strings.Builder
	for start := 0; start < len(rows); start += csvChunkRows {
		end := start + csvChunkRows
		if end > len(rows) {
			end = len(rows)
		}
		if start > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strings.Join(header, " | "))
		b.WriteString("\n")
		for _, row := range rows[start:end] {
			b.WriteString(strings.Join(row, " | "))
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// extractHTML converts the document through html-to-markdown (matching the teacher's fetch
// tool) and returns the trimmed markdown. Only when conversion fails or yields no text does it
// fall back to a goquery walk that removes script/style/noscript elements, keeps inner text,
// and collapses whitespace.
func extractHTML(data []byte) (string, error) {
	md, err := htmltomarkdown.ConvertString(string(data))
	if err == nil && strings.TrimSpace(md) != "" {
		return strings.TrimSpace(md), nil
	}

	doc, derr := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if derr != nil {
		return "", fmt.Errorf("parse html: %w", derr)
	}
	doc.Find("script, style, noscript").Remove()
	text := doc.Text()
	text = collapseWhitespace(text)
	if text == "" {
		return "", errors.New("no text in html document")
	}
	return text, nil
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// lastResortDecode decodes data as UTF-8, replacing invalid byte sequences with the Unicode
// replacement character rather than failing outright, per spec.md §4.3's Markdown/Plain rule
// and final fallback step.
func lastResortDecode(data []byte) (string, error) {
	if utf8.Valid(data) {
		return string(data), nil
	}
	var b strings.Builder
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		b.WriteRune(r)
		data = data[size:]
	}
	return b.String(), nil
}
