package extract

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyByMIMEType(t *testing.T) {
	require.Equal(t, FormatPDF, classify("application/pdf", ""))
	require.Equal(t, FormatDOCX, classify("application/vnd.openxmlformats-officedocument.wordprocessingml.document", ""))
	require.Equal(t, FormatXLSX, classify("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", ""))
	require.Equal(t, FormatCSV, classify("text/csv", ""))
	require.Equal(t, FormatHTML, classify("text/html", ""))
	require.Equal(t, FormatMarkdown, classify("text/markdown", ""))
	require.Equal(t, FormatPlain, classify("text/plain", ""))
}

func TestClassifyByExtensionFallback(t *testing.T) {
	require.Equal(t, FormatPDF, classify("", "report.pdf"))
	require.Equal(t, FormatDOCX, classify("application/octet-stream", "letter.docx"))
	require.Equal(t, FormatPlain, classify("", "notes.txt"))
	require.Equal(t, FormatPlain, classify("", "unknown.bin"))
}

func TestExtractPlainText(t *testing.T) {
	res, err := Extract(context.Background(), []byte("hello world"), "text/plain", "a.txt")
	require.NoError(t, err)
	require.Equal(t, "hello world", res.Text)
	require.Equal(t, FormatPlain, res.Format)
}

func TestExtractMarkdownPassesThrough(t *testing.T) {
	res, err := Extract(context.Background(), []byte("# Title\n\nbody text"), "text/markdown", "a.md")
	require.NoError(t, err)
	require.Contains(t, res.Text, "Title")
}

func TestExtractInvalidUTF8IsReplacedNotFailed(t *testing.T) {
	data := []byte{'a', 'b', 0xff, 0xfe, 'c'}
	res, err := Extract(context.Background(), data, "text/plain", "bad.txt")
	require.NoError(t, err)
	require.NotEmpty(t, res.Text)
}

func TestExtractCSVSmallFileSingleBlock(t *testing.T) {
	data := []byte("name,age\nalice,30\nbob,40\n")
	res, err := Extract(context.Background(), data, "text/csv", "people.csv")
	require.NoError(t, err)
	require.Contains(t, res.Text, "name | age")
	require.Contains(t, res.Text, "alice | 30")
}

func TestExtractCSVEmptyFails(t *testing.T) {
	_, err := Extract(context.Background(), []byte(""), "text/csv", "empty.csv")
	require.Error(t, err)
}

func TestExtractHTMLStripsScriptAndStyle(t *testing.T) {
	html := `<html><head><style>body{color:red}</style></head>
<body><script>alert(1)</script><h1>Title</h1><p>Body paragraph.</p></body></html>`
	res, err := Extract(context.Background(), []byte(html), "text/html", "page.html")
	require.NoError(t, err)
	require.NotContains(t, res.Text, "alert(1)")
	require.NotContains(t, res.Text, "color:red")
	require.Contains(t, strings.ToLower(res.Text), "body paragraph")
}

func TestExtractUnknownBinaryFailsWithExtractionFailed(t *testing.T) {
	// a PDF mime type with garbage bytes should fail go-fitz, and the UTF-8 fallback then
	// trims to nothing since the input is pure whitespace.
	_, err := Extract(context.Background(), []byte("   \n\t  "), "application/pdf", "bad.pdf")
	require.ErrorIs(t, err, ErrExtractionFailed)
}
