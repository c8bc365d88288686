package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitProducesDenseIndices(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 400)
	chunks := Split(text, Options{Size: 500, Overlap: 100})
	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		require.Equal(t, i, c.Index)
	}
}

func TestSplitRespectsWindowBounds(t *testing.T) {
	text := strings.Repeat("word ", 2000)
	size := 800
	chunks := Split(text, Options{Size: size, Overlap: 150})
	require.NotEmpty(t, chunks)
	minLen := size / 4
	maxLen := size + size/4
	// all but the last chunk must fall within [minLen, maxLen]; the last may be shorter
	// because it is whatever remains of the document.
	for i, c := range chunks[:len(chunks)-1] {
		require.GreaterOrEqualf(t, len(c.Text), minLen, "chunk %d too short", i)
		require.LessOrEqualf(t, len(c.Text), maxLen, "chunk %d too long", i)
	}
}

func TestSplitDropsEmptySpans(t *testing.T) {
	text := "para one.\n\n\n\n\n\n\npara two."
	chunks := Split(text, Options{Size: 10, Overlap: 2})
	for _, c := range chunks {
		require.NotEmpty(t, strings.TrimSpace(c.Text))
	}
}

func TestSplitProducesOverlap(t *testing.T) {
	text := strings.Repeat("Alpha beta gamma delta epsilon zeta eta theta iota kappa. ", 100)
	chunks := Split(text, Options{Size: 300, Overlap: 80})
	require.Greater(t, len(chunks), 1)
	// adjacent chunks should share a non-trivial trailing/leading substring because of overlap
	for i := 0; i < len(chunks)-1; i++ {
		a := chunks[i].Text
		b := chunks[i+1].Text
		tail := a
		if len(tail) > 40 {
			tail = tail[len(tail)-40:]
		}
		require.True(t, strings.Contains(b, tail[len(tail)-10:]) || len(tail) < 10)
	}
}

func TestSplitPrefersParagraphBoundary(t *testing.T) {
	first := strings.Repeat("a", 190)
	second := strings.Repeat("b", 190)
	text := first + "\n\n\n" + second
	chunks := Split(text, Options{Size: 200, Overlap: 20})
	require.NotEmpty(t, chunks)
	require.True(t, strings.HasSuffix(strings.TrimRight(chunks[0].Text, "\n"), first))
}

func TestSplitSingleCharacterOverlapNeverExceedsWindow(t *testing.T) {
	text := strings.Repeat("x", 50)
	chunks := Split(text, Options{Size: 10, Overlap: 9999})
	require.NotEmpty(t, chunks)
	// the final remainder is kept whole when it fits the size*1.25 window (12 here)
	for _, c := range chunks {
		require.LessOrEqual(t, len(c.Text), 10+10/4)
	}
}

func TestSplitHandlesEmptyInput(t *testing.T) {
	require.Empty(t, Split("", Options{Size: 100, Overlap: 10}))
}

func TestSplitZeroSizeFallsBackToDefault(t *testing.T) {
	text := strings.Repeat("word ", 2000)
	chunks := Split(text, Options{Size: 0, Overlap: 0})
	require.NotEmpty(t, chunks)
}

func TestClassifyLegal(t *testing.T) {
	text := "WHEREAS the parties agree, and hereinafter referred to as the Agreement, " +
		"each party shall indemnify the other. This Agreement is subject to the governing law " +
		"of the state, and all liability is limited as described herein."
	require.Equal(t, ClassLegal, Classify(text))
}

func TestClassifyFAQ(t *testing.T) {
	text := "Frequently Asked Questions\n\nQ: How do I reset my password?\nA: Visit settings.\n" +
		"Q: How do I cancel?\nA: Visit billing."
	require.Equal(t, ClassFAQ, Classify(text))
}

func TestClassifyDefaultsToGeneric(t *testing.T) {
	require.Equal(t, ClassGeneric, Classify("A short plain note about nothing in particular."))
}

func TestSplitAdaptiveUsesClassParams(t *testing.T) {
	text := strings.Repeat("WHEREAS the parties hereinafter agree to indemnify under governing law and liability. ", 200)
	chunks, class := SplitAdaptive(text, Options{Adaptive: true})
	require.Equal(t, ClassLegal, class)
	require.NotEmpty(t, chunks)
}

func TestSplitAdaptiveOffUsesCallerOptions(t *testing.T) {
	text := strings.Repeat("word ", 500)
	chunks, class := SplitAdaptive(text, Options{Adaptive: false, Size: 200, Overlap: 50})
	require.Equal(t, ClassGeneric, class)
	require.NotEmpty(t, chunks)
}
