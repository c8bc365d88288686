package chunker

import (
	"regexp"
	"strings"
)

// DocClass is a coarse document-type classification used to pick per-class chunking
// parameters in adaptive mode.
type DocClass string

const (
	ClassTechnical DocClass = "technical"
	ClassFAQ       DocClass = "faq"
	ClassLegal     DocClass = "legal"
	ClassProduct   DocClass = "product"
	ClassEmail     DocClass = "email"
	ClassFinancial DocClass = "financial"
	ClassMeeting   DocClass = "meeting"
	ClassGeneric   DocClass = "generic"
)

// classPatterns pair keyword/regex signals with a class; the highest scoring class wins and
// ties default to generic, per spec.md §4.4.
var classPatterns = map[DocClass][]*regexp.Regexp{
	ClassFAQ: {
		regexp.MustCompile(`(?i)\bfrequently asked questions\b`),
		regexp.MustCompile(`(?i)\bq:\s`),
		regexp.MustCompile(`(?i)\bfaq\b`),
	},
	ClassLegal: {
		regexp.MustCompile(`(?i)\bwhereas\b`),
		regexp.MustCompile(`(?i)\bhereinafter\b`),
		regexp.MustCompile(`(?i)\bindemnif`),
		regexp.MustCompile(`(?i)\bgoverning law\b`),
		regexp.MustCompile(`(?i)\bliabilit(y|ies)\b`),
	},
	ClassFinancial: {
		regexp.MustCompile(`(?i)\bbalance sheet\b`),
		regexp.MustCompile(`(?i)\brevenue\b`),
		regexp.MustCompile(`(?i)\bfiscal (year|quarter)\b`),
		regexp.MustCompile(`\$[0-9,]+(\.[0-9]+)?`),
	},
	ClassMeeting: {
		regexp.MustCompile(`(?i)\bagenda\b`),
		regexp.MustCompile(`(?i)\bminutes\b`),
		regexp.MustCompile(`(?i)\baction items?\b`),
		regexp.MustCompile(`(?i)\battendees\b`),
	},
	ClassEmail: {
		regexp.MustCompile(`(?im)^(from|to|subject|cc|bcc):\s`),
		regexp.MustCompile(`(?i)\bbest regards\b`),
		regexp.MustCompile(`(?i)\bforwarded message\b`),
	},
	ClassTechnical: {
		regexp.MustCompile("```"),
		regexp.MustCompile(`(?i)\bapi\b`),
		regexp.MustCompile(`(?i)\bconfiguration\b`),
		regexp.MustCompile(`(?i)\binstallation\b`),
	},
	ClassProduct: {
		regexp.MustCompile(`(?i)\bspecifications?\b`),
		regexp.MustCompile(`(?i)\bmodel number\b`),
		regexp.MustCompile(`(?i)\bwarranty\b`),
	},
}

// classParams holds the per-class (size, overlap) pairs named in spec.md §4.4.
var classParams = map[DocClass]Options{
	ClassLegal:     {Size: 6000, Overlap: 1600},  // 1500/400 tokens
	ClassFAQ:       {Size: 2400, Overlap: 400},   // 600/100 tokens
	ClassFinancial: {Size: 4000, Overlap: 800},
	ClassMeeting:   {Size: 2800, Overlap: 500},
	ClassEmail:     {Size: 2000, Overlap: 300},
	ClassTechnical: {Size: 3600, Overlap: 700},
	ClassProduct:   {Size: 2800, Overlap: 500},
	ClassGeneric:   {Size: DefaultSize, Overlap: DefaultOverlap},
}

// Classify inspects the whole text and returns the best-scoring class, defaulting to
// ClassGeneric on ties (including an all-zero score).
func Classify(text string) DocClass {
	best := ClassGeneric
	bestScore := 0
	tied := false
	// iterate in a fixed order so ties are deterministic and fall through to generic
	order := []DocClass{ClassLegal, ClassFinancial, ClassMeeting, ClassEmail, ClassFAQ, ClassTechnical, ClassProduct}
	for _, class := range order {
		score := 0
		for _, re := range classPatterns[class] {
			score += len(re.FindAllStringIndex(text, -1))
		}
		if score > bestScore {
			bestScore = score
			best = class
			tied = false
		} else if score > 0 && score == bestScore {
			tied = true
		}
	}
	if tied {
		return ClassGeneric
	}
	return best
}

// ParamsFor returns the chunking parameters for a class, from classParams.
func ParamsFor(class DocClass) Options {
	if p, ok := classParams[class]; ok {
		return p
	}
	return classParams[ClassGeneric]
}

// SplitAdaptive classifies text and splits it using the matching class's parameters. When
// adaptive is false, defaults (or the caller-supplied Options) apply uniformly — the output
// contract (dense indices, overlap present) is identical either way, per spec.md §4.4.
func SplitAdaptive(text string, opt Options) ([]Chunk, DocClass) {
	if !opt.Adaptive {
		return Split(text, opt), ClassGeneric
	}
	class := Classify(text)
	params := ParamsFor(class)
	params.Adaptive = true
	return Split(text, params), class
}

// wordCount returns the number of whitespace-separated words in s.
func wordCount(s string) int {
	return len(strings.Fields(s))
}
