// Package highlight tags severity keywords in build-tool output.
//
// Only the literal, case-sensitive keywords produced by the tool are
// recognized: "error" marks an ERROR span and "warning" a WARNING span.
// Structured diagnostics are deliberately not parsed.
package highlight

import (
	"fmt"
	"regexp"
)

// Severity classifies an annotated span of output.
type Severity int

const (
	// SeverityError marks an occurrence of "error".
	SeverityError Severity = iota + 1
	// SeverityWarning marks an occurrence of "warning".
	SeverityWarning
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "ERROR"
	case SeverityWarning:
		return "WARNING"
	default:
		return "NONE"
	}
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name written by MarshalText.
func (s *Severity) UnmarshalText(text []byte) error {
	switch string(text) {
	case "ERROR":
		*s = SeverityError
	case "WARNING":
		*s = SeverityWarning
	default:
		return fmt.Errorf("unknown severity %q", text)
	}
	return nil
}

// Annotation tags the half-open byte range [Start, End) with a severity.
type Annotation struct {
	Start    int      `json:"start"`
	End      int      `json:"end"`
	Severity Severity `json:"severity"`
}

// Shift returns the annotation moved by delta bytes.
func (a Annotation) Shift(delta int) Annotation {
	a.Start += delta
	a.End += delta
	return a
}

const (
	keywordError   = "error"
	keywordWarning = "warning"
)

// MaxKeywordLen is the length of the longest recognized keyword.
// A keyword can never span more than MaxKeywordLen-1 bytes of earlier text,
// which bounds how far back incremental re-annotation must look.
const MaxKeywordLen = len(keywordWarning)

// The two keywords share no prefix/suffix overlap, so leftmost matching
// finds every occurrence.
var keywordPattern = regexp.MustCompile(keywordError + "|" + keywordWarning)

// Annotate returns every severity span in text, ordered by start offset.
// It is pure: the same text always yields the same annotations.
func Annotate(text string) []Annotation {
	locs := keywordPattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}

	result := make([]Annotation, 0, len(locs))
	for _, loc := range locs {
		sev := SeverityWarning
		if text[loc[0]] == 'e' {
			sev = SeverityError
		}
		result = append(result, Annotation{Start: loc[0], End: loc[1], Severity: sev})
	}
	return result
}

// Clip returns the parts of anns that intersect [start, end), clipped to the
// range and rebased so that start becomes offset 0.
func Clip(anns []Annotation, start, end int) []Annotation {
	var result []Annotation
	for _, a := range anns {
		if a.End <= start || a.Start >= end {
			continue
		}
		if a.Start < start {
			a.Start = start
		}
		if a.End > end {
			a.End = end
		}
		result = append(result, a.Shift(-start))
	}
	return result
}
