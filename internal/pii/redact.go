package pii

import (
	"sort"
	"strings"
)

// Redact is a convenience wrapper that redacts one text into a fresh Vault.
func Redact(text string, spans []Span) (string, *Vault) {
	v := NewVault()
	return v.Redact(text, spans), v
}

// Redact replaces every accepted span in text with a placeholder and
// records the original substring. Spans need not be sorted or disjoint.
//
// Spans are ordered by start, then longer first, then higher confidence.
// Scanning left to right, a span starting before the end of the last
// accepted span is discarded. Malformed spans are discarded and counted in
// Dropped; they never abort the redaction.
func (v *Vault) Redact(text string, spans []Span) string {
	v.Reserve(text)
	accepted := v.validSpans(text, spans)
	if len(accepted) == 0 {
		return text
	}
	sortSpans(accepted)

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, sp := range accepted {
		if sp.Start < last {
			v.drop(DropOverlap)
			continue
		}
		b.WriteString(text[last:sp.Start])
		b.WriteString(v.record(sp.Kind, text[sp.Start:sp.End]))
		last = sp.End
	}
	b.WriteString(text[last:])
	return b.String()
}

// validSpans filters out spans with invalid offsets or kinds.
func (v *Vault) validSpans(text string, spans []Span) []Span {
	out := make([]Span, 0, len(spans))
	for _, sp := range spans {
		switch {
		case sp.Start < 0 || sp.End > len(text) || sp.Start >= sp.End:
			v.drop(DropOutOfRange)
		case !isRuneBoundary(text, sp.Start) || !isRuneBoundary(text, sp.End):
			v.drop(DropNotRuneBoundary)
		case !sp.Kind.Valid():
			v.drop(DropInvalidKind)
		default:
			out = append(out, sp)
		}
	}
	return out
}

func isRuneBoundary(s string, i int) bool {
	if i == 0 || i == len(s) {
		return true
	}
	return s[i]&0xC0 != 0x80
}

// sortSpans orders spans for the left-to-right scan. Kind is the final
// tie-break so equal spans from different detectors resolve the same way on
// every run.
func sortSpans(spans []Span) {
	sort.SliceStable(spans, func(i, j int) bool {
		a, b := spans[i], spans[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.Len() != b.Len() {
			return a.Len() > b.Len()
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.Kind < b.Kind
	})
}
