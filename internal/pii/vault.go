// Package pii is the redaction and re-identification engine of the gateway.
// Detectors report typed spans, Redact replaces each accepted span with a
// per-request placeholder such as <EMAIL_1> and records the original in a
// Vault, and Reidentify puts the originals back into the model's reply.
//
// Usage:
//
//	v := pii.NewVault()
//	defer v.Purge()
//	sanitized := v.Redact(text, spans)
//	// send sanitized upstream
//	restored := v.Reidentify(reply)
//
// A Vault belongs to exactly one request. It is never shared, cached or
// persisted, and it renders only counts when logged or printed.
package pii

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
)

// placeholderRe is the placeholder grammar: <KIND_n>.
var placeholderRe = regexp.MustCompile(`<[A-Z][A-Z0-9_]*_[0-9]+>`)

// IsPlaceholder reports whether s is exactly one placeholder token.
func IsPlaceholder(s string) bool {
	loc := placeholderRe.FindStringIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s)
}

// DropReason explains why a span was not redacted.
type DropReason string

const (
	DropOutOfRange      DropReason = "out_of_range"
	DropNotRuneBoundary DropReason = "not_rune_boundary"
	DropInvalidKind     DropReason = "invalid_kind"
	DropOverlap         DropReason = "overlap"
)

// Vault holds the placeholder → original mapping for one request lifecycle.
// It is not safe for concurrent use; a request owns its Vault exclusively.
type Vault struct {
	values   map[string]string // placeholder → original value
	order    []string          // placeholders in order of first appearance
	counters map[Kind]int
	counts   map[Kind]int
	reserved map[string]struct{} // placeholder-shaped literals seen in source text
	dropped  map[DropReason]int
}

// NewVault returns an empty Vault.
func NewVault() *Vault {
	return &Vault{
		values:   make(map[string]string),
		counters: make(map[Kind]int),
		counts:   make(map[Kind]int),
		reserved: make(map[string]struct{}),
		dropped:  make(map[DropReason]int),
	}
}

// Reserve marks every placeholder-shaped literal in texts as taken, so no
// generated placeholder coincides with text the caller typed. Redact
// reserves its own input; call Reserve up front when one Vault will redact
// several texts.
func (v *Vault) Reserve(texts ...string) {
	for _, t := range texts {
		for _, m := range placeholderRe.FindAllString(t, -1) {
			v.reserved[m] = struct{}{}
		}
	}
}

// next assigns the next free placeholder for kind.
func (v *Vault) next(kind Kind) string {
	for {
		v.counters[kind]++
		ph := fmt.Sprintf("<%s_%d>", kind, v.counters[kind])
		if _, taken := v.reserved[ph]; !taken {
			return ph
		}
	}
}

// record stores original under a fresh placeholder and returns it.
func (v *Vault) record(kind Kind, original string) string {
	ph := v.next(kind)
	v.values[ph] = original
	v.order = append(v.order, ph)
	v.counts[kind]++
	return ph
}

func (v *Vault) drop(r DropReason) { v.dropped[r]++ }

// Lookup returns the original value stored under placeholder.
func (v *Vault) Lookup(placeholder string) (string, bool) {
	orig, ok := v.values[placeholder]
	return orig, ok
}

// Len returns the number of redacted spans recorded.
func (v *Vault) Len() int { return len(v.values) }

// IsEmpty reports whether no replacements were recorded.
func (v *Vault) IsEmpty() bool { return len(v.values) == 0 }

// Placeholders returns the recorded placeholders in order of first
// appearance.
func (v *Vault) Placeholders() []string {
	out := make([]string, len(v.order))
	copy(out, v.order)
	return out
}

// Counts returns the number of redacted spans per kind.
func (v *Vault) Counts() map[Kind]int {
	out := make(map[Kind]int, len(v.counts))
	for k, n := range v.counts {
		out[k] = n
	}
	return out
}

// Dropped returns the number of spans discarded per reason.
func (v *Vault) Dropped() map[DropReason]int {
	out := make(map[DropReason]int, len(v.dropped))
	for r, n := range v.dropped {
		out[r] = n
	}
	return out
}

// Purge forgets every stored value. The Vault stays usable but empty.
func (v *Vault) Purge() {
	for ph := range v.values {
		delete(v.values, ph)
	}
	v.order = nil
}

// String renders counts only.
func (v *Vault) String() string {
	return fmt.Sprintf("pii.Vault{entries: %d}", len(v.values))
}

// LogValue keeps vault contents out of structured logs.
func (v *Vault) LogValue() slog.Value {
	kinds := make([]string, 0, len(v.counts))
	for k := range v.counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	attrs := make([]slog.Attr, 0, len(kinds)+1)
	attrs = append(attrs, slog.Int("entries", len(v.values)))
	for _, k := range kinds {
		attrs = append(attrs, slog.Int(k, v.counts[Kind(k)]))
	}
	return slog.GroupValue(attrs...)
}
