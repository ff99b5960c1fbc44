// Package pattern provides a high-precision rule-based pii.Detector for
// structured identifiers: email addresses, phone numbers, US social security
// numbers, payment card numbers, IBANs and IPv4 addresses. Patterns are
// compiled once at construction time; matches that carry a checksum (cards,
// IBANs) are verified before they are reported.
package pattern

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/netip"
	"regexp"
	"strings"

	"github.com/gonkalabs/piigate/internal/pii"
)

// rule pairs a kind with a pattern, a confidence and an optional validator.
type rule struct {
	kind       pii.Kind
	pattern    string
	confidence float64
	validate   func(match string) bool
}

// defaultRules order does not matter: overlapping matches are resolved by
// the redactor (longest span first).
var defaultRules = []rule{
	{
		kind:       pii.KindEmail,
		pattern:    `[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`,
		confidence: 0.95,
	},
	{
		kind:       pii.KindSSN,
		pattern:    `\b\d{3}-\d{2}-\d{4}\b`,
		confidence: 0.85,
		validate:   validSSN,
	},
	{
		kind:       pii.KindCreditCard,
		pattern:    `\b(?:\d[ -]?){12,18}\d\b`,
		confidence: 1.0,
		validate:   luhn,
	},
	{
		kind:       pii.KindPhone,
		pattern:    `(?:\+\d{1,3}[ .\-]?)?(?:\(\d{3}\)[ .\-]?|\d{3}[ .\-])\d{3}[ .\-]\d{4}\b`,
		confidence: 0.75,
	},
	{
		kind:       pii.KindIBAN,
		pattern:    `\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,3})?\b`,
		confidence: 1.0,
		validate:   validIBAN,
	},
	{
		kind:       pii.KindIPAddress,
		pattern:    `\b(?:\d{1,3}\.){3}\d{1,3}\b`,
		confidence: 0.9,
		validate:   validIPv4,
	},
}

type compiledRule struct {
	rule
	re *regexp.Regexp
}

// Detector matches the default rules against text. It is safe for
// concurrent use.
type Detector struct {
	rules  []compiledRule
	logger *slog.Logger
}

// Option configures a Detector.
type Option func(*options)

type options struct {
	kinds  map[pii.Kind]bool
	extra  []rule
	logger *slog.Logger
}

// WithKinds restricts detection to the given kinds.
func WithKinds(kinds ...pii.Kind) Option {
	return func(o *options) {
		o.kinds = make(map[pii.Kind]bool, len(kinds))
		for _, k := range kinds {
			o.kinds[k] = true
		}
	}
}

// WithPattern adds a custom rule. Patterns are validated in New.
func WithPattern(kind pii.Kind, expr string, confidence float64) Option {
	return func(o *options) {
		o.extra = append(o.extra, rule{kind: kind, pattern: expr, confidence: confidence})
	}
}

// WithLogger sets the logger for the Detector.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New compiles the default rules plus any WithPattern rules. It returns an
// error listing every invalid custom rule.
func New(opts ...Option) (*Detector, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	d := &Detector{logger: o.logger}
	for _, r := range defaultRules {
		if o.kinds != nil && !o.kinds[r.kind] {
			continue
		}
		d.rules = append(d.rules, compiledRule{rule: r, re: regexp.MustCompile(r.pattern)})
	}

	var errs []string
	for i, r := range o.extra {
		if !r.kind.Valid() {
			errs = append(errs, fmt.Sprintf("pattern %d: invalid kind %q", i, r.kind))
			continue
		}
		if r.pattern == "" {
			errs = append(errs, fmt.Sprintf("pattern %d: empty pattern", i))
			continue
		}
		re, err := regexp.Compile(r.pattern)
		if err != nil {
			errs = append(errs, fmt.Sprintf("pattern %d (%s): %v", i, r.kind, err))
			continue
		}
		d.rules = append(d.rules, compiledRule{rule: r, re: re})
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("pattern: invalid rules: %s", strings.Join(errs, "; "))
	}
	return d, nil
}

// Name implements pii.Detector.
func (d *Detector) Name() string { return "pattern" }

// RuleCount returns the number of active rules.
func (d *Detector) RuleCount() int { return len(d.rules) }

// Detect implements pii.Detector.
func (d *Detector) Detect(ctx context.Context, text string) ([]pii.Span, error) {
	var spans []pii.Span
	for _, r := range d.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, loc := range r.re.FindAllStringIndex(text, -1) {
			start, end := loc[0], loc[1]
			if glued(text, start, end) {
				continue
			}
			if r.validate != nil && !r.validate(text[start:end]) {
				continue
			}
			spans = append(spans, pii.Span{Kind: r.kind, Start: start, End: end, Confidence: r.confidence})
		}
	}
	if len(spans) > 0 {
		d.logger.Debug("pattern: matched", "spans", len(spans))
	}
	return spans, nil
}

// glued reports whether the match is part of a longer run of alphanumerics,
// e.g. a phone-shaped substring inside an order number.
func glued(text string, start, end int) bool {
	if start > 0 && isAlnum(text[start-1]) && isAlnum(text[start]) {
		return true
	}
	if end < len(text) && isAlnum(text[end]) && isAlnum(text[end-1]) {
		return true
	}
	return false
}

func isAlnum(b byte) bool {
	return b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

func digitsOf(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// luhn reports whether the digits of s pass the Luhn checksum.
func luhn(s string) bool {
	digits := digitsOf(s)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		n := int(digits[i] - '0')
		if double {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		double = !double
	}
	return sum%10 == 0
}

// validSSN rejects area 000, 666 and 900-999, group 00 and serial 0000.
func validSSN(s string) bool {
	d := digitsOf(s)
	if len(d) != 9 {
		return false
	}
	area, group, serial := d[:3], d[3:5], d[5:]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	return group != "00" && serial != "0000"
}

// validIBAN checks the ISO 13616 mod-97 checksum.
func validIBAN(s string) bool {
	s = strings.ReplaceAll(s, " ", "")
	if len(s) < 15 || len(s) > 34 {
		return false
	}
	rearranged := s[4:] + s[:4]
	var num strings.Builder
	for i := 0; i < len(rearranged); i++ {
		c := rearranged[i]
		switch {
		case c >= '0' && c <= '9':
			num.WriteByte(c)
		case c >= 'A' && c <= 'Z':
			fmt.Fprintf(&num, "%d", int(c-'A')+10)
		default:
			return false
		}
	}
	n, ok := new(big.Int).SetString(num.String(), 10)
	if !ok {
		return false
	}
	return new(big.Int).Mod(n, big.NewInt(97)).Int64() == 1
}

func validIPv4(s string) bool {
	addr, err := netip.ParseAddr(s)
	return err == nil && addr.Is4()
}
