package pii

import (
	"context"
	"strings"
)

// Kind is the category of a detected span. Kinds are upper-case identifiers
// so they can be embedded in placeholders (<EMAIL_1>, <CREDIT_CARD_2>).
type Kind string

const (
	KindEmail          Kind = "EMAIL"
	KindPerson         Kind = "PERSON"
	KindPhone          Kind = "PHONE"
	KindSSN            Kind = "SSN"
	KindCreditCard     Kind = "CREDIT_CARD"
	KindIBAN           Kind = "IBAN"
	KindIPAddress      Kind = "IP_ADDRESS"
	KindLocation       Kind = "LOCATION"
	KindDate           Kind = "DATE"
	KindPassport       Kind = "PASSPORT"
	KindDriverLicense  Kind = "DRIVER_LICENSE"
	KindMedicalLicense Kind = "MEDICAL_LICENSE"
	KindCrypto         Kind = "CRYPTO"
	KindNRP            Kind = "NRP"
	KindNHS            Kind = "NHS"
	KindSecret         Kind = "SECRET"
)

// Valid reports whether k matches [A-Z][A-Z0-9_]* and does not end in '_'.
func (k Kind) Valid() bool {
	if k == "" || k[0] < 'A' || k[0] > 'Z' || k[len(k)-1] == '_' {
		return false
	}
	for i := 1; i < len(k); i++ {
		c := k[i]
		if !(c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_') {
			return false
		}
	}
	return true
}

// NormalizeKind upper-cases a detector label and replaces every character
// outside [A-Z0-9] with '_'. The result may still be invalid (e.g. empty or
// starting with a digit); callers check Valid.
func NormalizeKind(label string) Kind {
	label = strings.ToUpper(strings.TrimSpace(label))
	var b strings.Builder
	b.Grow(len(label))
	for i := 0; i < len(label); i++ {
		c := label[i]
		if c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			b.WriteByte(c)
		} else {
			b.WriteByte('_')
		}
	}
	return Kind(strings.Trim(b.String(), "_"))
}

// Span describes a sensitive substring detected within a text.
type Span struct {
	Kind       Kind
	Start      int     // byte offset of the first byte (UTF-8)
	End        int     // byte offset one past the last byte
	Confidence float64 // in [0,1]; 1.0 for validated rule matches
}

// Len returns the span length in bytes.
func (s Span) Len() int { return s.End - s.Start }

// Detector finds sensitive spans in a text string. Spans may be unsorted and
// overlapping. Implementations must be safe for concurrent use and must
// return promptly once ctx is done.
type Detector interface {
	Name() string
	Detect(ctx context.Context, text string) ([]Span, error)
}
