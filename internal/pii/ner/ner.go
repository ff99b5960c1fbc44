// Package ner provides a pii.Detector that calls a Presidio-compatible
// analyzer service over HTTP (POST /analyze). Named entities such as people
// and locations cannot be found by patterns, so this is the statistical
// layer of detection.
//
// Presidio reports offsets in code points; they are converted to the byte
// offsets pii.Span requires.
package ner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gonkalabs/piigate/internal/pii"
)

// entityKinds maps Presidio entity types to placeholder kinds.
var entityKinds = map[string]pii.Kind{
	"PERSON":            pii.KindPerson,
	"EMAIL_ADDRESS":     pii.KindEmail,
	"PHONE_NUMBER":      pii.KindPhone,
	"CREDIT_CARD":       pii.KindCreditCard,
	"IBAN_CODE":         pii.KindIBAN,
	"IP_ADDRESS":        pii.KindIPAddress,
	"LOCATION":          pii.KindLocation,
	"DATE_TIME":         pii.KindDate,
	"NRP":               pii.KindNRP,
	"MEDICAL_LICENSE":   pii.KindMedicalLicense,
	"US_SSN":            pii.KindSSN,
	"US_PASSPORT":       pii.KindPassport,
	"US_DRIVER_LICENSE": pii.KindDriverLicense,
	"CRYPTO":            pii.KindCrypto,
	"UK_NHS":            pii.KindNHS,
}

// DefaultEntities is the entity list requested when none is configured.
var DefaultEntities = []string{
	"PERSON", "EMAIL_ADDRESS", "PHONE_NUMBER", "CREDIT_CARD", "IBAN_CODE",
	"IP_ADDRESS", "LOCATION", "DATE_TIME", "NRP", "MEDICAL_LICENSE",
	"US_SSN", "US_PASSPORT", "US_DRIVER_LICENSE", "CRYPTO", "UK_NHS",
}

// Client calls the analyzer's /analyze endpoint.
type Client struct {
	url      string
	language string
	entities []string
	http     *http.Client
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLanguage sets the analysis language (default "en").
func WithLanguage(lang string) Option {
	return func(c *Client) {
		if lang != "" {
			c.language = lang
		}
	}
}

// WithEntities restricts the entity types requested.
func WithEntities(entities ...string) Option {
	return func(c *Client) {
		if len(entities) > 0 {
			c.entities = entities
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Client pointing at the given base URL
// (e.g. "http://presidio-analyzer:3000").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		url:      strings.TrimRight(baseURL, "/") + "/analyze",
		language: "en",
		entities: DefaultEntities,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type analyzeRequest struct {
	Text     string   `json:"text"`
	Language string   `json:"language"`
	Entities []string `json:"entities,omitempty"`
}

type analyzeResult struct {
	EntityType string  `json:"entity_type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
}

// Name implements pii.Detector.
func (c *Client) Name() string { return "ner" }

// Detect sends text to the analyzer and returns the entities it found.
// It is safe for concurrent use.
func (c *Client) Detect(ctx context.Context, text string) ([]pii.Span, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	body, err := json.Marshal(analyzeRequest{Text: text, Language: c.language, Entities: c.entities})
	if err != nil {
		return nil, fmt.Errorf("ner: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ner: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ner: analyzer unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("ner: unexpected status %d", resp.StatusCode)
	}

	var results []analyzeResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("ner: decode: %w", err)
	}

	offsets := byteOffsets(text)
	spans := make([]pii.Span, 0, len(results))
	for _, r := range results {
		// Out-of-range code point offsets are passed through as -1 so the
		// redactor drops and counts them.
		start, end := -1, -1
		if r.Start >= 0 && r.Start < len(offsets) {
			start = offsets[r.Start]
		}
		if r.End >= 0 && r.End < len(offsets) {
			end = offsets[r.End]
		}
		spans = append(spans, pii.Span{
			Kind:       kindFor(r.EntityType),
			Start:      start,
			End:        end,
			Confidence: r.Score,
		})
	}
	c.logger.Debug("ner: analyzed", "results", len(results))
	return spans, nil
}

func kindFor(entityType string) pii.Kind {
	if k, ok := entityKinds[entityType]; ok {
		return k
	}
	return pii.NormalizeKind(entityType)
}

// byteOffsets returns the byte offset of every code point index in text,
// plus one trailing entry for len(text).
func byteOffsets(text string) []int {
	out := make([]int, 0, utf8.RuneCountInString(text)+1)
	for i := range text {
		out = append(out, i)
	}
	return append(out, len(text))
}
