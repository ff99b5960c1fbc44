// Package audit emits one PII-free record per gateway request. A Record
// holds counts, ids and timings only; there is no field that could carry
// prompt text or vault contents.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"
)

// Record describes one handled request.
type Record struct {
	Time              time.Time      `json:"time"`
	RequestID         string         `json:"request_id"`
	TenantID          string         `json:"tenant_id"`
	Outcome           string         `json:"outcome"`
	Model             string         `json:"model,omitempty"`
	Redacted          map[string]int `json:"redacted"`      // kind → placeholders issued
	DroppedSpans      map[string]int `json:"dropped_spans"` // reason → spans discarded
	DetectorErrors    []string       `json:"detector_errors,omitempty"`
	LatencyMS         int64          `json:"latency_ms"`
	UpstreamLatencyMS int64          `json:"upstream_latency_ms"`
	UpstreamStatus    int            `json:"upstream_status,omitempty"`
	PromptTokens      int            `json:"prompt_tokens"`
	CompletionTokens  int            `json:"completion_tokens"`
	TotalTokens       int            `json:"total_tokens"`
}

// RedactedTotal sums Redacted.
func (r Record) RedactedTotal() int {
	n := 0
	for _, c := range r.Redacted {
		n += c
	}
	return n
}

// LogValue renders the record as a flat attribute group.
func (r Record) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("request_id", r.RequestID),
		slog.String("tenant_id", r.TenantID),
		slog.String("outcome", r.Outcome),
		slog.Int64("latency_ms", r.LatencyMS),
	}
	if r.Model != "" {
		attrs = append(attrs, slog.String("model", r.Model))
	}
	if len(r.Redacted) > 0 {
		attrs = append(attrs, slog.Attr{Key: "redacted", Value: countsValue(r.Redacted)})
	}
	if len(r.DroppedSpans) > 0 {
		attrs = append(attrs, slog.Attr{Key: "dropped_spans", Value: countsValue(r.DroppedSpans)})
	}
	if len(r.DetectorErrors) > 0 {
		attrs = append(attrs, slog.Any("detector_errors", r.DetectorErrors))
	}
	if r.UpstreamStatus != 0 {
		attrs = append(attrs,
			slog.Int("upstream_status", r.UpstreamStatus),
			slog.Int64("upstream_latency_ms", r.UpstreamLatencyMS),
		)
	}
	if r.TotalTokens > 0 {
		attrs = append(attrs,
			slog.Int("prompt_tokens", r.PromptTokens),
			slog.Int("completion_tokens", r.CompletionTokens),
			slog.Int("total_tokens", r.TotalTokens),
		)
	}
	return slog.GroupValue(attrs...)
}

func countsValue(m map[string]int) slog.Value {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Int(k, m[k]))
	}
	return slog.GroupValue(attrs...)
}

// Sink receives audit records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// LogSink writes records to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a LogSink. A nil logger means slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(ctx context.Context, rec Record) error {
	s.logger.InfoContext(ctx, "audit", "record", rec)
	return nil
}

// Multi fans a record out to several sinks and joins their errors.
type Multi []Sink

func (m Multi) Write(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
