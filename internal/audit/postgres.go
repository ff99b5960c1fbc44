package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the subset of *pgxpool.Pool the sink needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const createTable = `
CREATE TABLE IF NOT EXISTS gateway_audit (
	id                  BIGSERIAL PRIMARY KEY,
	occurred_at         TIMESTAMPTZ NOT NULL,
	request_id          TEXT NOT NULL,
	tenant_id           TEXT NOT NULL,
	outcome             TEXT NOT NULL,
	model               TEXT NOT NULL DEFAULT '',
	redacted            JSONB NOT NULL,
	dropped_spans       JSONB NOT NULL,
	detector_errors     JSONB NOT NULL,
	latency_ms          BIGINT NOT NULL,
	upstream_latency_ms BIGINT NOT NULL,
	upstream_status     INTEGER NOT NULL,
	prompt_tokens       INTEGER NOT NULL,
	completion_tokens   INTEGER NOT NULL,
	total_tokens        INTEGER NOT NULL
)`

const insertRecord = `
INSERT INTO gateway_audit (
	occurred_at, request_id, tenant_id, outcome, model,
	redacted, dropped_spans, detector_errors,
	latency_ms, upstream_latency_ms, upstream_status,
	prompt_tokens, completion_tokens, total_tokens
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

// PostgresSink appends records to the gateway_audit table.
type PostgresSink struct {
	db Execer
}

// NewPostgresSink wraps db.
func NewPostgresSink(db Execer) *PostgresSink {
	return &PostgresSink{db: db}
}

// EnsureSchema creates the table if it does not exist.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("audit: create table: %w", err)
	}
	return nil
}

func (s *PostgresSink) Write(ctx context.Context, rec Record) error {
	redacted, err := jsonb(rec.Redacted, "{}")
	if err != nil {
		return err
	}
	dropped, err := jsonb(rec.DroppedSpans, "{}")
	if err != nil {
		return err
	}
	detErrs, err := jsonb(rec.DetectorErrors, "[]")
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, insertRecord,
		rec.Time, rec.RequestID, rec.TenantID, rec.Outcome, rec.Model,
		redacted, dropped, detErrs,
		rec.LatencyMS, rec.UpstreamLatencyMS, rec.UpstreamStatus,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

func jsonb[T any](v T, empty string) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("audit: encode: %w", err)
	}
	if string(b) == "null" {
		return []byte(empty), nil
	}
	return b, nil
}
