// Package gateway sequences one chat completion through the gateway:
// authenticate, admit, redact, call upstream, re-identify, audit.
//
// Each request owns one pii.Vault for its whole lifetime. The Vault is
// purged on every exit path and nothing in this package logs or returns
// its contents; the audit record carries counts only.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gonkalabs/piigate/internal/audit"
	"github.com/gonkalabs/piigate/internal/metrics"
	"github.com/gonkalabs/piigate/internal/pii"
	"github.com/gonkalabs/piigate/internal/ratelimit"
	"github.com/gonkalabs/piigate/internal/upstream"
)

// Detector finds PII spans; *pii.Composite implements it.
type Detector interface {
	Scan(ctx context.Context, text string) pii.Detection
}

// Limiter admits requests; *ratelimit.Limiter implements it.
type Limiter interface {
	AllowTier(ctx context.Context, tenant, tier string, cost float64) (ratelimit.Decision, error)
}

// Upstream sends sanitized payloads; *upstream.Client implements it.
type Upstream interface {
	ChatCompletion(ctx context.Context, payload []byte) (*upstream.Response, error)
}

// Request is one inbound chat completion.
type Request struct {
	RequestID     string
	TenantID      string
	Tier          string
	Authenticated bool
	Body          []byte
}

// Response is the re-identified upstream answer.
type Response struct {
	Body      []byte
	Remaining int64 // rate-limit tokens left for the tenant
	Redacted  int   // placeholders issued for this request
}

// Gateway is created once and is safe for concurrent use. It holds no
// per-request state.
type Gateway struct {
	detector     Detector
	limiter      Limiter
	upstream     Upstream
	sink         audit.Sink
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
	scanParallel int
	auditTimeout time.Duration
	defaultModel string
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithAuditSink sets where audit records go (default: a LogSink).
func WithAuditSink(s audit.Sink) Option {
	return func(g *Gateway) {
		if s != nil {
			g.sink = s
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithClock replaces time.Now for latency accounting.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// WithScanParallelism bounds how many message texts are scanned at once
// (default 4).
func WithScanParallelism(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.scanParallel = n
		}
	}
}

// WithDefaultModel sets the model used by HandlePrompt.
func WithDefaultModel(model string) Option {
	return func(g *Gateway) { g.defaultModel = model }
}

// New creates a Gateway.
func New(detector Detector, limiter Limiter, up Upstream, opts ...Option) *Gateway {
	g := &Gateway{
		detector:     detector,
		limiter:      limiter,
		upstream:     up,
		logger:       slog.Default(),
		now:          time.Now,
		scanParallel: 4,
		auditTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.sink == nil {
		g.sink = audit.NewLogSink(g.logger)
	}
	return g
}

// HandleRequest runs the full pipeline for req. Failures are *Error values
// classified by one of the Err* kinds. An audit record is written for
// every outcome.
func (g *Gateway) HandleRequest(ctx context.Context, req Request) (*Response, error) {
	start := g.now()
	rec := audit.Record{
		Time:      start,
		RequestID: req.RequestID,
		TenantID:  req.TenantID,
	}
	if !req.Authenticated {
		rec.TenantID = ""
	}

	resp, err := g.handle(ctx, req, &rec)

	rec.Outcome = OutcomeOf(err)
	rec.LatencyMS = g.now().Sub(start).Milliseconds()
	g.finish(ctx, rec, g.now().Sub(start))
	return resp, err
}

// HandlePrompt wraps prompt in a single user message, runs HandleRequest
// and returns the re-identified text of the first choice.
func (g *Gateway) HandlePrompt(ctx context.Context, req Request, prompt string) (string, error) {
	body, err := marshal(map[string]any{
		"model":    g.defaultModel,
		"messages": []map[string]string{{"role": "user", "content": prompt}},
	})
	if err != nil {
		return "", fail(ErrMalformedInput, err)
	}
	req.Body = body

	resp, err := g.HandleRequest(ctx, req)
	if err != nil {
		return "", err
	}
	text, err := firstContent(resp.Body)
	if err != nil {
		return "", fail(ErrUpstream, err)
	}
	return text, nil
}

func (g *Gateway) handle(ctx context.Context, req Request, rec *audit.Record) (*Response, error) {
	if !req.Authenticated {
		return nil, &Error{Kind: ErrUnauthorized}
	}

	dec, err := g.admit(ctx, req)
	if err != nil {
		return nil, err
	}

	chat, err := parseChat(req.Body)
	if err != nil {
		return nil, fail(ErrMalformedInput, err)
	}
	rec.Model = chat.model

	vault := pii.NewVault()
	defer vault.Purge()

	payload, err := g.redact(ctx, chat, vault, rec)
	if err != nil {
		return nil, err
	}

	up, err := g.upstream.ChatCompletion(ctx, payload)
	if up != nil {
		rec.UpstreamStatus = up.Status
		rec.UpstreamLatencyMS = up.Latency.Milliseconds()
		g.observeUpstream(up.Latency)
	}
	if err != nil {
		return nil, upstreamError(ctx, err)
	}

	body, u, err := restoreChoices(up.Body, vault)
	if err != nil {
		return nil, fail(ErrUpstream, err)
	}
	rec.PromptTokens = u.PromptTokens
	rec.CompletionTokens = u.CompletionTokens
	rec.TotalTokens = u.TotalTokens

	return &Response{Body: body, Remaining: dec.Remaining, Redacted: vault.Len()}, nil
}

func (g *Gateway) admit(ctx context.Context, req Request) (ratelimit.Decision, error) {
	dec, err := g.limiter.AllowTier(ctx, req.TenantID, req.Tier, 1)
	switch {
	case err != nil && ctx.Err() != nil:
		return dec, fail(ErrCanceled, ctx.Err())
	case err != nil:
		g.countDecision("unavailable")
		return dec, fail(ErrLimiterUnavailable, err)
	case !dec.Allowed:
		g.countDecision("denied")
		return dec, &Error{Kind: ErrRateLimited, RetryAfter: dec.RetryAfter, Remaining: dec.Remaining}
	case dec.FailedOpen:
		g.countDecision("failed_open")
	default:
		g.countDecision("allowed")
	}
	return dec, nil
}

// redact scans every message text concurrently, then redacts them in
// message order with one Vault so placeholder numbering runs across the
// whole conversation.
func (g *Gateway) redact(ctx context.Context, chat *chatRequest, vault *pii.Vault, rec *audit.Record) ([]byte, error) {
	items := chat.texts()
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.text
	}
	vault.Reserve(texts...)

	detections := make([]pii.Detection, len(items))
	var eg errgroup.Group
	eg.SetLimit(g.scanParallel)
	for i := range items {
		eg.Go(func() error {
			detections[i] = g.detector.Scan(ctx, texts[i])
			return nil
		})
	}
	_ = eg.Wait()
	if ctx.Err() != nil {
		return nil, fail(ErrCanceled, ctx.Err())
	}

	failed := map[string]struct{}{}
	for i := range items {
		for _, name := range detections[i].Failed {
			failed[name] = struct{}{}
		}
		items[i].text = vault.Redact(texts[i], detections[i].Spans)
	}
	for name := range failed {
		rec.DetectorErrors = append(rec.DetectorErrors, name)
	}
	sort.Strings(rec.DetectorErrors)

	rec.Redacted = kindCounts(vault.Counts())
	rec.DroppedSpans = reasonCounts(vault.Dropped())

	if err := chat.replace(items); err != nil {
		return nil, fail(ErrMalformedInput, err)
	}
	payload, err := chat.encode()
	if err != nil {
		return nil, fail(ErrMalformedInput, err)
	}
	g.logger.Debug("gateway: redacted request", "request_id", rec.RequestID, "vault", vault)
	return payload, nil
}

func upstreamError(ctx context.Context, err error) *Error {
	if ctx.Err() != nil {
		return fail(ErrCanceled, ctx.Err())
	}
	if errors.Is(err, upstream.ErrTimeout) {
		return fail(ErrUpstreamTimeout, err)
	}
	e := fail(ErrUpstream, err)
	var se *upstream.StatusError
	if errors.As(err, &se) {
		e.UpstreamStatus = se.Status
	}
	return e
}

func (g *Gateway) finish(ctx context.Context, rec audit.Record, elapsed time.Duration) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.auditTimeout)
	defer cancel()
	if err := g.sink.Write(actx, rec); err != nil {
		g.logger.Error("gateway: audit write failed", "request_id", rec.RequestID, "err", err)
	}

	if g.metrics == nil {
		return
	}
	g.metrics.RequestsTotal.WithLabelValues(rec.Outcome).Inc()
	g.metrics.RequestDuration.Observe(elapsed.Seconds())
	for kind, n := range rec.Redacted {
		g.metrics.RedactedSpansTotal.WithLabelValues(kind).Add(float64(n))
	}
	for reason, n := range rec.DroppedSpans {
		g.metrics.DroppedSpansTotal.WithLabelValues(reason).Add(float64(n))
	}
	for _, name := range rec.DetectorErrors {
		g.metrics.DetectorErrorsTotal.WithLabelValues(name).Inc()
	}
}

func (g *Gateway) countDecision(result string) {
	if g.metrics != nil {
		g.metrics.RateLimitDecisionsTotal.WithLabelValues(result).Inc()
	}
}

func (g *Gateway) observeUpstream(d time.Duration) {
	if g.metrics != nil {
		g.metrics.UpstreamLatency.Observe(d.Seconds())
	}
}

func kindCounts(m map[pii.Kind]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, n := range m {
		out[string(k)] = n
	}
	return out
}

func reasonCounts(m map[pii.DropReason]int) map[string]int {
	out := make(map[string]int, len(m))
	for r, n := range m {
		out[string(r)] = n
	}
	return out
}
