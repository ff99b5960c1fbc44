package pii

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultBudget is the maximum time Scan waits for all detectors.
const DefaultBudget = 10 * time.Second

// Detection is the merged result of one Scan.
type Detection struct {
	Spans          []Span   // spans at or above the confidence threshold
	BelowThreshold int      // spans filtered out by the threshold
	Failed         []string // names of detectors that returned an error
}

// Composite runs several detectors concurrently on the same text and merges
// their spans. It is created once at startup and is safe for concurrent use.
type Composite struct {
	detectors     []Detector
	minConfidence float64
	budget        time.Duration
	logger        *slog.Logger
}

// Option configures a Composite.
type Option func(*Composite)

// WithMinConfidence drops spans whose confidence is below min.
func WithMinConfidence(min float64) Option {
	return func(c *Composite) { c.minConfidence = min }
}

// WithBudget bounds how long Scan waits for its detectors.
func WithBudget(d time.Duration) Option {
	return func(c *Composite) {
		if d > 0 {
			c.budget = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Composite) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewComposite creates a Composite over an ordered list of detectors.
func NewComposite(detectors []Detector, opts ...Option) *Composite {
	c := &Composite{
		detectors: detectors,
		budget:    DefaultBudget,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Len returns the number of configured detectors.
func (c *Composite) Len() int { return len(c.detectors) }

// Scan runs every detector on text and returns the merged spans. A detector
// that fails or misses the budget contributes nothing and is reported in
// Failed; Scan itself never fails.
func (c *Composite) Scan(ctx context.Context, text string) Detection {
	var det Detection
	if len(c.detectors) == 0 || text == "" {
		return det
	}

	ctx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	results := make([][]Span, len(c.detectors))
	errs := make([]error, len(c.detectors))

	var g errgroup.Group
	for i, d := range c.detectors {
		g.Go(func() error {
			results[i], errs[i] = d.Detect(ctx, text)
			return nil
		})
	}
	_ = g.Wait()

	for i, d := range c.detectors {
		if errs[i] != nil {
			c.logger.Warn("pii: detector error", "detector", d.Name(), "err", errs[i])
			det.Failed = append(det.Failed, d.Name())
			continue
		}
		for _, sp := range results[i] {
			if sp.Confidence < c.minConfidence {
				det.BelowThreshold++
				continue
			}
			det.Spans = append(det.Spans, sp)
		}
	}
	return det
}
