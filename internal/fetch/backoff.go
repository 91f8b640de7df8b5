package fetch

import "time"

// BackoffConfig tunes the additive backoff controller.
type BackoffConfig struct {
	BaseDelay time.Duration
	Threshold time.Duration
	Step      time.Duration
	MaxDelay  time.Duration
}

// Backoff adapts the pre-request delay from observed latency. A response
// slower than the threshold adds one step; a response faster than half the
// threshold removes half a step. The delay stays within [base, max].
type Backoff struct {
	base      time.Duration
	current   time.Duration
	threshold time.Duration
	step      time.Duration
	max       time.Duration
}

// NewBackoff builds a controller starting at the base delay.
func NewBackoff(cfg BackoffConfig) *Backoff {
	base := cfg.BaseDelay
	if base < 0 {
		base = 0
	}
	maxDelay := cfg.MaxDelay
	if maxDelay < base {
		maxDelay = base
	}
	step := cfg.Step
	if step < 0 {
		step = 0
	}
	return &Backoff{
		base:      base,
		current:   base,
		threshold: cfg.Threshold,
		step:      step,
		max:       maxDelay,
	}
}

// Update folds one request latency into the controller.
func (b *Backoff) Update(latency time.Duration) {
	if b.threshold <= 0 {
		return
	}
	switch {
	case latency > b.threshold:
		b.current = min(b.max, b.current+b.step)
	case b.current > b.base && latency < b.threshold/2:
		b.current = max(b.base, b.current-b.step/2)
	}
}

// Delay returns the current pre-request delay.
func (b *Backoff) Delay() time.Duration {
	return b.current
}

// ShouldPipeline reports whether the next request may overlap local work.
func (b *Backoff) ShouldPipeline(latency time.Duration) bool {
	return latency <= b.threshold
}
