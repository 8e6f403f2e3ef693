package batch

import (
	"log/slog"
	"math"
	"sync"
)

// Sizer decides how many records go into the next batch. Next is called once
// before each batch is created.
type Sizer interface {
	Next() int
}

// FixedSizer always returns the same size.
type FixedSizer int

func (s FixedSizer) Next() int {
	if s <= 0 {
		return 1
	}
	return int(s)
}

// MemorySampler reports current memory usage as a fraction in [0, 1].
type MemorySampler interface {
	Usage() (float64, error)
}

// SamplerFunc adapts a function to MemorySampler.
type SamplerFunc func() (float64, error)

func (f SamplerFunc) Usage() (float64, error) { return f() }

// Grow and shrink factors of the memory-aware sizer.
const (
	shrinkFactor = 0.5
	growFactor   = 1.5
	// Usage below growBelow * threshold lets batches grow again.
	growBelow = 0.7
)

// MemoryAwareConfig configures a MemoryAwareSizer.
type MemoryAwareConfig struct {
	Initial   int
	Min       int
	Max       int
	Threshold float64 // fraction in (0, 1]
}

// MemoryAwareSizer halves the batch size while memory usage is above the
// threshold and grows it by half while usage is below 70% of the threshold.
// The size always stays within [Min, Max] and carries over between batches.
type MemoryAwareSizer struct {
	sampler   MemorySampler
	min, max  int
	threshold float64
	logger    *slog.Logger

	mu      sync.Mutex
	current int
}

// NewMemoryAware creates a sizer. Bounds are normalised so that
// 1 <= Min <= Initial <= Max.
func NewMemoryAware(cfg MemoryAwareConfig, sampler MemorySampler, logger *slog.Logger) *MemoryAwareSizer {
	if cfg.Min < 1 {
		cfg.Min = 1
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	cfg.Initial = clamp(cfg.Initial, cfg.Min, cfg.Max)
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = 0.8
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &MemoryAwareSizer{
		sampler:   sampler,
		min:       cfg.Min,
		max:       cfg.Max,
		threshold: cfg.Threshold,
		logger:    logger,
		current:   cfg.Initial,
	}
}

// Next samples memory and returns the adjusted batch size. A failed sample
// leaves the size unchanged.
func (s *MemoryAwareSizer) Next() int {
	usage, err := s.sampler.Usage()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.logger.Debug("memory sample failed, keeping batch size", "batch_size", s.current, "error", err)
		return s.current
	}

	prev := s.current
	switch {
	case usage > s.threshold:
		s.current = clamp(int(float64(s.current)*shrinkFactor), s.min, s.max)
	case usage < growBelow*s.threshold:
		s.current = clamp(int(math.Ceil(float64(s.current)*growFactor)), s.min, s.max)
	}

	if s.current != prev {
		s.logger.Debug("batch size adjusted",
			"memory_usage", usage,
			"threshold", s.threshold,
			"from", prev,
			"to", s.current,
		)
	}
	return s.current
}

// Current returns the size the next batch would use without sampling.
func (s *MemoryAwareSizer) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
