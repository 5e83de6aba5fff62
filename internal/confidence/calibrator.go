// Package confidence maps a top relevance score to a confidence label using
// one threshold set per score scale.
package confidence

import (
	"fmt"
	"math"
	"sync/atomic"

	"docqa-go/internal/config"
	"docqa-go/internal/model"
	"docqa-go/pkg/log"
)

// Thresholds: score >= High is high, score >= NeedsReview is needs_review,
// anything lower is not_found.
type Thresholds struct {
	High        float64
	NeedsReview float64
}

// Validate rejects sets that are out of [0,1] or inverted.
func (t Thresholds) Validate() error {
	for _, v := range []float64{t.High, t.NeedsReview} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("threshold %v out of range [0,1]", v)
		}
	}
	if t.High < t.NeedsReview {
		return fmt.Errorf("high threshold %v below needs_review threshold %v", t.High, t.NeedsReview)
	}
	return nil
}

func (t Thresholds) label(score float64) model.ConfidenceLabel {
	switch {
	case score >= t.High:
		return model.ConfidenceHigh
	case score >= t.NeedsReview:
		return model.ConfidenceNeedsReview
	}
	return model.ConfidenceNotFound
}

// Set holds the thresholds for both scales.
type Set struct {
	Reranker Thresholds
	Fused    Thresholds
}

// DefaultSet returns the shipped thresholds.
func DefaultSet() Set {
	return Set{
		Reranker: Thresholds{High: 0.75, NeedsReview: 0.50},
		Fused:    Thresholds{High: 0.85, NeedsReview: 0.60},
	}
}

// FromConfig converts the configured thresholds. The result is not validated.
func FromConfig(cfg config.ConfidenceConfig) Set {
	return Set{
		Reranker: Thresholds{High: cfg.Reranker.High, NeedsReview: cfg.Reranker.NeedsReview},
		Fused:    Thresholds{High: cfg.Fused.High, NeedsReview: cfg.Fused.NeedsReview},
	}
}

// Validate checks both threshold sets.
func (s Set) Validate() error {
	if err := s.Reranker.Validate(); err != nil {
		return fmt.Errorf("reranker: %w", err)
	}
	if err := s.Fused.Validate(); err != nil {
		return fmt.Errorf("fused: %w", err)
	}
	return nil
}

// Calibrator is safe for concurrent use; Update swaps thresholds atomically.
type Calibrator struct {
	set atomic.Pointer[Set]
}

// NewCalibrator starts from s, or from DefaultSet when s is invalid.
func NewCalibrator(s Set) *Calibrator {
	c := &Calibrator{}
	if err := c.Update(s); err != nil {
		log.Warnw("[Confidence] 阈值配置无效，使用默认值", "error", err)
		d := DefaultSet()
		c.set.Store(&d)
	}
	return c
}

// Update installs s. An invalid set is rejected and the current one kept.
func (c *Calibrator) Update(s Set) error {
	if err := s.Validate(); err != nil {
		return err
	}
	c.set.Store(&s)
	return nil
}

// Current returns the thresholds in effect.
func (c *Calibrator) Current() Set {
	return *c.set.Load()
}

// Calibrate labels a score on its own scale.
func (c *Calibrator) Calibrate(score model.Score) model.ConfidenceLabel {
	s := c.set.Load()
	if score.Source == model.ScoreReranker {
		return s.Reranker.label(score.Value)
	}
	return s.Fused.label(score.Value)
}

// CalibrateCandidates labels the top candidate of an ordered list. Zero
// candidates are always not_found.
func (c *Calibrator) CalibrateCandidates(cands []model.RetrievalCandidate, source model.ScoreSource) (model.ConfidenceLabel, model.Score) {
	if len(cands) == 0 {
		return model.ConfidenceNotFound, model.Score{Source: source}
	}
	top := cands[0].ScoreFor(source)
	return c.Calibrate(top), top
}
