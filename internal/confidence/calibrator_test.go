package confidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa-go/internal/model"
)

func TestCalibrate_Defaults(t *testing.T) {
	c := NewCalibrator(DefaultSet())
	cases := []struct {
		score model.Score
		want  model.ConfidenceLabel
	}{
		{model.Score{Value: 0.80, Source: model.ScoreReranker}, model.ConfidenceHigh},
		{model.Score{Value: 0.75, Source: model.ScoreReranker}, model.ConfidenceHigh},
		{model.Score{Value: 0.60, Source: model.ScoreReranker}, model.ConfidenceNeedsReview},
		{model.Score{Value: 0.49, Source: model.ScoreReranker}, model.ConfidenceNotFound},
		{model.Score{Value: 0.80, Source: model.ScoreFused}, model.ConfidenceNeedsReview},
		{model.Score{Value: 0.85, Source: model.ScoreFused}, model.ConfidenceHigh},
		{model.Score{Value: 0.59, Source: model.ScoreFused}, model.ConfidenceNotFound},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, c.Calibrate(tc.score), "%+v", tc.score)
	}
}

func TestCalibrate_MonotonicPerSource(t *testing.T) {
	c := NewCalibrator(DefaultSet())
	for _, source := range []model.ScoreSource{model.ScoreReranker, model.ScoreFused} {
		prev := model.ConfidenceNotFound
		for i := 0; i <= 1000; i++ {
			label := c.Calibrate(model.Score{Value: float64(i) / 1000, Source: source})
			assert.GreaterOrEqual(t, label.Rank(), prev.Rank(), "%s at %d", source, i)
			prev = label
		}
	}
}

func TestCalibrateCandidates_ZeroIsNotFound(t *testing.T) {
	lenient := Set{Reranker: Thresholds{High: 0, NeedsReview: 0}, Fused: Thresholds{High: 0, NeedsReview: 0}}
	c := NewCalibrator(lenient)

	for _, source := range []model.ScoreSource{model.ScoreReranker, model.ScoreFused} {
		label, score := c.CalibrateCandidates(nil, source)
		assert.Equal(t, model.ConfidenceNotFound, label)
		assert.Equal(t, source, score.Source)
	}
}

func TestCalibrateCandidates_UsesScoreOfSource(t *testing.T) {
	c := NewCalibrator(DefaultSet())
	rr := 0.8
	cands := []model.RetrievalCandidate{{FusedScore: 0.7, RerankScore: &rr}}

	label, score := c.CalibrateCandidates(cands, model.ScoreReranker)
	assert.Equal(t, model.ConfidenceHigh, label)
	assert.Equal(t, model.Score{Value: 0.8, Source: model.ScoreReranker}, score)

	label, score = c.CalibrateCandidates(cands, model.ScoreFused)
	assert.Equal(t, model.ConfidenceNeedsReview, label)
	assert.Equal(t, model.ScoreFused, score.Source)
}

func TestUpdate_RejectsInvalidSets(t *testing.T) {
	c := NewCalibrator(DefaultSet())

	bad := DefaultSet()
	bad.Fused = Thresholds{High: 0.5, NeedsReview: 0.7}
	assert.Error(t, c.Update(bad))
	bad = DefaultSet()
	bad.Reranker.High = 1.2
	assert.Error(t, c.Update(bad))
	assert.Equal(t, DefaultSet(), c.Current())

	next := DefaultSet()
	next.Reranker = Thresholds{High: 0.9, NeedsReview: 0.4}
	require.NoError(t, c.Update(next))
	assert.Equal(t, model.ConfidenceNeedsReview, c.Calibrate(model.Score{Value: 0.8, Source: model.ScoreReranker}))
}

func TestNewCalibrator_InvalidFallsBackToDefaults(t *testing.T) {
	c := NewCalibrator(Set{})
	// an all-zero set is valid
	assert.Equal(t, Set{}, c.Current())

	c = NewCalibrator(Set{Fused: Thresholds{High: 0.1, NeedsReview: 0.2}})
	assert.Equal(t, DefaultSet(), c.Current())
}
