package retrieval

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa-go/internal/model"
)

func hit(id string, ordinal int, score float64) model.SearchHit {
	return model.SearchHit{Chunk: model.Chunk{ID: id, Ordinal: ordinal}, Score: score}
}

func fusedOf(t *testing.T, cands []model.RetrievalCandidate, id string) float64 {
	t.Helper()
	for _, c := range cands {
		if c.Chunk.ID == id {
			return c.FusedScore
		}
	}
	t.Fatalf("chunk %s missing from fused list", id)
	return 0
}

func TestFuse_WeightedSum(t *testing.T) {
	lexical := []model.SearchHit{hit("a", 0, 12), hit("b", 1, 6)}
	vector := []model.SearchHit{hit("b", 1, 0.9), hit("c", 2, 0.5)}

	got := Fuse(0.7, lexical, vector)
	require.Len(t, got, 3)

	assert.Equal(t, "b", got[0].Chunk.ID)
	assert.InDelta(t, 0.7*0.9+0.3*0.5, got[0].FusedScore, 1e-9)
	assert.InDelta(t, 0.5, got[0].LexicalScore, 1e-9)
	assert.InDelta(t, 0.35, fusedOf(t, got, "c"), 1e-9)
	assert.InDelta(t, 0.3, fusedOf(t, got, "a"), 1e-9)
}

func TestFuse_DedupesKeepingBestScore(t *testing.T) {
	vector := []model.SearchHit{hit("a", 0, 0.4), hit("a", 0, 0.8)}
	lexical := []model.SearchHit{hit("a", 0, 2), hit("a", 0, 1)}

	got := Fuse(0.5, lexical, vector)
	require.Len(t, got, 1)
	assert.InDelta(t, 0.5*0.8+0.5*1, got[0].FusedScore, 1e-9)
}

func TestFuse_ClampsVectorScores(t *testing.T) {
	got := Fuse(1, nil, []model.SearchHit{hit("neg", 0, -0.3), hit("big", 1, 1.2)})
	assert.Equal(t, 1.0, fusedOf(t, got, "big"))
	assert.Equal(t, 0.0, fusedOf(t, got, "neg"))
}

func TestFuse_TiesBreakByOrdinal(t *testing.T) {
	got := Fuse(0.7, nil, []model.SearchHit{hit("late", 9, 0.5), hit("early", 2, 0.5)})
	assert.Equal(t, []string{"early", "late"}, []string{got[0].Chunk.ID, got[1].Chunk.ID})
}

func TestFuse_Empty(t *testing.T) {
	assert.Empty(t, Fuse(0.7, nil, nil))
}

// Raising one chunk's vector score with its lexical score fixed must never
// lower its fused score.
func TestFuse_MonotonicInVectorScore(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		alpha := rng.Float64()
		var lexical, vector []model.SearchHit
		for i := 0; i < 8; i++ {
			id := fmt.Sprintf("c%d", i)
			lexical = append(lexical, hit(id, i, rng.Float64()*20))
			vector = append(vector, hit(id, i, rng.Float64()*2-0.5))
		}
		before := fusedOf(t, Fuse(alpha, lexical, vector), "c3")

		bumped := append([]model.SearchHit(nil), vector...)
		bumped[3].Score += rng.Float64()
		after := fusedOf(t, Fuse(alpha, lexical, bumped), "c3")

		assert.GreaterOrEqual(t, after, before, "trial %d alpha %.3f", trial, alpha)
	}
}
