package retrieval

import (
	"sort"

	"docqa-go/internal/model"
)

// DefaultAlpha weights the vector side of the fused score.
const DefaultAlpha = 0.7

// Fuse merges lexical and vector hits into candidates scored
// alpha*vector + (1-alpha)*lexical. Lexical scores are divided by the best
// lexical score; vector scores are cosine similarities clamped to [0,1].
// A chunk present in both lists, or repeated within one, appears once with
// its best score on each side. Results are sorted by fused score
// descending, then by chunk ordinal.
func Fuse(alpha float64, lexical, vector []model.SearchHit) []model.RetrievalCandidate {
	alpha = clamp01(alpha)

	var maxLexical float64
	for _, h := range lexical {
		if h.Score > maxLexical {
			maxLexical = h.Score
		}
	}

	byID := make(map[string]*model.RetrievalCandidate, len(lexical)+len(vector))
	order := make([]string, 0, len(lexical)+len(vector))
	get := func(c model.Chunk) *model.RetrievalCandidate {
		if cand, ok := byID[c.ID]; ok {
			return cand
		}
		cand := &model.RetrievalCandidate{Chunk: c}
		byID[c.ID] = cand
		order = append(order, c.ID)
		return cand
	}

	for _, h := range lexical {
		score := 0.0
		if maxLexical > 0 {
			score = clamp01(h.Score / maxLexical)
		}
		if cand := get(h.Chunk); score > cand.LexicalScore {
			cand.LexicalScore = score
		}
	}
	for _, h := range vector {
		score := clamp01(h.Score)
		if cand := get(h.Chunk); score > cand.VectorScore {
			cand.VectorScore = score
		}
	}

	out := make([]model.RetrievalCandidate, 0, len(order))
	for _, id := range order {
		cand := byID[id]
		cand.FusedScore = alpha*cand.VectorScore + (1-alpha)*cand.LexicalScore
		out = append(out, *cand)
	}
	SortByFused(out)
	return out
}

// SortByFused orders candidates by fused score descending; ties keep
// document order.
func SortByFused(cands []model.RetrievalCandidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.FusedScore != b.FusedScore {
			return a.FusedScore > b.FusedScore
		}
		if a.Chunk.Ordinal != b.Chunk.Ordinal {
			return a.Chunk.Ordinal < b.Chunk.Ordinal
		}
		return a.Chunk.ID < b.Chunk.ID
	})
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
