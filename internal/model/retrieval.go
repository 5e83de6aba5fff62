package model

// ScoreSource names the scale a relevance score was produced on.
// Reranker and fused scores are not comparable.
type ScoreSource string

const (
	ScoreReranker ScoreSource = "reranker"
	ScoreFused    ScoreSource = "fused"
)

// Score carries a value together with the scale it belongs to.
type Score struct {
	Value  float64     `json:"value"`
	Source ScoreSource `json:"source"`
}

// ConfidenceLabel 是面向用户的置信度分级。
type ConfidenceLabel string

const (
	ConfidenceHigh        ConfidenceLabel = "high"
	ConfidenceNeedsReview ConfidenceLabel = "needs_review"
	ConfidenceNotFound    ConfidenceLabel = "not_found"
)

// Rank orders labels so callers can compare tiers.
func (l ConfidenceLabel) Rank() int {
	switch l {
	case ConfidenceHigh:
		return 2
	case ConfidenceNeedsReview:
		return 1
	}
	return 0
}

// RetrievalCandidate 是查询期的候选块，不落库。
type RetrievalCandidate struct {
	Chunk        Chunk    `json:"chunk"`
	LexicalScore float64  `json:"lexicalScore"`
	VectorScore  float64  `json:"vectorScore"`
	FusedScore   float64  `json:"fusedScore"`
	RerankScore  *float64 `json:"rerankScore,omitempty"`
}

// ScoreFor returns the candidate's score on the given scale.
func (c RetrievalCandidate) ScoreFor(source ScoreSource) Score {
	if source == ScoreReranker && c.RerankScore != nil {
		return Score{Value: *c.RerankScore, Source: ScoreReranker}
	}
	return Score{Value: c.FusedScore, Source: ScoreFused}
}

// Citation 指向答案所依据的具体块和页码。
type Citation struct {
	ChunkID    string `json:"chunkId"`
	DocumentID string `json:"documentId"`
	Page       int    `json:"page"`
	Quote      string `json:"quote"`
}

// AnswerResult 是一次问答的完整结果，由会话存储持久化。
type AnswerResult struct {
	Question   string          `json:"question"`
	Text       string          `json:"text"`
	Citations  []Citation      `json:"citations"`
	Confidence ConfidenceLabel `json:"confidence"`
	TopScore   Score           `json:"topScore"`
}

// SearchScope limits index queries to one generation of one tenant's document.
type SearchScope struct {
	TenantID   string
	DocumentID string
	Generation string
}

// SearchHit is one index result with its raw engine score.
type SearchHit struct {
	Chunk Chunk
	Score float64
}
