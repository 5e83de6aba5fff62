package pipeline

import (
	"context"
	"time"

	"docqa-go/internal/model"
	"docqa-go/internal/parser"
)

// JobStore persists job state. Every method that changes state is a
// compare-and-set on the expected current state and returns
// model.ErrJobConflict when it no longer holds.
type JobStore interface {
	ClaimNext(ctx context.Context, tenantID string, now time.Time) (*model.ProcessingJob, error)
	Advance(ctx context.Context, jobID string, from, to model.JobState, now time.Time) error
	Heartbeat(ctx context.Context, jobID string, state model.JobState, now time.Time) error
	Complete(ctx context.Context, job *model.ProcessingJob, pageCount int, now time.Time) (string, error)
	Fail(ctx context.Context, job *model.ProcessingJob, from model.JobState, jobMsg, userMsg string, now time.Time) error
	Requeue(ctx context.Context, jobID string, from model.JobState, generation string, now time.Time) error
	ListTenantsWithPending(ctx context.Context) ([]string, error)
	FindStale(ctx context.Context, before time.Time) ([]model.ProcessingJob, error)
}

// DocumentStore reads the document a job belongs to.
type DocumentStore interface {
	GetByID(ctx context.Context, id string) (*model.Document, error)
}

// ChunkStore persists chunk rows per generation.
type ChunkStore interface {
	ReplaceGeneration(ctx context.Context, documentID, generation string, chunks []model.Chunk) error
	DeleteGeneration(ctx context.Context, documentID, generation string) error
}

// ChunkIndex stores chunk vectors and text for retrieval.
type ChunkIndex interface {
	IndexChunks(ctx context.Context, chunks []model.Chunk) error
	DeleteGeneration(ctx context.Context, scope model.SearchScope) error
}

// ObjectReader fetches raw uploads.
type ObjectReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Parser is the parsing provider chain.
type Parser interface {
	Parse(ctx context.Context, data []byte, mimeType string) (*parser.Result, error)
}

// Chunker splits normalised markdown.
type Chunker interface {
	Chunk(markdown string, markers []parser.PageMarker) []model.Chunk
}

// Embedder embeds chunk texts in input order.
type Embedder interface {
	EmbedAll(ctx context.Context, texts []string) ([][]float32, error)
}

// Locker provides cross-instance mutual exclusion for periodic sweeps.
type Locker interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) error
}
