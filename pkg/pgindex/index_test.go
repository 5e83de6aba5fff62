package pgindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docqa-go/internal/model"
)

func TestRowHit(t *testing.T) {
	h := row{ChunkID: "c1", TenantID: "t1", DocumentID: "d1", Generation: "g1", Ordinal: 4, Page: 3,
		Kind: "table", Summary: "Table with 2 rows", Text: "| a |", Score: 0.42}.hit()

	assert.Equal(t, "c1", h.Chunk.ID)
	assert.Equal(t, model.ChunkTable, h.Chunk.Kind)
	assert.Equal(t, 3, h.Chunk.Page)
	assert.Equal(t, 0.42, h.Score)
}

func TestIndexChunks_EmptyIsNoop(t *testing.T) {
	x := New(nil, 3)
	require.NoError(t, x.IndexChunks(context.Background(), nil))
}
