package models

import (
	"fmt"
	"time"
)

// Chunk is a piece of text derived from a document page. It references an
// external vector representation and never holds the vector itself.
type Chunk struct {
	ChunkID       string    `json:"chunk_id"`
	DocumentID    string    `json:"document_id"`
	Text          string    `json:"text"`
	PageNo        *int      `json:"page_no,omitempty"`
	TokenCount    *int      `json:"token_count,omitempty"`
	EmbeddingPath *string   `json:"embedding_path,omitempty"`
	VectorID      *string   `json:"vector_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ChunkID derives the stable chunk identifier for a document page offset.
func ChunkID(documentID string, page, offset int) string {
	return fmt.Sprintf("%s_p%d_%d", documentID, page, offset)
}
