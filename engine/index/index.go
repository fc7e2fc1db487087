// Package index maintains the searchable representation of the catalog: a
// chunker, a dense vector arm (Qdrant), a BM25 lexical arm, and a fusion
// layer combining both into hybrid_search.
package index

import (
	"errors"

	"github.com/sablehq/sable/engine/domain"
)

var (
	// ErrUnextractedBinary is returned by a loader that cannot produce text
	// from the raw bytes it was given.
	ErrUnextractedBinary = errors.New("index: binary content requires external extraction")
	// ErrDimensionMismatch is fatal: the configured embedding_dim does not
	// match what the embedding provider actually returned.
	ErrDimensionMismatch = errors.New("index: embedding dimension mismatch")
)

// Document is a single retrieval hit surfaced by any search arm.
type Document struct {
	ResourceHash string
	ChunkIndex   int
	Text         string
	Source       string
	Metadata     map[string]string
}

// Scored pairs a Document with the score it was retrieved under.
type Scored struct {
	Document Document
	Score    float64
}

// Filter predicates a resource hash for inclusion in a search — used to
// enforce per-conversation document visibility.
type Filter func(resourceHash string) bool

// DistanceMetric selects the vector index's similarity function.
type DistanceMetric string

const (
	DistanceCosine DistanceMetric = "cosine"
	DistanceL2     DistanceMetric = "l2"
	DistanceIP     DistanceMetric = "ip"
)

// Config is the deploy-time configuration of the index. D is validated
// against actual embeddings at write time; mismatch is fatal.
type Config struct {
	EmbeddingModel   string
	EmbeddingDim     int
	ChunkSize        int
	ChunkOverlap     int
	DistanceMetric   DistanceMetric
	BM25K1           float64
	BM25B            float64
	ParallelWorkers  int
	HybridWeightLex  float64
	HybridWeightSem  float64
}

// DefaultConfig returns the deployment defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:       DefaultChunkSize,
		ChunkOverlap:    DefaultOverlap,
		DistanceMetric:  DistanceCosine,
		BM25K1:          0.5,
		BM25B:           0.75,
		ParallelWorkers: 4,
		HybridWeightLex: 0.6,
		HybridWeightSem: 0.4,
	}
}

// resourceKey identifies a chunk for dedup/tie-break purposes.
type resourceKey struct {
	hash  string
	index int
}

func toDocument(resourceHash string, c domain.Chunk) Document {
	return Document{
		ResourceHash: resourceHash,
		ChunkIndex:   c.ChunkIndex,
		Text:         c.Text,
		Metadata:     c.Metadata,
	}
}
