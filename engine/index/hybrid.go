package index

import (
	"context"
	"sort"
)

// HybridSearcher composes a LexicalIndex and a VectorStore into the
// combined lexical+semantic retriever. It also owns sync(): loading,
// chunking, embedding, and indexing resources on both arms.
type HybridSearcher struct {
	cfg    Config
	vector *VectorStore
	lexer  *LexicalIndex
}

// NewHybridSearcher wires a vector store and lexical index under one
// retrieval interface.
func NewHybridSearcher(cfg Config, vector *VectorStore, lexer *LexicalIndex) *HybridSearcher {
	return &HybridSearcher{cfg: cfg, vector: vector, lexer: lexer}
}

// Embedder produces a dense vector for a query or chunk of text.
type Embedder interface {
	Embed(text string) ([]float32, error)
}

// HybridSearch runs both retrieval arms, normalizes each arm's scores
// min-max, fuses with the configured weights, dedups by
// (resource_hash, chunk_index) keeping the max combined score, and returns
// the top-k ordered by score descending with (resource_hash, chunk_index)
// ascending as the deterministic tie-break.
func (h *HybridSearcher) HybridSearch(ctx context.Context, embedder Embedder, query string, k int, filter Filter) ([]Scored, error) {
	wLex, wSem := h.cfg.HybridWeightLex, h.cfg.HybridWeightSem

	lexResults := h.lexer.Search(query, 0)
	lexResults = applyFilter(lexResults, filter)
	normalize(lexResults)

	var semResults []Scored
	if h.vector != nil {
		vec, err := embedder.Embed(query)
		if err != nil {
			return nil, err
		}
		semResults, err = h.vector.Search(ctx, vec, 0, filter)
		if err != nil {
			return nil, err
		}
	}
	normalize(semResults)

	combined := make(map[resourceKey]Scored)
	for _, r := range lexResults {
		key := resourceKey{hash: r.Document.ResourceHash, index: r.Document.ChunkIndex}
		combined[key] = Scored{Document: r.Document, Score: wLex * r.Score}
	}
	for _, r := range semResults {
		key := resourceKey{hash: r.Document.ResourceHash, index: r.Document.ChunkIndex}
		contribution := wSem * r.Score
		if existing, ok := combined[key]; ok {
			existing.Score += contribution
			combined[key] = existing
		} else {
			combined[key] = Scored{Document: r.Document, Score: contribution}
		}
	}

	out := make([]Scored, 0, len(combined))
	for _, s := range combined {
		out = append(out, s)
	}
	sortScoredDeterministic(out)
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// LexicalSearch runs only the BM25 arm.
func (h *HybridSearcher) LexicalSearch(query string, k int) []Scored {
	return h.lexer.Search(query, k)
}

func applyFilter(in []Scored, filter Filter) []Scored {
	if filter == nil {
		return in
	}
	out := in[:0]
	for _, s := range in {
		if filter(s.Document.ResourceHash) {
			out = append(out, s)
		}
	}
	return out
}

// normalize min-max normalizes scores within one retrieval arm in place.
// An empty slice is left untouched; a single-element slice, or a slice with
// zero score range, normalizes to a constant 1.0 instead of dividing by zero.
func normalize(results []Scored) {
	if len(results) == 0 {
		return
	}
	min, max := results[0].Score, results[0].Score
	for _, r := range results {
		if r.Score < min {
			min = r.Score
		}
		if r.Score > max {
			max = r.Score
		}
	}
	spread := max - min
	for i := range results {
		if spread == 0 {
			results[i].Score = 1
		} else {
			results[i].Score = (results[i].Score - min) / spread
		}
	}
}

// sortScoredDeterministic orders by score descending, then
// (resource_hash asc, chunk_index asc) to break ties deterministically.
func sortScoredDeterministic(s []Scored) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Score != s[j].Score {
			return s[i].Score > s[j].Score
		}
		if s[i].Document.ResourceHash != s[j].Document.ResourceHash {
			return s[i].Document.ResourceHash < s[j].Document.ResourceHash
		}
		return s[i].Document.ChunkIndex < s[j].Document.ChunkIndex
	})
}
