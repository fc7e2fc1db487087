package index

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sablehq/sable/engine/domain"
	"github.com/sablehq/sable/pkg/fn"
)

// ResourceLoader reads the raw bytes of a resource for chunking.
type ResourceLoader func(resourceHash string) ([]byte, error)

// BatchEmbedder embeds chunk texts in one round-trip to the embedding
// provider.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedBatchSize bounds how many chunk texts are sent to the embedding
// provider per call.
const EmbedBatchSize = 100

// Syncer drives sync(catalog): the symmetric-difference reconciliation of
// the catalog against the indexed set.
type Syncer struct {
	cfg      Config
	vector   *VectorStore
	lexer    *LexicalIndex
	embedder BatchEmbedder
	load     ResourceLoader

	mu      sync.Mutex
	indexed map[string]bool // resource_hash -> present in the index
}

// NewSyncer builds a Syncer over the given index arms.
func NewSyncer(cfg Config, vector *VectorStore, lexer *LexicalIndex, embedder BatchEmbedder, load ResourceLoader) *Syncer {
	return &Syncer{
		cfg:      cfg,
		vector:   vector,
		lexer:    lexer,
		embedder: embedder,
		load:     load,
		indexed:  make(map[string]bool),
	}
}

// IndexedHashes returns a snapshot of resource hashes currently present in
// the index.
func (s *Syncer) IndexedHashes() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.indexed))
	for k := range s.indexed {
		out[k] = true
	}
	return out
}

// Sync reconciles the index against the current catalog. New or changed
// resources are loaded, chunked, embedded, and upserted; resources no
// longer present (removed or soft-deleted) have their chunks dropped.
// Idempotent: re-running on an unchanged catalog performs no index writes.
// Each resource is processed as its own transaction — a loader or
// embedding failure on one resource is logged and skipped without
// aborting the run.
func (s *Syncer) Sync(ctx context.Context, catalog []domain.Resource) error {
	current := make(map[string]domain.Resource, len(catalog))
	for _, r := range catalog {
		if !r.Tombstoned {
			current[r.Hash] = r
		}
	}

	s.mu.Lock()
	var toAdd []domain.Resource
	var toRemove []string
	for hash, r := range current {
		if !s.indexed[hash] {
			toAdd = append(toAdd, r)
		}
	}
	for hash := range s.indexed {
		if _, ok := current[hash]; !ok {
			toRemove = append(toRemove, hash)
		}
	}
	s.mu.Unlock()

	for _, hash := range toRemove {
		if err := s.removeResource(ctx, hash); err != nil {
			slog.Error("index: remove resource failed", "resource_hash", hash, "err", err)
			continue
		}
		s.mu.Lock()
		delete(s.indexed, hash)
		s.mu.Unlock()
	}

	results := fn.ParMapResult(toAdd, s.cfg.ParallelWorkers, func(r domain.Resource) fn.Result[string] {
		if err := s.indexResource(ctx, r); err != nil {
			slog.Error("index: sync resource failed", "resource_hash", r.Hash, "err", err)
			return fn.Err[string](err)
		}
		return fn.Ok(r.Hash)
	})

	s.mu.Lock()
	for _, res := range results {
		if hash, err := res.Unwrap(); err == nil {
			s.indexed[hash] = true
		}
	}
	s.mu.Unlock()

	return nil
}

func (s *Syncer) indexResource(ctx context.Context, r domain.Resource) error {
	raw, err := s.load(r.Hash)
	if err != nil {
		return fmt.Errorf("index: load %s: %w", r.Hash, err)
	}

	loader := LoaderFor(r.DisplayName + r.Suffix)
	text, err := loader(raw)
	if err != nil {
		return fmt.Errorf("index: extract %s: %w", r.Hash, err)
	}

	chunks := Chunk(text, s.cfg.ChunkSize, s.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		return nil
	}

	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += EmbedBatchSize {
		end := min(start+EmbedBatchSize, len(chunks))
		batchTexts := make([]string, end-start)
		for i, c := range chunks[start:end] {
			batchTexts[i] = c.Text
		}
		batch, err := s.embedder.EmbedBatch(ctx, batchTexts)
		if err != nil {
			return fmt.Errorf("index: embed batch for %s: %w", r.Hash, err)
		}
		for _, v := range batch {
			if s.cfg.EmbeddingDim != 0 && len(v) != s.cfg.EmbeddingDim {
				return fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(v), s.cfg.EmbeddingDim)
			}
		}
		vectors = append(vectors, batch...)
	}

	if s.vector != nil {
		if err := s.vector.Upsert(ctx, r.Hash, chunks, vectors, string(r.SourceType)); err != nil {
			return err
		}
	}
	for _, c := range chunks {
		s.lexer.Upsert(Document{ResourceHash: r.Hash, ChunkIndex: c.Index, Text: c.Text, Source: string(r.SourceType)})
	}
	return nil
}

func (s *Syncer) removeResource(ctx context.Context, resourceHash string) error {
	if s.vector != nil {
		if err := s.vector.DeleteByResource(ctx, resourceHash); err != nil {
			return err
		}
	}
	s.lexer.DeleteByResource(resourceHash)
	return nil
}
