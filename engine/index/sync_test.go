package index

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/sablehq/sable/engine/domain"
)

// countingEmbedder hands back fixed-width vectors and counts batch calls
// so idempotence can be asserted as "no further embedding work".
type countingEmbedder struct {
	dim   int
	calls atomic.Int64
}

func (e *countingEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, e.dim)
	}
	return out, nil
}

func syncFixture(dim int) (*Syncer, *LexicalIndex, *countingEmbedder, map[string][]byte) {
	contents := map[string][]byte{}
	loader := func(hash string) ([]byte, error) {
		c, ok := contents[hash]
		if !ok {
			return nil, fmt.Errorf("no content for %s", hash)
		}
		return c, nil
	}
	lexer := NewLexicalIndex(0.5, 0.75)
	emb := &countingEmbedder{dim: dim}
	cfg := Config{EmbeddingDim: dim, ChunkSize: 64, ChunkOverlap: 8, ParallelWorkers: 2}
	return NewSyncer(cfg, nil, lexer, emb, loader), lexer, emb, contents
}

func res(hash string) domain.Resource {
	return domain.Resource{Hash: hash, SourceType: domain.SourceWeb, Suffix: ".txt"}
}

func TestSyncIndexesNewResources(t *testing.T) {
	syncer, lexer, _, contents := syncFixture(4)
	contents["r1"] = []byte("alpha beta gamma")
	contents["r2"] = []byte("delta epsilon zeta")

	if err := syncer.Sync(context.Background(), []domain.Resource{res("r1"), res("r2")}); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	indexed := syncer.IndexedHashes()
	if !indexed["r1"] || !indexed["r2"] {
		t.Fatalf("IndexedHashes = %v, want r1 and r2", indexed)
	}
	if hits := lexer.Search("alpha", 5); len(hits) != 1 || hits[0].Document.ResourceHash != "r1" {
		t.Fatalf("lexical search after sync = %+v", hits)
	}
}

func TestSyncUnchangedCatalogIsNoOp(t *testing.T) {
	syncer, _, emb, contents := syncFixture(4)
	contents["r1"] = []byte("alpha beta gamma")
	catalog := []domain.Resource{res("r1")}

	if err := syncer.Sync(context.Background(), catalog); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	before := emb.calls.Load()

	if err := syncer.Sync(context.Background(), catalog); err != nil {
		t.Fatalf("re-Sync: %v", err)
	}
	if emb.calls.Load() != before {
		t.Fatalf("re-sync of an unchanged catalog embedded again (%d -> %d calls)", before, emb.calls.Load())
	}
}

func TestSyncRemovesTombstonedResources(t *testing.T) {
	syncer, lexer, _, contents := syncFixture(4)
	contents["r1"] = []byte("alpha beta gamma")

	if err := syncer.Sync(context.Background(), []domain.Resource{res("r1")}); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	gone := res("r1")
	gone.Tombstoned = true
	if err := syncer.Sync(context.Background(), []domain.Resource{gone}); err != nil {
		t.Fatalf("Sync with tombstone: %v", err)
	}

	if syncer.IndexedHashes()["r1"] {
		t.Fatal("tombstoned resource still indexed")
	}
	if hits := lexer.Search("alpha", 5); len(hits) != 0 {
		t.Fatalf("tombstoned resource still searchable: %+v", hits)
	}
}

func TestSyncSkipsFailingResourceWithoutAborting(t *testing.T) {
	syncer, _, _, contents := syncFixture(4)
	contents["good"] = []byte("alpha beta gamma")
	// "bad" has no content: the loader fails for it.

	if err := syncer.Sync(context.Background(), []domain.Resource{res("good"), res("bad")}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	indexed := syncer.IndexedHashes()
	if !indexed["good"] {
		t.Fatal("healthy resource was not indexed")
	}
	if indexed["bad"] {
		t.Fatal("failing resource was marked indexed")
	}
}

func TestSyncRejectsDimensionMismatch(t *testing.T) {
	syncer, _, emb, contents := syncFixture(4)
	emb.dim = 3 // provider now disagrees with the configured width
	contents["r1"] = []byte("alpha beta gamma")

	if err := syncer.Sync(context.Background(), []domain.Resource{res("r1")}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if syncer.IndexedHashes()["r1"] {
		t.Fatal("resource with mismatched embedding width was marked indexed")
	}
}
