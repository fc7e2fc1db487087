package index

import "testing"

func TestNormalizeConstantScores(t *testing.T) {
	results := []Scored{{Score: 3}, {Score: 3}}
	normalize(results)
	for _, r := range results {
		if r.Score != 1 {
			t.Fatalf("expected constant normalization to 1, got %f", r.Score)
		}
	}
}

func TestNormalizeMinMax(t *testing.T) {
	results := []Scored{{Score: 0}, {Score: 5}, {Score: 10}}
	normalize(results)
	if results[0].Score != 0 || results[2].Score != 1 {
		t.Fatalf("unexpected normalization: %+v", results)
	}
}

func TestSortScoredDeterministicTieBreak(t *testing.T) {
	results := []Scored{
		{Document: Document{ResourceHash: "b", ChunkIndex: 0}, Score: 1},
		{Document: Document{ResourceHash: "a", ChunkIndex: 1}, Score: 1},
		{Document: Document{ResourceHash: "a", ChunkIndex: 0}, Score: 1},
	}
	sortScoredDeterministic(results)
	if results[0].Document.ResourceHash != "a" || results[0].Document.ChunkIndex != 0 {
		t.Fatalf("expected (a,0) first, got %+v", results[0])
	}
	if results[1].Document.ResourceHash != "a" || results[1].Document.ChunkIndex != 1 {
		t.Fatalf("expected (a,1) second, got %+v", results[1])
	}
}
