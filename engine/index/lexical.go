package index

import (
	"math"
	"strings"
	"sync"
)

// LexicalIndex is an in-memory BM25 index over chunk text: an inverted
// index of term postings plus per-document lengths, enough for scoring
// without an external search engine.
type LexicalIndex struct {
	mu    sync.RWMutex
	k1    float64
	b     float64
	docs  map[resourceKey]*lexDoc
	order []resourceKey

	// postings maps a term to the set of documents containing it.
	postings map[string]map[resourceKey]int // term -> doc -> term frequency
	avgLen   float64
	totalLen int
}

type lexDoc struct {
	doc    Document
	length int
}

// NewLexicalIndex creates a BM25 index with the given k1/b parameters.
func NewLexicalIndex(k1, b float64) *LexicalIndex {
	return &LexicalIndex{
		k1:       k1,
		b:        b,
		docs:     make(map[resourceKey]*lexDoc),
		postings: make(map[string]map[resourceKey]int),
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

// Upsert indexes or re-indexes a single chunk document.
func (l *LexicalIndex) Upsert(doc Document) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := resourceKey{hash: doc.ResourceHash, index: doc.ChunkIndex}
	l.removeLocked(key)

	terms := tokenize(doc.Text)
	freq := make(map[string]int, len(terms))
	for _, t := range terms {
		freq[t]++
	}
	for t, f := range freq {
		if l.postings[t] == nil {
			l.postings[t] = make(map[resourceKey]int)
		}
		l.postings[t][key] = f
	}

	l.docs[key] = &lexDoc{doc: doc, length: len(terms)}
	l.order = append(l.order, key)
	l.totalLen += len(terms)
	l.avgLen = float64(l.totalLen) / float64(len(l.docs))
}

// DeleteByResource removes every chunk belonging to a resource.
func (l *LexicalIndex) DeleteByResource(resourceHash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, key := range l.order {
		if key.hash == resourceHash {
			l.removeLocked(key)
		}
	}
	l.compactOrderLocked()
}

func (l *LexicalIndex) removeLocked(key resourceKey) {
	existing, ok := l.docs[key]
	if !ok {
		return
	}
	for t, postings := range l.postings {
		if _, ok := postings[key]; ok {
			delete(postings, key)
			if len(postings) == 0 {
				delete(l.postings, t)
			}
		}
	}
	l.totalLen -= existing.length
	delete(l.docs, key)
	if len(l.docs) > 0 {
		l.avgLen = float64(l.totalLen) / float64(len(l.docs))
	} else {
		l.avgLen = 0
	}
}

func (l *LexicalIndex) compactOrderLocked() {
	kept := l.order[:0]
	for _, k := range l.order {
		if _, ok := l.docs[k]; ok {
			kept = append(kept, k)
		}
	}
	l.order = kept
}

// Search returns the top-k BM25 matches for query. Corpus is every indexed
// chunk at query time; an empty corpus returns an empty list.
func (l *LexicalIndex) Search(query string, k int) []Scored {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.docs) == 0 {
		return nil
	}

	n := float64(len(l.docs))
	terms := uniqueTerms(tokenize(query))

	scores := make(map[resourceKey]float64)
	for _, t := range terms {
		postings := l.postings[t]
		if len(postings) == 0 {
			continue
		}
		idf := math.Log(1 + (n-float64(len(postings))+0.5)/(float64(len(postings))+0.5))
		for key, tf := range postings {
			doc := l.docs[key]
			denom := float64(tf) + l.k1*(1-l.b+l.b*float64(doc.length)/l.avgLen)
			scores[key] += idf * (float64(tf) * (l.k1 + 1) / denom)
		}
	}

	out := make([]Scored, 0, len(scores))
	for key, s := range scores {
		out = append(out, Scored{Document: l.docs[key].doc, Score: s})
	}
	sortScoredDeterministic(out)
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

func uniqueTerms(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := terms[:0]
	for _, t := range terms {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
