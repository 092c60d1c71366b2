// Package retrieval implements the node-local vector search the worker loop
// runs against its private corpus. Raw record text never leaves this side of
// the sanitizing gate.
package retrieval

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"
)

// Record is one locally held document with its precomputed embedding.
type Record struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Embedding []float64 `json:"embedding"`
}

// Match pairs a record with its similarity to the query vector.
type Match struct {
	Record Record
	Score  float64
}

// Index is an in-memory vector index with cosine ranking. Good for corpora
// that fit in memory; swap in a disk-backed store behind the same Search
// shape when they don't.
type Index struct {
	mu      sync.RWMutex
	dim     int
	records []Record
	logger  *slog.Logger
}

// NewIndex creates an empty index.
func NewIndex(logger *slog.Logger) *Index {
	return &Index{logger: logger.With("component", "retrieval")}
}

// Add inserts records. All embeddings must share one dimension.
func (ix *Index) Add(recs ...Record) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, r := range recs {
		if len(r.Embedding) == 0 {
			return fmt.Errorf("record %s has no embedding", r.ID)
		}
		if ix.dim == 0 {
			ix.dim = len(r.Embedding)
		}
		if len(r.Embedding) != ix.dim {
			return fmt.Errorf("record %s has dimension %d, index has %d", r.ID, len(r.Embedding), ix.dim)
		}
		ix.records = append(ix.records, r)
	}
	return nil
}

// Len reports how many records are indexed.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.records)
}

// Search returns the topK most similar records, best first.
func (ix *Index) Search(ctx context.Context, query []float64, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = 1
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.records) == 0 {
		return nil, nil
	}
	if len(query) != ix.dim {
		return nil, fmt.Errorf("query has dimension %d, index has %d", len(query), ix.dim)
	}

	matches := make([]Match, 0, len(ix.records))
	for _, r := range ix.records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		matches = append(matches, Match{Record: r, Score: Cosine(query, r.Embedding)})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// LoadJSONL reads one Record per line from a corpus file prepared by the
// embedding pipeline.
func LoadJSONL(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open corpus: %w", err)
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 8*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("corpus line %d: %w", line, err)
		}
		out = append(out, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	return out, nil
}

// Cosine computes cosine similarity; mismatched or zero vectors score 0.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
