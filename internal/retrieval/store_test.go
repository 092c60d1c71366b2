package retrieval

import (
	"context"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	return NewIndex(slog.New(slog.DiscardHandler))
}

func TestIndexSearchRanksByCosine(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(t)
	err := ix.Add(
		Record{ID: "a", Text: "aligned", Embedding: []float64{1, 0, 0}},
		Record{ID: "b", Text: "orthogonal", Embedding: []float64{0, 1, 0}},
		Record{ID: "c", Text: "close", Embedding: []float64{0.9, 0.1, 0}},
	)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	matches, err := ix.Search(context.Background(), []float64{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].Record.ID != "a" || matches[1].Record.ID != "c" {
		t.Fatalf("unexpected ranking: %q, %q", matches[0].Record.ID, matches[1].Record.ID)
	}
	if matches[0].Score <= matches[1].Score {
		t.Fatalf("scores not descending: %f <= %f", matches[0].Score, matches[1].Score)
	}
}

func TestIndexEmptyAndDimensionChecks(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(t)

	matches, err := ix.Search(context.Background(), []float64{1, 0}, 3)
	if err != nil {
		t.Fatalf("Search on empty index: %v", err)
	}
	if matches != nil {
		t.Fatalf("expected no matches, got %#v", matches)
	}

	if err := ix.Add(Record{ID: "a", Embedding: []float64{1, 0}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := ix.Add(Record{ID: "bad", Embedding: []float64{1, 0, 0}}); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
	if _, err := ix.Search(context.Background(), []float64{1, 0, 0}, 1); err == nil {
		t.Fatal("expected query dimension error")
	}
	if err := ix.Add(Record{ID: "noembed"}); err == nil {
		t.Fatal("expected error for missing embedding")
	}
}

func TestLoadJSONL(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "corpus.jsonl")
	content := `{"id":"r1","text":"first","embedding":[1,0]}
{"id":"r2","text":"second","embedding":[0,1]}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write corpus: %v", err)
	}

	recs, err := LoadJSONL(path)
	if err != nil {
		t.Fatalf("LoadJSONL: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "r1" || recs[1].Text != "second" {
		t.Fatalf("unexpected records: %#v", recs)
	}

	bad := filepath.Join(t.TempDir(), "bad.jsonl")
	if err := os.WriteFile(bad, []byte("not json\n"), 0o644); err != nil {
		t.Fatalf("write bad corpus: %v", err)
	}
	if _, err := LoadJSONL(bad); err == nil {
		t.Fatal("expected error for malformed corpus")
	}
}

func TestNoisePreservesRankingAndNorm(t *testing.T) {
	t.Parallel()

	base := normalize([]float64{0.8, 0.1, 0.05, 0.2})
	noised := Noise(base, 0.05)

	if len(noised) != len(base) {
		t.Fatalf("length changed: %d != %d", len(noised), len(base))
	}

	// Result is L2-normalized.
	var sum float64
	for _, v := range noised {
		sum += v * v
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("expected unit norm, got %f", math.Sqrt(sum))
	}

	// Small noise keeps the vector close to the original.
	if sim := Cosine(base, noised); sim < 0.9 {
		t.Fatalf("noise destroyed similarity: cosine=%f", sim)
	}

	// The perturbed vector must not equal the original exactly.
	same := true
	for i := range base {
		if base[i] != noised[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("noise left vector unchanged")
	}
}

func TestNoiseZeroStddevCopies(t *testing.T) {
	t.Parallel()

	base := []float64{1, 2, 3}
	out := Noise(base, 0)
	for i := range base {
		if out[i] != base[i] {
			t.Fatalf("zero stddev must copy unchanged, got %#v", out)
		}
	}
	out[0] = 99
	if base[0] == 99 {
		t.Fatal("Noise must not alias its input")
	}
}

func TestCosine(t *testing.T) {
	t.Parallel()

	if got := Cosine([]float64{1, 0}, []float64{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Fatalf("identical vectors: %f", got)
	}
	if got := Cosine([]float64{1, 0}, []float64{0, 1}); got != 0 {
		t.Fatalf("orthogonal vectors: %f", got)
	}
	if got := Cosine([]float64{1}, []float64{1, 0}); got != 0 {
		t.Fatalf("mismatched dims: %f", got)
	}
	if got := Cosine([]float64{0, 0}, []float64{1, 0}); got != 0 {
		t.Fatalf("zero vector: %f", got)
	}
}
