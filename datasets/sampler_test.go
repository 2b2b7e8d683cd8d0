package datasets

import (
	"context"
	"reflect"
	"sort"
	"testing"
)

func TestSamplerShardsCoverSet(t *testing.T) {
	const n, world = 103, 4
	seen := make(map[int]int)
	for rank := 0; rank < world; rank++ {
		s, err := NewSampler(n, rank, world, 7, true)
		if err != nil {
			t.Fatalf("NewSampler: %v", err)
		}
		s.SetEpoch(3)
		idx := s.Indices()
		if len(idx) != s.PerRank() {
			t.Fatalf("rank %d got %d indices, want %d", rank, len(idx), s.PerRank())
		}
		for _, i := range idx {
			seen[i]++
		}
	}
	if len(seen) != n {
		t.Fatalf("covered %d of %d samples", len(seen), n)
	}
	dup := 0
	for _, c := range seen {
		dup += c - 1
	}
	if dup != 4*26-n {
		t.Fatalf("padding duplicates %d, want %d", dup, 4*26-n)
	}
}

func TestSamplerDeterministicPerEpoch(t *testing.T) {
	a, _ := NewSampler(50, 0, 1, 42, true)
	b, _ := NewSampler(50, 0, 1, 42, true)
	a.SetEpoch(1)
	b.SetEpoch(1)
	if !reflect.DeepEqual(a.Indices(), b.Indices()) {
		t.Fatalf("same seed and epoch must give same order")
	}
	first := a.Indices()
	a.SetEpoch(2)
	if reflect.DeepEqual(first, a.Indices()) {
		t.Fatalf("order did not change between epochs")
	}
	sorted := append([]int(nil), a.Indices()...)
	sort.Ints(sorted)
	for i, v := range sorted {
		if v != i {
			t.Fatalf("not a permutation: %v", sorted)
		}
	}
}

func TestSamplerWithoutShuffleIsIdentity(t *testing.T) {
	s, _ := NewSampler(5, 0, 1, 1, false)
	s.SetEpoch(9)
	if !reflect.DeepEqual(s.Indices(), []int{0, 1, 2, 3, 4}) {
		t.Fatalf("unexpected order %v", s.Indices())
	}
	if _, err := NewSampler(5, 2, 2, 0, false); err == nil {
		t.Fatalf("expected rank out of range error")
	}
}

func TestMemoryLoaderBatches(t *testing.T) {
	samples := Blobs(10, 2, 3, 0.1, 1)
	l, err := NewMemoryLoader(samples, 4, 0, 1, 0, false)
	if err != nil {
		t.Fatalf("NewMemoryLoader: %v", err)
	}
	if l.Len() != 3 {
		t.Fatalf("Len=%d, want 3", l.Len())
	}
	var sizes []int
	err = l.Each(context.Background(), func(i int, b Batch) error {
		sizes = append(sizes, b.Size())
		if len(b.Inputs.([][]float32)) != b.Size() {
			t.Fatalf("inputs and targets disagree")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Each: %v", err)
	}
	if !reflect.DeepEqual(sizes, []int{4, 4, 2}) {
		t.Fatalf("batch sizes %v", sizes)
	}
	if !reflect.DeepEqual(Blobs(10, 2, 3, 0.1, 1), samples) {
		t.Fatalf("Blobs must be deterministic")
	}
}
