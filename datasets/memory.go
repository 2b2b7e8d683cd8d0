package datasets

import (
	"context"
	"fmt"
)

// Sample is one labelled feature vector.
type Sample struct {
	Input []float32
	Label int
}

// MemoryLoader batches an in-memory sample set through a Sampler.
type MemoryLoader struct {
	samples []Sample
	batch   int
	sampler *Sampler
}

// NewMemoryLoader shards samples for rank of world. Validation loaders pass
// world 1 and no shuffling to keep the evaluation order fixed.
func NewMemoryLoader(samples []Sample, batch, rank, world int, seed int64, shuffle bool) (*MemoryLoader, error) {
	if batch <= 0 {
		return nil, fmt.Errorf("loader: batch size must be positive, got %d", batch)
	}
	s, err := NewSampler(len(samples), rank, world, seed, shuffle)
	if err != nil {
		return nil, err
	}
	return &MemoryLoader{samples: samples, batch: batch, sampler: s}, nil
}

func (l *MemoryLoader) Len() int {
	return (l.sampler.PerRank() + l.batch - 1) / l.batch
}

func (l *MemoryLoader) SetEpoch(epoch int) { l.sampler.SetEpoch(epoch) }

func (l *MemoryLoader) Each(ctx context.Context, fn func(i int, b Batch) error) error {
	idx := l.sampler.Indices()
	for i := 0; i*l.batch < len(idx); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lo, hi := i*l.batch, (i+1)*l.batch
		if hi > len(idx) {
			hi = len(idx)
		}
		inputs := make([][]float32, 0, hi-lo)
		b := Batch{Targets: make([]int, 0, hi-lo), Indices: make([]int, 0, hi-lo)}
		for _, j := range idx[lo:hi] {
			inputs = append(inputs, l.samples[j].Input)
			b.Targets = append(b.Targets, l.samples[j].Label)
			b.Indices = append(b.Indices, j)
		}
		b.Inputs = inputs
		if err := fn(i, b); err != nil {
			return err
		}
	}
	return nil
}
