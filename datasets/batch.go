// Package datasets feeds labelled samples to training and validation in
// rank-sharded mini-batches.
package datasets

import "context"

// Batch is one mini-batch. Inputs is whatever the model consumes; the loop
// only looks at Targets and Indices.
type Batch struct {
	Inputs  any
	Targets []int
	// Indices are the positions of the samples in the underlying set.
	Indices []int
}

// Size returns the number of samples.
func (b Batch) Size() int { return len(b.Targets) }

// Loader yields a finite sequence of batches. Every call to Each starts over.
type Loader interface {
	// Len returns the number of batches per pass.
	Len() int
	// Each calls fn for every batch in order and stops at the first error.
	Each(ctx context.Context, fn func(i int, b Batch) error) error
	// SetEpoch varies the shard order of the next pass.
	SetEpoch(epoch int)
}
