// Package validator runs inference-only passes over a fixed evaluation set.
package validator

import (
	"context"
	"io"
	"log"

	"github.com/neurlang/quaternary"
	"github.com/pkg/errors"

	"github.com/neurlang/qtrain/datasets"
	"github.com/neurlang/qtrain/metrics"
	"github.com/neurlang/qtrain/model"
	"github.com/neurlang/qtrain/parallel"
)

// ErrPartial is returned by Report.Metric for early-stopped passes.
var ErrPartial = errors.New("validation stopped after the first batch; metrics are not representative")

// Evaluator is the part of a model the validator needs.
type Evaluator interface {
	Evaluate(ctx context.Context, b datasets.Batch) (model.Output, error)
}

// Report aggregates one validation pass.
type Report struct {
	Loss    float64
	Top1    float64
	Top5    float64
	HasTop5 bool

	Batches int
	Samples int
	// Partial is set when the pass stopped after the first batch.
	Partial bool

	// Fingerprint digests every top-1 prediction in evaluation order.
	Fingerprint [32]byte
	// Hits is a compact filter mapping sample index to top-1 correctness.
	Hits []byte
	// Keys lists the sample indices Hits answers for, in evaluation order.
	Keys []uint32
}

// Regressed counts the samples prev classified correctly that r gets wrong.
// Samples prev never saw are skipped.
func (r Report) Regressed(prev Report) int {
	if len(r.Hits) == 0 || len(prev.Hits) == 0 {
		return 0
	}
	seen := make(map[uint32]struct{}, len(prev.Keys))
	for _, k := range prev.Keys {
		seen[k] = struct{}{}
	}
	was, now := quaternary.Filter(prev.Hits), quaternary.Filter(r.Hits)
	var n int
	for _, k := range r.Keys {
		if _, ok := seen[k]; ok && was.GetUint32(k) && !now.GetUint32(k) {
			n++
		}
	}
	return n
}

// Metric returns the top-1 accuracy, or ErrPartial.
func (r Report) Metric() (float64, error) {
	if r.Partial {
		return r.Top1, ErrPartial
	}
	return r.Top1, nil
}

type Validator struct {
	// EarlyStop halts after the first batch (inner data extraction runs).
	EarlyStop bool
	// PrintFreq logs running means every PrintFreq batches, 0 disables.
	PrintFreq int
	// Workers bounds the goroutines scoring one batch.
	Workers int

	l *log.Logger
}

func New(printFreq, workers int) *Validator {
	return &Validator{PrintFreq: printFreq, Workers: workers, l: log.New(io.Discard, "", 0)}
}

func (v *Validator) SetLogger(l *log.Logger) {
	if l != nil {
		v.l = l
	}
}

type scored struct {
	pred int
	top1 bool
	top5 bool
}

// score rates one sample: the prediction is the arg max, and the target is within
// top-k when fewer than k classes score strictly higher (ties go to the lower
// class index).
func score(row []float32, target int) (s scored) {
	best := 0
	for c := range row {
		if row[c] > row[best] {
			best = c
		}
	}
	s.pred = best
	if target < 0 || target >= len(row) {
		return
	}
	above := 0
	for c, v := range row {
		if v > row[target] || (v == row[target] && c < target) {
			above++
		}
	}
	s.top1 = above == 0
	s.top5 = above < 5
	return
}

// Validate runs m over every batch of loader once.
func (v *Validator) Validate(ctx context.Context, m Evaluator, loader datasets.Loader) (Report, error) {
	var (
		rep    Report
		losses metrics.Mean
		top1   metrics.Mean
		top5   metrics.Mean
		hasher = parallel.NewUint16Hasher()
		hits   = make(map[uint32]bool)
	)
	workers := v.Workers
	if workers <= 0 {
		workers = 1
	}

	err := loader.Each(ctx, func(i int, b datasets.Batch) error {
		out, err := m.Evaluate(ctx, b)
		if err != nil {
			return errors.Wrapf(err, "evaluate batch %d", i)
		}
		n := b.Size()
		if len(out.Scores) != n {
			return errors.Errorf("evaluate batch %d: %d score rows for %d samples", i, len(out.Scores), n)
		}
		res := make([]scored, n)
		base := rep.Samples
		err = parallel.ForEach(n, workers, func(j int) error {
			res[j] = score(out.Scores[j], b.Targets[j])
			hasher.MustPutUint16(base+j, uint16(res[j].pred))
			return nil
		})
		if err != nil {
			return err
		}

		var c1, c5 int
		for j, r := range res {
			if r.top1 {
				c1++
			}
			if r.top5 {
				c5++
			}
			key := uint32(base + j)
			if j < len(b.Indices) {
				key = uint32(b.Indices[j])
			}
			hits[key] = r.top1
			rep.Keys = append(rep.Keys, key)
		}
		losses.Add(out.Loss, n)
		if n > 0 {
			top1.Add(100*float64(c1)/float64(n), n)
			top5.Add(100*float64(c5)/float64(n), n)
			if len(out.Scores[0]) >= 5 {
				rep.HasTop5 = true
			}
		}
		rep.Samples += n
		rep.Batches++

		if v.EarlyStop {
			v.l.Println("early stop evaluation")
			rep.Partial = true
			return errStop
		}
		if v.PrintFreq > 0 && i%v.PrintFreq == 0 {
			v.l.Printf("[%d/%d] Loss: %.4f Acc: %.2f", i, loader.Len(), losses.Mean(), top1.Mean())
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return Report{}, err
	}

	rep.Loss = losses.Mean()
	rep.Top1 = top1.Mean()
	if rep.HasTop5 {
		rep.Top5 = top5.Mean()
	}
	rep.Fingerprint = hasher.Sum()
	if len(hits) > 0 {
		rep.Hits = []byte(quaternary.Make(hits))
	}
	v.l.Printf("acc1: %.4f", rep.Top1)
	return rep, nil
}

var errStop = errors.New("stop")
