package model

import "runtime"

// Strategy is how one worker spreads a model over its goroutines.
type Strategy int

const (
	// WholeModel scores the rows of a batch concurrently.
	WholeModel Strategy = iota
	// FeatureExtractor fans out inside the model's feature extractor and
	// scores rows one after another.
	FeatureExtractor
)

func (s Strategy) String() string {
	if s == FeatureExtractor {
		return "feature-extractor"
	}
	return "whole-model"
}

// FeatureParallelizer is implemented by models whose feature extractor can
// use several goroutines.
type FeatureParallelizer interface {
	SetFeatureWorkers(n int)
}

// Parallelize picks the strategy for m from its capabilities and hands the
// workers to the model when it takes them. It returns the strategy and the
// goroutines left for per-row scoring. Workers of zero or less mean one per
// CPU.
func Parallelize(m Model, c Capabilities, workers int) (Strategy, int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if fp, ok := m.(FeatureParallelizer); ok && c.FeatureParallel {
		fp.SetFeatureWorkers(workers)
		return FeatureExtractor, 1
	}
	return WholeModel, workers
}
