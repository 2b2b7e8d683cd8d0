package model

import (
	"context"
	"strings"

	"github.com/neurlang/qtrain/datasets"
	"github.com/neurlang/qtrain/failure"
	"github.com/neurlang/qtrain/schedule"
)

// StepResult is what one optimisation step reports back.
type StepResult struct {
	Loss float64
	Top1 float64 // percent
}

// Output is the inference result for one batch: the batch loss and one score
// vector per sample.
type Output struct {
	Loss   float64
	Scores [][]float32
}

// Model is a trainable classifier.
type Model interface {
	TrainStep(ctx context.Context, b datasets.Batch) (StepResult, error)
	Evaluate(ctx context.Context, b datasets.Batch) (Output, error)
	MarshalParameters() ([]byte, error)
	UnmarshalParameters(data []byte) error
	Optimizer() Optimizer
}

// Optimizer owns the learning rate and its own persistent state.
type Optimizer interface {
	SetLearningRate(lr float64)
	LearningRate() float64
	MarshalState() ([]byte, error)
	UnmarshalState(data []byte) error
}

// Quantizable is implemented by models whose layers take scheduled bit-widths.
type Quantizable interface {
	QuantizableLayers() []string
	SetBits(bits map[string]schedule.LayerBits)
}

// QuantMode selects the quantization granularity.
type QuantMode int

const (
	KernelWise QuantMode = iota
	LayerWise
)

func (q QuantMode) String() string {
	if q == LayerWise {
		return "layer_wise"
	}
	return "kernel_wise"
}

func ParseQuantMode(s string) (QuantMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "kernel_wise":
		return KernelWise, nil
	case "layer_wise":
		return LayerWise, nil
	}
	return KernelWise, failure.Newf(failure.Configuration, "quant mode", "unknown mode %q (kernel_wise | layer_wise)", s)
}

// Options are passed to a constructor.
type Options struct {
	Pretrained     bool
	WeightBits     int
	ActivationBits int
	QuantMode      QuantMode
	FreezeBN       bool
	NumClasses     int
	Seed           int64

	LR          float64
	Momentum    float64
	WeightDecay float64
}
