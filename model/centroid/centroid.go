// Package centroid is a small quantization-aware nearest-centroid classifier.
// It exists so the training loop can be run end to end without a GPU model
// zoo: centroids move towards their samples by the learning rate and are
// quantized to the scheduled weight bit-width before scoring.
package centroid

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/neurlang/qtrain/datasets"
	"github.com/neurlang/qtrain/model"
	"github.com/neurlang/qtrain/parallel"
	"github.com/neurlang/qtrain/schedule"
)

// Layer is the name of the only quantizable layer.
const Layer = "centroids"

type Model struct {
	classes   int
	dims      int
	centroids [][]float32
	bits      schedule.LayerBits
	mode      model.QuantMode
	opt       *SGD
	workers   int
}

// New builds an untrained model. Dimensions are taken from the first batch.
func New(opts model.Options) (*Model, error) {
	if opts.NumClasses < 2 {
		return nil, fmt.Errorf("centroid: need at least 2 classes, got %d", opts.NumClasses)
	}
	if opts.Pretrained {
		return nil, fmt.Errorf("centroid: no pretrained weights available")
	}
	return &Model{
		classes: opts.NumClasses,
		bits:    schedule.LayerBits{Weight: opts.WeightBits, Activation: opts.ActivationBits},
		mode:    opts.QuantMode,
		opt:     &SGD{LR: opts.LR},
	}, nil
}

// Namespaces returns the quantized namespace followed by the full precision
// reference one, in lookup order.
func Namespaces() []model.Namespace {
	ctor := func(opts model.Options) (model.Model, error) {
		m, err := New(opts)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	return []model.Namespace{
		{
			Name:      "reference",
			Quantized: false,
			Entries:   map[string]model.Entry{"centroid": {New: ctor}},
		},
		{
			Name:      "quantized",
			Quantized: true,
			Entries: map[string]model.Entry{
				"qcentroid":      {New: ctor},
				"qcentroid_feat": {New: ctor, Capabilities: model.Capabilities{FeatureParallel: true}},
			},
		},
	}
}

func (m *Model) QuantizableLayers() []string { return []string{Layer} }

func (m *Model) SetBits(bits map[string]schedule.LayerBits) {
	if b, ok := bits[Layer]; ok {
		m.bits = b
	}
}

// Bits returns the bit-widths in use.
func (m *Model) Bits() schedule.LayerBits { return m.bits }

func (m *Model) Optimizer() model.Optimizer { return m.opt }

func inputs(b datasets.Batch) ([][]float32, error) {
	x, ok := b.Inputs.([][]float32)
	if !ok {
		return nil, fmt.Errorf("centroid: unsupported input type %T", b.Inputs)
	}
	if len(x) != len(b.Targets) {
		return nil, fmt.Errorf("centroid: %d inputs for %d targets", len(x), len(b.Targets))
	}
	return x, nil
}

func (m *Model) init(dims int) {
	if m.centroids != nil {
		return
	}
	m.dims = dims
	m.centroids = make([][]float32, m.classes)
	for c := range m.centroids {
		m.centroids[c] = make([]float32, dims)
	}
}

// quantize maps v onto 2^bits-1 uniform levels in [-scale, scale].
func quantize(v, scale float32, bits int) float32 {
	if bits <= 0 || bits >= 32 || scale == 0 {
		return v
	}
	levels := float32(int(1)<<uint(bits) - 1)
	step := 2 * scale / levels
	if v > scale {
		v = scale
	} else if v < -scale {
		v = -scale
	}
	return float32(math.Round(float64((v+scale)/step)))*step - scale
}

func absMax(v []float32) (m float32) {
	for _, x := range v {
		if x < 0 {
			x = -x
		}
		if x > m {
			m = x
		}
	}
	return m
}

func (m *Model) quantizedCentroids() [][]float32 {
	var layerScale float32
	if m.mode == model.LayerWise {
		for _, c := range m.centroids {
			if s := absMax(c); s > layerScale {
				layerScale = s
			}
		}
	}
	out := make([][]float32, len(m.centroids))
	for i, c := range m.centroids {
		scale := layerScale
		if m.mode == model.KernelWise {
			scale = absMax(c)
		}
		q := make([]float32, len(c))
		for d, v := range c {
			q[d] = quantize(v, scale, m.bits.Weight)
		}
		out[i] = q
	}
	return out
}

// SetFeatureWorkers spreads the distance computation over n goroutines, one
// class at a time.
func (m *Model) SetFeatureWorkers(n int) { m.workers = n }

func (m *Model) scores(x [][]float32) [][]float32 {
	cents := m.quantizedCentroids()
	qx := make([][]float32, len(x))
	out := make([][]float32, len(x))
	for i, in := range x {
		scale := absMax(in)
		qx[i] = make([]float32, len(in))
		for k, v := range in {
			qx[i][k] = quantize(v, scale, m.bits.Activation)
		}
		out[i] = make([]float32, m.classes)
	}
	distances := func(c int) error {
		for i, in := range qx {
			var d float32
			for k, v := range in {
				diff := v - cents[c][k]
				d += diff * diff
			}
			out[i][c] = -d
		}
		return nil
	}
	if m.workers > 1 {
		_ = parallel.ForEach(len(cents), m.workers, distances)
		return out
	}
	for c := range cents {
		_ = distances(c)
	}
	return out
}

func argmax(v []float32) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func (m *Model) loss(x [][]float32, targets []int) float64 {
	var sum float64
	for i, in := range x {
		c := m.centroids[targets[i]]
		for k, v := range in {
			d := float64(v - c[k])
			sum += d * d
		}
	}
	return sum / float64(len(x))
}

func (m *Model) check(x [][]float32, targets []int) error {
	for i, in := range x {
		if len(in) != m.dims {
			return fmt.Errorf("centroid: sample has %d dims, model has %d", len(in), m.dims)
		}
		if targets[i] < 0 || targets[i] >= m.classes {
			return fmt.Errorf("centroid: label %d outside [0, %d)", targets[i], m.classes)
		}
	}
	return nil
}

func (m *Model) TrainStep(ctx context.Context, b datasets.Batch) (model.StepResult, error) {
	x, err := inputs(b)
	if err != nil {
		return model.StepResult{}, err
	}
	if len(x) == 0 {
		return model.StepResult{}, nil
	}
	m.init(len(x[0]))
	if err := m.check(x, b.Targets); err != nil {
		return model.StepResult{}, err
	}
	lr := float32(m.opt.LR)
	for i, in := range x {
		c := m.centroids[b.Targets[i]]
		for k, v := range in {
			c[k] += lr * (v - c[k])
		}
	}
	m.opt.Steps++

	correct := 0
	for i, row := range m.scores(x) {
		if argmax(row) == b.Targets[i] {
			correct++
		}
	}
	return model.StepResult{
		Loss: m.loss(x, b.Targets),
		Top1: 100 * float64(correct) / float64(len(x)),
	}, nil
}

func (m *Model) Evaluate(ctx context.Context, b datasets.Batch) (model.Output, error) {
	x, err := inputs(b)
	if err != nil {
		return model.Output{}, err
	}
	if len(x) == 0 {
		return model.Output{}, nil
	}
	m.init(len(x[0]))
	if err := m.check(x, b.Targets); err != nil {
		return model.Output{}, err
	}
	return model.Output{Loss: m.loss(x, b.Targets), Scores: m.scores(x)}, nil
}

// MarshalParameters writes classes, dims and the centroids little endian.
func (m *Model) MarshalParameters() ([]byte, error) {
	var buf bytes.Buffer
	hdr := [2]uint32{uint32(m.classes), uint32(m.dims)}
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		return nil, err
	}
	for _, c := range m.centroids {
		if err := binary.Write(&buf, binary.LittleEndian, c); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (m *Model) UnmarshalParameters(data []byte) error {
	r := bytes.NewReader(data)
	var hdr [2]uint32
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("centroid: read header: %w", err)
	}
	if int(hdr[0]) != m.classes {
		return fmt.Errorf("centroid: parameters have %d classes, model has %d", hdr[0], m.classes)
	}
	if hdr[1] == 0 {
		m.centroids, m.dims = nil, 0
		return nil
	}
	cents := make([][]float32, hdr[0])
	for c := range cents {
		cents[c] = make([]float32, hdr[1])
		if err := binary.Read(r, binary.LittleEndian, cents[c]); err != nil {
			return fmt.Errorf("centroid: read centroid %d: %w", c, err)
		}
	}
	if r.Len() != 0 {
		return fmt.Errorf("centroid: %d trailing bytes", r.Len())
	}
	m.centroids, m.dims = cents, int(hdr[1])
	return nil
}

// SGD only carries the learning rate and a step counter.
type SGD struct {
	LR    float64 `json:"lr"`
	Steps int     `json:"steps"`
}

func (o *SGD) SetLearningRate(lr float64) { o.LR = lr }

func (o *SGD) LearningRate() float64 { return o.LR }

func (o *SGD) MarshalState() ([]byte, error) { return json.Marshal(o) }

func (o *SGD) UnmarshalState(data []byte) error { return json.Unmarshal(data, o) }
