package schedule

import (
	"sort"

	"github.com/neurlang/qtrain/failure"
)

// FullPrecision marks a layer that is not quantized.
const FullPrecision = -1

// LayerBits holds the weight and activation bit-widths of one layer.
type LayerBits struct {
	Weight     int `json:"weight"`
	Activation int `json:"activation"`
}

// BitWidth decays the bit-width of every quantizable layer from Start to
// Target over horizon epochs. It never increases and reaches Target exactly at
// the horizon. A non-positive target disables quantization for that component.
type BitWidth struct {
	layers  []string
	start   LayerBits
	target  LayerBits
	horizon int

	epoch int
	bits  map[string]LayerBits
}

func NewBitWidth(layers []string, start, target LayerBits, horizon int) (*BitWidth, error) {
	const op = "bit-width schedule"
	if horizon < 0 {
		return nil, failure.Newf(failure.Configuration, op, "negative decay horizon %d", horizon)
	}
	if target.Weight > 0 && start.Weight < target.Weight {
		return nil, failure.Newf(failure.Configuration, op, "weight start %d below target %d", start.Weight, target.Weight)
	}
	if target.Activation > 0 && start.Activation < target.Activation {
		return nil, failure.Newf(failure.Configuration, op, "activation start %d below target %d", start.Activation, target.Activation)
	}
	l := append([]string(nil), layers...)
	sort.Strings(l)
	b := &BitWidth{layers: l, start: start, target: target, horizon: horizon}
	b.Step(0)
	return b, nil
}

func decay(start, target, epoch, horizon int) int {
	if target <= 0 {
		return FullPrecision
	}
	if horizon == 0 || epoch >= horizon {
		return target
	}
	if epoch < 0 {
		epoch = 0
	}
	return start - (start-target)*epoch/horizon
}

// At returns the bit-widths any layer has at epoch.
func (b *BitWidth) At(epoch int) LayerBits {
	return LayerBits{
		Weight:     decay(b.start.Weight, b.target.Weight, epoch, b.horizon),
		Activation: decay(b.start.Activation, b.target.Activation, epoch, b.horizon),
	}
}

// Step sets the state to the one of epoch. Calling it again with the same
// epoch leaves the state unchanged.
func (b *BitWidth) Step(epoch int) {
	cur := b.At(epoch)
	bits := make(map[string]LayerBits, len(b.layers))
	for _, name := range b.layers {
		bits[name] = cur
	}
	b.epoch = epoch
	b.bits = bits
}

// Epoch returns the epoch of the current state.
func (b *BitWidth) Epoch() int { return b.epoch }

// Current returns a copy of the per-layer bit-widths.
func (b *BitWidth) Current() map[string]LayerBits {
	out := make(map[string]LayerBits, len(b.bits))
	for k, v := range b.bits {
		out[k] = v
	}
	return out
}
