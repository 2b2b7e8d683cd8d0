package schedule

import (
	"github.com/neurlang/qtrain/failure"
)

// Config describes every schedule of a run.
type Config struct {
	BaseLR float64
	Epochs int

	WarmupEpochs int
	WarmupStart  float64
	WarmupCurve  Curve

	// Cosine selects cosine annealing; otherwise MultiStep decays at Milestones.
	Cosine     bool
	Milestones []int
	Gamma      float64

	Layers         []string
	StartBits      LayerBits
	TargetBits     LayerBits
	BitDecayEpochs int
}

// State is a read-only view of a chain at one epoch.
type State struct {
	Epoch      int
	Multiplier float64
	LR         float64
	Bits       map[string]LayerBits
}

// Chain is the composed schedule of one run. It only moves forward.
type Chain struct {
	cfg   Config
	lr    Schedule
	bits  *BitWidth
	epoch int
}

// New builds a chain positioned at epoch 0.
func New(cfg Config) (*Chain, error) {
	const op = "schedule chain"
	if cfg.Epochs <= 0 {
		return nil, failure.Newf(failure.Configuration, op, "epochs must be positive, got %d", cfg.Epochs)
	}
	if cfg.BaseLR <= 0 {
		return nil, failure.Newf(failure.Configuration, op, "learning rate must be positive, got %v", cfg.BaseLR)
	}

	var next Schedule
	if cfg.Cosine {
		next = Cosine{Total: cfg.Epochs}
	} else {
		ms, err := NewMultiStep(cfg.Milestones, cfg.Gamma)
		if err != nil {
			return nil, err
		}
		next = ms
	}
	lr := next
	if cfg.WarmupEpochs > 0 {
		w, err := NewWarmup(cfg.WarmupEpochs, cfg.Epochs, cfg.WarmupStart, cfg.WarmupCurve, next)
		if err != nil {
			return nil, err
		}
		lr = w
	}

	bits, err := NewBitWidth(cfg.Layers, cfg.StartBits, cfg.TargetBits, cfg.BitDecayEpochs)
	if err != nil {
		return nil, err
	}
	return &Chain{cfg: cfg, lr: lr, bits: bits}, nil
}

// NewAt builds a chain directly positioned at epoch.
func NewAt(cfg Config, epoch int) (*Chain, error) {
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if epoch < 0 {
		return nil, failure.Newf(failure.Configuration, "schedule chain", "negative epoch %d", epoch)
	}
	c.epoch = epoch
	c.bits.Step(epoch)
	return c, nil
}

// Step advances the chain by exactly one epoch.
func (c *Chain) Step() {
	c.epoch++
	c.bits.Step(c.epoch)
}

// FastForward replays Step n times. Nothing outside the chain is touched, so
// the caller applies Current once afterwards.
func (c *Chain) FastForward(n int) {
	for i := 0; i < n; i++ {
		c.Step()
	}
}

// Epoch returns the epoch cursor.
func (c *Chain) Epoch() int { return c.epoch }

// Current returns the state at the cursor.
func (c *Chain) Current() State {
	m := c.lr.Multiplier(c.epoch)
	return State{
		Epoch:      c.epoch,
		Multiplier: m,
		LR:         c.cfg.BaseLR * m,
		Bits:       c.bits.Current(),
	}
}

// Quantized reports whether any layer is being quantized.
func (c *Chain) Quantized() bool {
	b := c.bits.At(c.epoch)
	return len(c.cfg.Layers) > 0 && (b.Weight != FullPrecision || b.Activation != FullPrecision)
}
