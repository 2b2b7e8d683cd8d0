package schedule

import (
	"math"
	"sort"

	"github.com/neurlang/qtrain/failure"
)

// Schedule maps an epoch to a learning-rate multiplier.
type Schedule interface {
	Multiplier(epoch int) float64
}

// Cosine anneals from 1 to 0 over Total epochs.
type Cosine struct {
	Total int
}

func (c Cosine) Multiplier(epoch int) float64 {
	if c.Total <= 0 {
		return 1
	}
	if epoch < 0 {
		epoch = 0
	}
	if epoch > c.Total {
		epoch = c.Total
	}
	return 0.5 * (1 + math.Cos(math.Pi*float64(epoch)/float64(c.Total)))
}

// MultiStep multiplies by Gamma at every milestone reached.
type MultiStep struct {
	Milestones []int
	Gamma      float64
}

func NewMultiStep(milestones []int, gamma float64) (MultiStep, error) {
	if gamma <= 0 || gamma > 1 {
		return MultiStep{}, failure.Newf(failure.Configuration, "multistep schedule", "gamma %v out of (0, 1]", gamma)
	}
	ms := append([]int(nil), milestones...)
	sort.Ints(ms)
	for i, m := range ms {
		if m <= 0 {
			return MultiStep{}, failure.Newf(failure.Configuration, "multistep schedule", "milestone %d must be positive", m)
		}
		if i > 0 && ms[i-1] == m {
			return MultiStep{}, failure.Newf(failure.Configuration, "multistep schedule", "duplicate milestone %d", m)
		}
	}
	return MultiStep{Milestones: ms, Gamma: gamma}, nil
}

func (s MultiStep) Multiplier(epoch int) float64 {
	n := sort.SearchInts(s.Milestones, epoch+1)
	return math.Pow(s.Gamma, float64(n))
}

// Curve shapes the warmup ramp.
type Curve int

const (
	Linear Curve = iota
	CosineCurve
)

func (c Curve) String() string {
	switch c {
	case Linear:
		return "linear"
	case CosineCurve:
		return "cosine"
	default:
		return "unknown"
	}
}

// ParseCurve accepts "linear" and "cosine".
func ParseCurve(s string) (Curve, error) {
	switch s {
	case "", "linear":
		return Linear, nil
	case "cosine":
		return CosineCurve, nil
	}
	return Linear, failure.Newf(failure.Configuration, "warmup curve", "unknown curve %q", s)
}

// Warmup ramps from Start towards Next.Multiplier(Epochs) during the first
// Epochs epochs and then defers to Next. Inside the window the multiplier is
// strictly between Start and the value it ramps to.
type Warmup struct {
	Epochs int
	Start  float64
	Curve  Curve
	Next   Schedule
}

// NewWarmup checks the window against the run length. A window covering the
// whole run leaves nothing for the wrapped schedule and is rejected.
func NewWarmup(epochs, total int, start float64, curve Curve, next Schedule) (*Warmup, error) {
	const op = "warmup schedule"
	if next == nil {
		return nil, failure.Newf(failure.Configuration, op, "no schedule to warm up into")
	}
	if epochs < 0 {
		return nil, failure.Newf(failure.Configuration, op, "negative warmup epochs %d", epochs)
	}
	if epochs >= total {
		return nil, failure.Newf(failure.Configuration, op, "warmup epochs %d must be less than total epochs %d", epochs, total)
	}
	if epochs > 0 && start >= next.Multiplier(epochs) {
		return nil, failure.Newf(failure.Configuration, op, "warmup start %v must be below %v", start, next.Multiplier(epochs))
	}
	return &Warmup{Epochs: epochs, Start: start, Curve: curve, Next: next}, nil
}

func (w *Warmup) Multiplier(epoch int) float64 {
	if epoch >= w.Epochs {
		return w.Next.Multiplier(epoch)
	}
	if epoch < 0 {
		epoch = 0
	}
	target := w.Next.Multiplier(w.Epochs)
	frac := float64(epoch+1) / float64(w.Epochs+1)
	if w.Curve == CosineCurve {
		frac = 0.5 * (1 - math.Cos(math.Pi*frac))
	}
	return w.Start + (target-w.Start)*frac
}
