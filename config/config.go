// Package config holds the run configuration of a training job. Values come
// from defaults, an optional YAML file, QTRAIN_* environment variables and
// command line flags, later sources overriding earlier ones.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/neurlang/qtrain/checkpoint"
	"github.com/neurlang/qtrain/failure"
	"github.com/neurlang/qtrain/model"
	"github.com/neurlang/qtrain/schedule"
	"github.com/neurlang/qtrain/topology"
)

// DataConfig describes the synthetic data set used by the bundled trainer.
type DataConfig struct {
	Train   int     `yaml:"train"`
	Val     int     `yaml:"val"`
	Classes int     `yaml:"classes"`
	Dims    int     `yaml:"dims"`
	Spread  float64 `yaml:"spread"`
}

// RunConfig is the complete configuration of one run. It is not modified
// after Validate.
type RunConfig struct {
	Arch           string `yaml:"arch"`
	Pretrained     bool   `yaml:"pretrained"`
	WeightBits     int    `yaml:"qw"`
	ActivationBits int    `yaml:"qa"`
	QuantMode      string `yaml:"q_mode"`
	FreezeBN       bool   `yaml:"freeze_bn"`
	// StartBits is where the progressive bit-width decay begins, 0 starts at
	// the target directly.
	StartBits      int `yaml:"start_bits"`
	BitDecayEpochs int `yaml:"bit_decay_epochs"`

	Epochs       int     `yaml:"epochs"`
	StartEpoch   int     `yaml:"start_epoch"`
	WarmupEpochs int     `yaml:"warmup_epoch"`
	WarmupStart  float64 `yaml:"warmup_start"`
	WarmupCurve  string  `yaml:"warmup_curve"`
	Cosine       bool    `yaml:"cosine"`
	Milestones   []int   `yaml:"milestones"`
	Gamma        float64 `yaml:"gamma"`

	BatchSize   int     `yaml:"batch_size"`
	PrintFreq   int     `yaml:"print_freq"`
	Seed        int64   `yaml:"seed"`
	LR          float64 `yaml:"lr"`
	Momentum    float64 `yaml:"momentum"`
	WeightDecay float64 `yaml:"wd"`
	Workers     int     `yaml:"workers"`

	Resume           string `yaml:"resume"`
	Evaluate         bool   `yaml:"evaluate"`
	ExtractInnerData bool   `yaml:"extract_inner_data"`
	LogName          string `yaml:"log_name"`

	GPU                        int           `yaml:"gpu"`
	WorldSize                  int           `yaml:"world_size"`
	Rank                       int           `yaml:"rank"`
	DistURL                    string        `yaml:"dist_url"`
	DistBackend                string        `yaml:"dist_backend"`
	MultiprocessingDistributed bool          `yaml:"multiprocessing_distributed"`
	DevicesPerNode             int           `yaml:"devices_per_node"`
	JoinTimeout                time.Duration `yaml:"join_timeout"`

	// PGO writes a CPU profile to default.pgo until the process is
	// interrupted.
	PGO bool `yaml:"pgo"`

	Data      DataConfig              `yaml:"data"`
	Mirror    checkpoint.MirrorConfig `yaml:"mirror"`
	Dashboard bool                    `yaml:"dashboard"`
}

// NoSeed leaves the run unseeded.
const NoSeed = -1

func Default() RunConfig {
	return RunConfig{
		Arch:           "qcentroid",
		WeightBits:     4,
		ActivationBits: 4,
		QuantMode:      model.KernelWise.String(),
		Epochs:         400,
		WarmupEpochs:   10,
		WarmupStart:    0.1,
		WarmupCurve:    "linear",
		Milestones:     []int{100, 200, 300},
		Gamma:          0.1,
		BatchSize:      256,
		PrintFreq:      50,
		Seed:           NoSeed,
		LR:             0.1,
		Momentum:       0.9,
		WeightDecay:    5e-4,
		LogName:        "log",
		GPU:            -1,
		WorldSize:      -1,
		Rank:           -1,
		DistURL:        "tcp://127.0.0.1:23456",
		DistBackend:    "tcp",
		JoinTimeout:    topology.DefaultJoinTimeout,
		Data: DataConfig{
			Train:   4096,
			Val:     1024,
			Classes: 10,
			Dims:    16,
			Spread:  0.6,
		},
	}
}

// LoadFile overlays the YAML file at path onto c.
func (c *RunConfig) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return failure.WithPath(failure.Configuration, "read config", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return failure.WithPath(failure.Configuration, "parse config", path, err)
	}
	return nil
}

// Distributed reports whether the run has more than one worker.
func (c RunConfig) Distributed() bool {
	return c.WorldSize > 1 || c.MultiprocessingDistributed
}

// Seeded reports whether a seed was given.
func (c RunConfig) Seeded() bool { return c.Seed != NoSeed }

// Prefix is the checkpoint path prefix, <log-name>/<arch>_w<qw>a<qa>_.
func (c RunConfig) Prefix() string {
	return filepath.Join(c.LogName, fmt.Sprintf("%s_w%da%d_", c.Arch, c.WeightBits, c.ActivationBits))
}

// Validate reports the first inconsistency as a failure.Configuration error.
func (c RunConfig) Validate() error {
	bad := func(format string, args ...any) error {
		return failure.Newf(failure.Configuration, "config", format, args...)
	}
	validBits := func(b int) bool { return b == schedule.FullPrecision || (b >= 1 && b <= 32) }

	switch {
	case strings.TrimSpace(c.Arch) == "":
		return bad("no architecture")
	case !validBits(c.WeightBits):
		return bad("qw must be -1 or between 1 and 32, got %d", c.WeightBits)
	case !validBits(c.ActivationBits):
		return bad("qa must be -1 or between 1 and 32, got %d", c.ActivationBits)
	case c.StartBits != 0 && c.StartBits < c.WeightBits:
		return bad("start bits %d below qw %d", c.StartBits, c.WeightBits)
	case c.BitDecayEpochs < 0:
		return bad("negative bit decay epochs")
	case !c.Evaluate && c.Epochs <= 0:
		return bad("epochs must be positive, got %d", c.Epochs)
	case c.StartEpoch < 0:
		return bad("negative start epoch")
	case c.WarmupEpochs < 0 || (!c.Evaluate && c.WarmupEpochs >= c.Epochs):
		return bad("warmup epochs %d must be in [0, epochs %d)", c.WarmupEpochs, c.Epochs)
	case c.BatchSize <= 0:
		return bad("batch size must be positive, got %d", c.BatchSize)
	case c.LR <= 0:
		return bad("learning rate must be positive, got %v", c.LR)
	case c.Momentum < 0 || c.WeightDecay < 0:
		return bad("momentum and weight decay must not be negative")
	case c.PrintFreq < 0:
		return bad("negative print frequency")
	case c.ExtractInnerData && !c.Evaluate:
		return bad("extract-inner-data needs evaluate")
	case c.LogName == "":
		return bad("no log name")
	case c.WorldSize == 0 || c.WorldSize < -1:
		return bad("world size must be -1 or positive, got %d", c.WorldSize)
	case c.Rank < -1:
		return bad("rank must be -1 or non-negative, got %d", c.Rank)
	case c.WorldSize > 0 && c.Rank >= c.WorldSize && !c.MultiprocessingDistributed:
		return bad("rank %d outside world of %d", c.Rank, c.WorldSize)
	case c.DevicesPerNode < 0:
		return bad("negative devices per node")
	case c.Data.Classes < 2 || c.Data.Dims < 1 || c.Data.Train < 1 || c.Data.Val < 1:
		return bad("data set needs at least two classes, one dimension and samples")
	}
	if _, err := model.ParseQuantMode(c.QuantMode); err != nil {
		return err
	}
	if _, err := schedule.ParseCurve(c.WarmupCurve); err != nil {
		return err
	}
	if !c.Cosine {
		if _, err := schedule.NewMultiStep(c.Milestones, c.Gamma); err != nil {
			return err
		}
	}
	if c.DistURL != topology.EnvInit && !strings.HasPrefix(c.DistURL, "tcp://") {
		return bad("dist-url must be %s or tcp://host:port, got %q", topology.EnvInit, c.DistURL)
	}
	return nil
}

// ModelOptions returns the constructor options for the model.
func (c RunConfig) ModelOptions() model.Options {
	mode, _ := model.ParseQuantMode(c.QuantMode)
	return model.Options{
		Pretrained:     c.Pretrained,
		WeightBits:     c.WeightBits,
		ActivationBits: c.ActivationBits,
		QuantMode:      mode,
		FreezeBN:       c.FreezeBN,
		NumClasses:     c.Data.Classes,
		Seed:           c.Seed,
		LR:             c.LR,
		Momentum:       c.Momentum,
		WeightDecay:    c.WeightDecay,
	}
}

// Schedule returns the schedule chain configuration for the given
// quantizable layers and the bit-widths the model was created with.
func (c RunConfig) Schedule(layers []string, weightBits, activationBits int) schedule.Config {
	curve, _ := schedule.ParseCurve(c.WarmupCurve)
	target := schedule.LayerBits{Weight: weightBits, Activation: activationBits}
	start := target
	if c.StartBits > 0 {
		if target.Weight > 0 {
			start.Weight = c.StartBits
		}
		if target.Activation > 0 && c.StartBits > target.Activation {
			start.Activation = c.StartBits
		}
	}
	return schedule.Config{
		BaseLR:         c.LR,
		Epochs:         c.Epochs,
		WarmupEpochs:   c.WarmupEpochs,
		WarmupStart:    c.WarmupStart,
		WarmupCurve:    curve,
		Cosine:         c.Cosine,
		Milestones:     c.Milestones,
		Gamma:          c.Gamma,
		Layers:         layers,
		StartBits:      start,
		TargetBits:     target,
		BitDecayEpochs: c.BitDecayEpochs,
	}
}

// Topology returns the bootstrap configuration.
func (c RunConfig) Topology(getenv func(string) string) topology.Config {
	mode := topology.ModeAttach
	if c.MultiprocessingDistributed {
		mode = topology.ModeSpawn
	}
	world := c.WorldSize
	if world == -1 && c.DistURL != topology.EnvInit {
		world = 1
	}
	return topology.Config{
		Mode:           mode,
		WorldSize:      world,
		Rank:           c.Rank,
		DevicesPerNode: c.DevicesPerNode,
		InitMethod:     c.DistURL,
		Backend:        c.DistBackend,
		Device:         c.GPU,
		JoinTimeout:    c.JoinTimeout,
		Getenv:         getenv,
	}
}
