package config

import (
	"flag"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/neurlang/qtrain/failure"
)

// intList is a comma separated flag value.
type intList struct{ v *[]int }

func (l intList) String() string {
	if l.v == nil {
		return ""
	}
	s := make([]string, len(*l.v))
	for i, n := range *l.v {
		s[i] = strconv.Itoa(n)
	}
	return strings.Join(s, ",")
}

func (l intList) Set(s string) error {
	var out []int
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return err
		}
		out = append(out, n)
	}
	*l.v = out
	return nil
}

// RegisterFlags binds the command line flags to c. The current values of c
// become the flag defaults.
func (c *RunConfig) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Arch, "arch", c.Arch, "model architecture")
	fs.BoolVar(&c.Pretrained, "pretrained", c.Pretrained, "use pre-trained model")
	fs.IntVar(&c.WeightBits, "qw", c.WeightBits, "weight bit-width, -1 for full precision")
	fs.IntVar(&c.ActivationBits, "qa", c.ActivationBits, "activation bit-width, -1 for full precision")
	fs.StringVar(&c.QuantMode, "q-mode", c.QuantMode, "quantization mode: kernel_wise | layer_wise")
	fs.BoolVar(&c.FreezeBN, "freeze-bn", c.FreezeBN, "freeze batch norm statistics")
	fs.IntVar(&c.StartBits, "start-bits", c.StartBits, "bit-width the progressive decay starts from, 0 disables")
	fs.IntVar(&c.BitDecayEpochs, "bit-decay-epochs", c.BitDecayEpochs, "epochs the bit-width decay takes")

	fs.IntVar(&c.Epochs, "epochs", c.Epochs, "number of total epochs to run")
	fs.IntVar(&c.StartEpoch, "start-epoch", c.StartEpoch, "manual epoch number (useful on restarts)")
	fs.IntVar(&c.WarmupEpochs, "warmup-epoch", c.WarmupEpochs, "number of warmup epochs")
	fs.Float64Var(&c.WarmupStart, "warmup-start", c.WarmupStart, "learning rate multiplier warmup starts from")
	fs.StringVar(&c.WarmupCurve, "warmup-curve", c.WarmupCurve, "warmup curve: linear | cosine")
	fs.BoolVar(&c.Cosine, "cosine", c.Cosine, "use cosine annealing instead of step decay")
	fs.Var(intList{&c.Milestones}, "milestones", "comma separated step decay epochs")
	fs.Float64Var(&c.Gamma, "gamma", c.Gamma, "step decay factor")

	fs.IntVar(&c.BatchSize, "b", c.BatchSize, "mini-batch size")
	fs.IntVar(&c.PrintFreq, "print-freq", c.PrintFreq, "print frequency")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "seed for initializing training, -1 for none")
	fs.Float64Var(&c.LR, "lr", c.LR, "initial learning rate")
	fs.Float64Var(&c.Momentum, "momentum", c.Momentum, "momentum")
	fs.Float64Var(&c.WeightDecay, "wd", c.WeightDecay, "weight decay")
	fs.IntVar(&c.Workers, "workers", c.Workers, "goroutines scoring validation batches, 0 for all cores")

	fs.StringVar(&c.Resume, "resume", c.Resume, "path to latest checkpoint, or minio://<run id>/<file>")
	fs.BoolVar(&c.Evaluate, "evaluate", c.Evaluate, "evaluate model on validation set")
	fs.BoolVar(&c.ExtractInnerData, "extract-inner-data", c.ExtractInnerData, "stop validation after the first batch")
	fs.StringVar(&c.LogName, "log-name", c.LogName, "directory for checkpoints and scalars")

	fs.IntVar(&c.GPU, "gpu", c.GPU, "device to use, -1 for any")
	fs.IntVar(&c.WorldSize, "world-size", c.WorldSize, "number of nodes (spawn) or processes (attach)")
	fs.IntVar(&c.Rank, "rank", c.Rank, "node rank (spawn) or process rank (attach)")
	fs.StringVar(&c.DistURL, "dist-url", c.DistURL, "url used to set up distributed training")
	fs.StringVar(&c.DistBackend, "dist-backend", c.DistBackend, "distributed backend")
	fs.BoolVar(&c.MultiprocessingDistributed, "multiprocessing-distributed", c.MultiprocessingDistributed,
		"launch one worker per device of this node")
	fs.IntVar(&c.DevicesPerNode, "devices-per-node", c.DevicesPerNode, "workers per node when spawning, 0 counts devices")
	fs.DurationVar(&c.JoinTimeout, "join-timeout", c.JoinTimeout, "how long to wait for all ranks to join")

	fs.IntVar(&c.Data.Train, "train-samples", c.Data.Train, "synthetic training samples")
	fs.IntVar(&c.Data.Val, "val-samples", c.Data.Val, "synthetic validation samples")
	fs.IntVar(&c.Data.Classes, "classes", c.Data.Classes, "number of classes")
	fs.BoolVar(&c.Dashboard, "dashboard", c.Dashboard, "show the live terminal dashboard")
	fs.BoolVar(&c.PGO, "pgo", c.PGO, "enable pgo")
}

// configFlag finds the value of -config in args without parsing the rest.
func configFlag(args []string) string {
	for i := 0; i < len(args); i++ {
		a := strings.TrimLeft(args[i], "-")
		if len(a) == len(args[i]) {
			continue
		}
		if v, ok := strings.CutPrefix(a, "config="); ok {
			return v
		}
		if a == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// Parse builds a validated RunConfig from defaults, the -config YAML file,
// the environment and args, in increasing precedence.
func Parse(name string, args []string, getenv func(string) string) (RunConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	c := Default()
	if path := configFlag(args); path != "" {
		if err := c.LoadFile(path); err != nil {
			return c, err
		}
	}
	c.ApplyEnv(getenv)

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var file string
	fs.StringVar(&file, "config", "", "YAML run configuration")
	c.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return c, err
		}
		return c, failure.New(failure.Configuration, "flags", err)
	}
	if fs.NArg() > 0 {
		return c, failure.Newf(failure.Configuration, "flags", "unexpected arguments %v", fs.Args())
	}
	return c, c.Validate()
}

// Usage prints the flag help.
func Usage(name string, w io.Writer) {
	c := Default()
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(w)
	fs.String("config", "", "YAML run configuration")
	c.RegisterFlags(fs)
	fs.PrintDefaults()
}
