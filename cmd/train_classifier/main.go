package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"

	"github.com/neurlang/qtrain/checkpoint"
	"github.com/neurlang/qtrain/config"
	"github.com/neurlang/qtrain/datasets"
	"github.com/neurlang/qtrain/device"
	"github.com/neurlang/qtrain/failure"
	"github.com/neurlang/qtrain/metrics"
	"github.com/neurlang/qtrain/model"
	"github.com/neurlang/qtrain/model/centroid"
	"github.com/neurlang/qtrain/observability"
	"github.com/neurlang/qtrain/progress"
	"github.com/neurlang/qtrain/schedule"
	"github.com/neurlang/qtrain/topology"
	"github.com/neurlang/qtrain/trainer"
	"github.com/neurlang/qtrain/validator"
)

const name = "train_classifier"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	l := log.New(os.Stderr, "", log.LstdFlags)
	cfg, err := config.Parse(name, args, os.Getenv)
	if err == flag.ErrHelp {
		config.Usage(name, os.Stderr)
		return failure.ExitOK
	}
	if err != nil {
		l.Println(err)
		return failure.ExitCode(err)
	}
	if cfg.PGO {
		defer startProfile(l)()
	}

	spawned := os.Getenv(topology.EnvWorker) == "1"
	if spawned {
		// Launched by a parent: rank, world and device come from the
		// environment it prepared.
		cfg.MultiprocessingDistributed = false
		cfg.DistURL = topology.EnvInit
		cfg.WorldSize, cfg.Rank, cfg.GPU = -1, -1, -1
		cfg.Dashboard = false
	} else {
		if err := device.Print(os.Stderr); err != nil {
			l.Printf("device inventory: %v", err)
		}
	}

	if cfg.Seeded() {
		l.Printf("seeded training (seed %d) is deterministic, restarting from checkpoints may still diverge", cfg.Seed)
	}
	if cfg.GPU >= 0 {
		l.Printf("device %d was chosen explicitly, data parallelism is disabled", cfg.GPU)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MultiprocessingDistributed {
		return spawn(ctx, cancel, cfg, args, l)
	}
	return attach(ctx, cfg, l)
}

// spawn launches one worker per local device and waits for all of them. A
// signal cancels the workers.
func spawn(ctx context.Context, cancel context.CancelFunc, cfg config.RunConfig, args []string, l *log.Logger) int {
	if cfg.Dashboard {
		l.Println("the dashboard is not available with -multiprocessing-distributed")
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case s := <-sigs:
			l.Printf("%v: stopping workers", s)
			cancel()
		case <-ctx.Done():
		}
	}()

	launcher, err := topology.SelfLauncher(args)
	if err != nil {
		l.Println(err)
		return failure.ExitInternal
	}
	b := topology.New(cfg.Topology(os.Getenv))
	b.SetLogger(l)
	err = b.Spawn(ctx, launcher)
	if err == nil {
		return failure.ExitOK
	}
	l.Println(err)
	var exit *exec.ExitError
	if errors.As(err, &exit) && exit.ExitCode() > 0 {
		return exit.ExitCode()
	}
	return failure.ExitCode(err)
}

// attach runs this process as one worker of the job.
func attach(ctx context.Context, cfg config.RunConfig, l *log.Logger) int {
	b := topology.New(cfg.Topology(os.Getenv))
	b.SetLogger(l)
	wc, group, err := b.Attach(ctx)
	if err != nil {
		l.Println(err)
		return failure.ExitCode(err)
	}
	defer group.Close()
	l.SetPrefix(fmt.Sprintf("[rank %d] ", wc.Rank()))
	l.Printf("attached as %s", wc)

	shutdown, err := observability.InitTracingFromEnv(name, wc.Rank())
	if err != nil {
		l.Printf("tracing disabled: %v", err)
	} else {
		defer shutdown(context.Background())
	}

	if cfg.Dashboard && wc.IsMetricsOwner() {
		f, err := openLog(cfg.LogName)
		if err != nil {
			l.Println(err)
			return failure.ExitCode(err)
		}
		defer f.Close()
		l.SetOutput(f)
	}

	if err := train(ctx, cfg, wc, group, l); err != nil {
		l.Println(err)
		return failure.ExitCode(err)
	}
	return failure.ExitOK
}

func openLog(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, failure.WithPath(failure.Configuration, "log dir", dir, err)
	}
	path := filepath.Join(dir, "train.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, failure.WithPath(failure.Configuration, "open log", path, err)
	}
	return f, nil
}

func train(ctx context.Context, cfg config.RunConfig, wc topology.WorkerContext, group *topology.Group, l *log.Logger) error {
	registry := model.NewRegistry(centroid.Namespaces()...)
	created, err := registry.Create(cfg.Arch, cfg.ModelOptions())
	if err != nil {
		return err
	}
	if cfg.Pretrained {
		l.Printf("=> using pre-trained model '%s' (%s)", cfg.Arch, created.Namespace)
	} else {
		l.Printf("=> creating model '%s' (%s)", cfg.Arch, created.Namespace)
	}
	strategy, rowWorkers := model.Parallelize(created.Model, created.Capabilities, cfg.Workers)
	l.Printf("=> parallelism: %s, %d scoring workers", strategy, rowWorkers)

	var chain *schedule.Chain
	if !cfg.Evaluate {
		var layers []string
		if q, ok := created.Model.(model.Quantizable); ok {
			layers = q.QuantizableLayers()
		}
		chain, err = schedule.New(cfg.Schedule(layers, created.Options.WeightBits, created.Options.ActivationBits))
		if err != nil {
			return err
		}
		if !chain.Quantized() {
			l.Printf("=> no layer is quantized, training in full precision")
		}
	}

	trainSet, valSet, err := loaders(cfg, wc)
	if err != nil {
		return err
	}

	v := validator.New(cfg.PrintFreq, rowWorkers)
	v.EarlyStop = cfg.ExtractInnerData
	v.SetLogger(l)

	var mirror *checkpoint.MinIOMirror
	if cfg.Mirror.Endpoint != "" {
		mirror, err = checkpoint.NewMinIOMirror(cfg.Mirror)
		if err != nil {
			return failure.New(failure.Configuration, "checkpoint mirror", err)
		}
	}
	resume, err := resolveResume(ctx, cfg, mirror, l)
	if err != nil {
		return err
	}

	deps := trainer.Deps{
		Worker:    wc,
		Group:     group,
		Model:     created.Model,
		Chain:     chain,
		Train:     trainSet,
		Val:       valSet,
		Validator: v,
	}
	var sinks []metrics.Sink
	if wc.IsMetricsOwner() {
		var opts []checkpoint.Option
		if mirror != nil {
			opts = append(opts, checkpoint.WithMirror(mirror))
		}
		mgr := checkpoint.NewManager(cfg.Prefix(), opts...)
		mgr.SetLogger(l)
		deps.Checkpoints = mgr
		l.Printf("run id %s", mgr.RunID())

		fs, err := metrics.NewFileSink(cfg.LogName)
		if err != nil {
			return failure.WithPath(failure.Configuration, "scalars", cfg.LogName, err)
		}
		sinks = append(sinks, fs)
		deps.Progression = metrics.NewProgressionWriter(metrics.ProgressionPath(cfg.LogName))
	}

	tc := trainer.Config{
		Architecture:   cfg.Arch,
		WeightBits:     created.Options.WeightBits,
		ActivationBits: created.Options.ActivationBits,
		Epochs:         cfg.Epochs,
		StartEpoch:     cfg.StartEpoch,
		Resume:         resume,
		EvaluateOnly:   cfg.Evaluate,
		PrintFreq:      cfg.PrintFreq,
	}

	var o *trainer.Orchestrator
	stop := func() {
		if o != nil {
			o.RequestStop()
		}
	}
	var dash *progress.Dashboard
	if cfg.Dashboard && wc.IsMetricsOwner() {
		dash = progress.NewDashboard(fmt.Sprintf("%s w%da%d", cfg.Arch, tc.WeightBits, tc.ActivationBits), cfg.Epochs, stop)
		sinks = append(sinks, dash)
		deps.OnPhase = func(p trainer.Phase, s trainer.TrainingState) { dash.Phase(p.String(), s.Epoch, s.BestMetric) }
	}
	deps.Sink = metrics.Multi(sinks...)
	defer deps.Sink.Close()

	o, err = trainer.New(tc, deps)
	if err != nil {
		return err
	}
	o.SetLogger(l)
	if dash != nil {
		dash.Start()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		for range sigs {
			l.Println("stop requested, finishing the current epoch")
			o.RequestStop()
		}
	}()

	state, err := o.Run(ctx)
	if err != nil {
		return err
	}
	l.Printf("finished at epoch %d, best %.3f", state.Epoch, state.BestMetric)
	return nil
}

// loaders builds the synthetic data set. Every rank generates the same
// samples; the training set is sharded by rank, validation is not.
func loaders(cfg config.RunConfig, wc topology.WorkerContext) (datasets.Loader, datasets.Loader, error) {
	var seed int64
	if cfg.Seeded() {
		seed = cfg.Seed
	}
	d := cfg.Data
	train, err := datasets.NewMemoryLoader(datasets.Blobs(d.Train, d.Classes, d.Dims, d.Spread, seed),
		cfg.BatchSize, wc.Rank(), wc.WorldSize(), seed, true)
	if err != nil {
		return nil, nil, failure.New(failure.Configuration, "train loader", err)
	}
	val, err := datasets.NewMemoryLoader(datasets.Blobs(d.Val, d.Classes, d.Dims, d.Spread, seed+1),
		cfg.BatchSize, 0, 1, seed, false)
	if err != nil {
		return nil, nil, failure.New(failure.Configuration, "val loader", err)
	}
	return train, val, nil
}

// resolveResume downloads a minio:// reference into the log directory and
// returns the local path to resume from. A missing object starts afresh.
func resolveResume(ctx context.Context, cfg config.RunConfig, mirror *checkpoint.MinIOMirror, l *log.Logger) (string, error) {
	runID, file, ok := checkpoint.ParseMirrorRef(cfg.Resume)
	if !ok {
		return cfg.Resume, nil
	}
	if mirror == nil {
		return "", failure.Newf(failure.Configuration, "resume", "%s needs a mirror endpoint", cfg.Resume)
	}
	local := filepath.Join(cfg.LogName, "fetched", runID, file)
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return "", failure.WithPath(failure.Configuration, "resume", local, err)
	}
	err := mirror.Fetch(ctx, runID, file, local)
	if failure.Is(err, failure.ResumeNotFound) {
		l.Printf("=> no checkpoint found at '%s'", cfg.Resume)
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return local, nil
}
