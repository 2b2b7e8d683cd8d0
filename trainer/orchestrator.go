package trainer

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/neurlang/qtrain/checkpoint"
	"github.com/neurlang/qtrain/datasets"
	"github.com/neurlang/qtrain/failure"
	"github.com/neurlang/qtrain/metrics"
	"github.com/neurlang/qtrain/model"
	"github.com/neurlang/qtrain/observability"
	"github.com/neurlang/qtrain/parallel"
	"github.com/neurlang/qtrain/schedule"
	"github.com/neurlang/qtrain/topology"
	"github.com/neurlang/qtrain/validator"
)

// Config selects what a run does.
type Config struct {
	Architecture   string
	WeightBits     int
	ActivationBits int

	// Epochs is the total number of epochs, StartEpoch the first one trained
	// when no checkpoint is resumed.
	Epochs     int
	StartEpoch int
	// Resume names a checkpoint file. A missing file starts afresh.
	Resume string
	// EvaluateOnly runs a single validation pass and stops.
	EvaluateOnly bool
	PrintFreq    int
}

// Deps are the collaborators of an Orchestrator. Checkpoints, Sink,
// Progression and Group may be nil.
type Deps struct {
	Worker      topology.WorkerContext
	Group       *topology.Group
	Model       model.Model
	Chain       *schedule.Chain
	Train       datasets.Loader
	Val         datasets.Loader
	Validator   *validator.Validator
	Checkpoints *checkpoint.Manager
	Sink        metrics.Sink
	Progression *metrics.ProgressionWriter
	// OnPhase is called after every phase change.
	OnPhase func(Phase, TrainingState)
}

// Orchestrator drives the epoch loop of one worker.
type Orchestrator struct {
	cfg Config
	Deps

	mu    sync.Mutex
	phase Phase
	state TrainingState

	stop     atomic.Bool
	reg      *metrics.Registry
	plateaus *parallel.StateSet
	lastVal  *validator.Report
	l        *log.Logger
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	const op = "orchestrator"
	switch {
	case deps.Model == nil:
		return nil, failure.Newf(failure.Configuration, op, "no model")
	case deps.Val == nil:
		return nil, failure.Newf(failure.Configuration, op, "no validation loader")
	case !cfg.EvaluateOnly && (deps.Train == nil || deps.Chain == nil):
		return nil, failure.Newf(failure.Configuration, op, "training needs a loader and a schedule chain")
	case cfg.Epochs < 0 || cfg.StartEpoch < 0:
		return nil, failure.Newf(failure.Configuration, op, "negative epoch count")
	}
	if deps.Group == nil {
		deps.Group = topology.Local()
	}
	if deps.Validator == nil {
		deps.Validator = validator.New(cfg.PrintFreq, 1)
	}
	if deps.Sink == nil || !deps.Worker.IsMetricsOwner() {
		deps.Sink = metrics.Discard
	}
	if !deps.Worker.IsMetricsOwner() {
		deps.Checkpoints = nil
		deps.Progression = nil
	}
	o := &Orchestrator{
		cfg:      cfg,
		Deps:     deps,
		reg:      metrics.NewRegistry(),
		plateaus: parallel.NewStateSet(),
		l:        log.New(io.Discard, "", 0),
	}
	o.Sink = metrics.Multi(o.Sink, o.reg)
	return o, nil
}

func (o *Orchestrator) SetLogger(l *log.Logger) {
	if l != nil {
		o.l = l
	}
}

// State returns a copy of the training state.
func (o *Orchestrator) State() TrainingState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Metrics returns the latest value of every scalar written so far.
func (o *Orchestrator) Metrics() *metrics.Registry { return o.reg }

// RequestStop ends the run after the current epoch is checkpointed.
func (o *Orchestrator) RequestStop() { o.stop.Store(true) }

func (o *Orchestrator) update(fn func(s *TrainingState)) {
	o.mu.Lock()
	fn(&o.state)
	o.mu.Unlock()
}

// Run executes the whole lifecycle. Cancelling ctx acts like RequestStop: the
// epoch in flight still completes and is checkpointed.
func (o *Orchestrator) Run(ctx context.Context) (state TrainingState, err error) {
	ctx, span := observability.StartSpan(ctx, "train.run",
		attribute.String("arch", o.cfg.Architecture),
		attribute.Int("rank", o.Worker.Rank()),
		attribute.Int("world", o.Worker.WorldSize()))
	defer func() {
		if err != nil {
			o.fail(err)
		}
		observability.End(span, err)
		state = o.State()
	}()
	// Work inside an epoch is never interrupted.
	work := context.WithoutCancel(ctx)

	if err := o.begin(work); err != nil {
		return state, err
	}
	if o.cfg.EvaluateOnly {
		return state, o.evaluateOnly(work)
	}

	o.applySchedule()
	for o.State().Epoch < o.cfg.Epochs {
		if err := o.epoch(work); err != nil {
			return state, err
		}
		stop, err := o.agreeStop(ctx, work)
		if err != nil {
			return state, err
		}
		if stop {
			o.l.Printf("stop requested, ending after epoch %d", o.State().Epoch)
			break
		}
	}
	if err := o.transition(Completed); err != nil {
		return state, err
	}
	o.progress("completed")
	return state, o.Group.Barrier(work, "done")
}

func (o *Orchestrator) fail(err error) {
	o.mu.Lock()
	if !o.phase.IsTerminal() {
		o.phase = Failed
	}
	state := o.state
	o.mu.Unlock()
	o.l.Printf("run failed: %v", err)
	if o.OnPhase != nil {
		o.OnPhase(Failed, state)
	}
	o.progress(err.Error())
}

// begin positions the run at its first epoch, resuming when asked to.
func (o *Orchestrator) begin(ctx context.Context) error {
	if o.cfg.Resume != "" {
		if err := o.transition(Resuming); err != nil {
			return err
		}
		resumed, err := o.resume(ctx)
		if err != nil {
			return err
		}
		if resumed {
			return nil
		}
	}
	if o.cfg.StartEpoch > 0 {
		o.l.Printf("starting at epoch %d", o.cfg.StartEpoch)
		o.update(func(s *TrainingState) { s.Epoch = o.cfg.StartEpoch })
		o.fastForward()
	}
	return nil
}

func (o *Orchestrator) resume(ctx context.Context) (bool, error) {
	_, span := observability.StartSpan(ctx, "train.resume", attribute.String("path", o.cfg.Resume))
	rec, err := checkpoint.Load(o.cfg.Resume)
	defer func() { observability.End(span, err) }()
	switch {
	case failure.Is(err, failure.ResumeNotFound):
		o.l.Printf("no checkpoint found at '%s', starting afresh", o.cfg.Resume)
		err = nil
		return false, nil
	case err != nil:
		return false, err
	}
	if o.cfg.Architecture != "" && rec.Architecture != "" && rec.Architecture != o.cfg.Architecture {
		err = failure.Newf(failure.Configuration, "resume", "checkpoint %s holds %s, not %s",
			o.cfg.Resume, rec.Architecture, o.cfg.Architecture)
		return false, err
	}
	if err = o.Model.UnmarshalParameters(rec.ModelParameters); err != nil {
		err = failure.WithPath(failure.ResumeCorrupt, "restore parameters", o.cfg.Resume, err)
		return false, err
	}
	if opt := o.Model.Optimizer(); opt != nil && len(rec.OptimizerState) > 0 {
		if err = opt.UnmarshalState(rec.OptimizerState); err != nil {
			err = failure.WithPath(failure.ResumeCorrupt, "restore optimizer", o.cfg.Resume, err)
			return false, err
		}
	}
	if o.Checkpoints != nil {
		o.Checkpoints.Adopt(rec)
	}
	o.update(func(s *TrainingState) {
		s.Epoch = rec.Epoch
		s.BestMetric = rec.BestMetric
	})
	o.fastForward()
	o.l.Printf("loaded checkpoint '%s' (epoch %d, best %.4f, w%da%d)",
		o.cfg.Resume, rec.Epoch, rec.BestMetric, rec.WeightBits, rec.ActivationBits)
	return true, nil
}

// fastForward moves the schedules to the state's epoch. Skipped epochs are
// neither validated nor checkpointed.
func (o *Orchestrator) fastForward() {
	if o.Chain == nil {
		return
	}
	if n := o.State().Epoch - o.Chain.Epoch(); n > 0 {
		o.Chain.FastForward(n)
	}
}

// applySchedule pushes the chain's current learning rate and bit-widths into
// the model.
func (o *Orchestrator) applySchedule() schedule.State {
	cur := o.Chain.Current()
	if opt := o.Model.Optimizer(); opt != nil {
		opt.SetLearningRate(cur.LR)
	}
	if q, ok := o.Model.(model.Quantizable); ok && len(cur.Bits) > 0 {
		q.SetBits(cur.Bits)
	}
	return cur
}

func (o *Orchestrator) evaluateOnly(ctx context.Context) error {
	if err := o.transition(Evaluating); err != nil {
		return err
	}
	rep, err := o.validate(ctx, o.State().Epoch)
	if err != nil {
		return err
	}
	if _, err := rep.Metric(); errors.Is(err, validator.ErrPartial) {
		// Partial accuracy never lands in val/acc1.
		o.l.Printf("evaluation stopped after %d batch(es); metrics are partial", rep.Batches)
		o.Sink.AddScalar("val/partial", rep.Top1, o.State().Epoch)
	} else {
		o.publishValidation(rep, rep.Top1, o.State().Epoch)
	}
	if err := o.transition(Completed); err != nil {
		return err
	}
	o.progress("evaluated")
	return nil
}

// epoch trains, validates and checkpoints one epoch.
func (o *Orchestrator) epoch(ctx context.Context) error {
	e := o.State().Epoch
	ctx, span := observability.StartSpan(ctx, "train.epoch", attribute.Int("epoch", e))
	var err error
	defer func() { observability.End(span, err) }()

	if err = o.transition(Running); err != nil {
		return err
	}
	o.progress("training")
	if o.Worker.Distributed() {
		o.Train.SetEpoch(e)
	}
	lr := o.Chain.Current().LR
	if err = o.trainPass(ctx, e); err != nil {
		return err
	}
	o.Sink.AddScalar("train/lr", lr, e)

	o.Chain.Step()
	cur := o.applySchedule()

	if err = o.transition(Evaluating); err != nil {
		return err
	}
	rep, err := o.validate(ctx, e)
	if err != nil {
		return err
	}
	var metric float64
	metric, err = rep.Metric()
	if err != nil {
		err = failure.New(failure.Configuration, "validate", err)
		return err
	}
	if o.Worker.Distributed() {
		metric, err = o.Group.AllReduceMean(ctx, fmt.Sprintf("val/acc1/%d", e), metric)
		if err != nil {
			return err
		}
	}
	o.update(func(s *TrainingState) {
		s.Epoch = e + 1
		s.observe(metric)
	})
	o.publishValidation(rep, metric, e)
	o.watchPlateau(rep, metric, e)
	o.watchRegressions(rep, e)

	if err = o.transition(Checkpointing); err != nil {
		return err
	}
	o.progress("checkpointing")
	o.save(ctx, cur)
	return nil
}

func (o *Orchestrator) trainPass(ctx context.Context, e int) error {
	var loss, acc metrics.Mean
	n := o.Train.Len()
	err := o.Train.Each(ctx, func(i int, b datasets.Batch) error {
		res, err := o.Model.TrainStep(ctx, b)
		if err != nil {
			return failure.New(failure.TrainingStep, fmt.Sprintf("epoch %d batch %d", e, i), err)
		}
		loss.Add(res.Loss, b.Size())
		acc.Add(res.Top1, b.Size())
		o.update(func(s *TrainingState) { s.GlobalStep++ })
		if o.cfg.PrintFreq > 0 && i%o.cfg.PrintFreq == 0 {
			o.l.Printf("Epoch: [%d][%d/%d] Loss %.4f (%.4f) Acc@1 %.2f (%.2f)",
				e, i, n, loss.Last(), loss.Mean(), acc.Last(), acc.Mean())
		}
		return nil
	})
	if err != nil {
		if !failure.Is(err, failure.TrainingStep) {
			err = failure.New(failure.TrainingStep, fmt.Sprintf("epoch %d", e), err)
		}
		return err
	}
	o.Sink.AddScalar("train/loss", loss.Mean(), e)
	o.Sink.AddScalar("train/acc1", acc.Mean(), e)
	return nil
}

func (o *Orchestrator) validate(ctx context.Context, e int) (validator.Report, error) {
	ctx, span := observability.StartSpan(ctx, "train.validate", attribute.Int("epoch", e))
	rep, err := o.Validator.Validate(ctx, o.Model, o.Val)
	if err != nil {
		err = failure.New(failure.TrainingStep, fmt.Sprintf("validate epoch %d", e), err)
	}
	observability.End(span, err)
	return rep, err
}

func (o *Orchestrator) publishValidation(rep validator.Report, metric float64, e int) {
	o.Sink.AddScalar("val/acc1", metric, e)
	if rep.HasTop5 {
		o.Sink.AddScalar("val/acc5", rep.Top5, e)
	}
	o.Sink.AddScalar("val/loss", rep.Loss, e)
	if o.Chain != nil {
		o.Sink.AddScalar("val/nbits", meanWeightBits(o.Chain.Current().Bits), e)
	}
	st := o.State()
	o.l.Printf(" * Acc@1 %.3f Acc@5 %.3f best %.3f predictions %x", metric, rep.Top5, st.BestMetric, rep.Fingerprint[:8])
}

// watchPlateau warns when the model returns to predictions it already made
// at the same accuracy.
func (o *Orchestrator) watchPlateau(rep validator.Report, metric float64, e int) {
	level := byte(metric)
	if metric < 0 {
		level = 0
	}
	if first := o.plateaus.Insert(rep.Fingerprint, level, e); first >= 0 {
		o.l.Printf("epoch %d repeats the predictions of epoch %d at %d%%", e, first, level)
	}
}

// watchRegressions reports the samples this epoch newly misclassifies
// compared to the previous validation pass.
func (o *Orchestrator) watchRegressions(rep validator.Report, e int) {
	if o.lastVal != nil {
		n := rep.Regressed(*o.lastVal)
		o.Sink.AddScalar("val/regressed", float64(n), e)
		if n > 0 {
			o.l.Printf("epoch %d: %d sample(s) newly misclassified", e, n)
		}
	}
	o.lastVal = &rep
}

func meanWeightBits(bits map[string]schedule.LayerBits) float64 {
	if len(bits) == 0 {
		return schedule.FullPrecision
	}
	var sum int
	for _, b := range bits {
		sum += b.Weight
	}
	return float64(sum) / float64(len(bits))
}

// lowestBits returns the narrowest weight and activation widths in use.
func lowestBits(bits map[string]schedule.LayerBits) (weight, activation int) {
	first := true
	for _, b := range bits {
		if first || b.Weight < weight {
			weight = b.Weight
		}
		if first || b.Activation < activation {
			activation = b.Activation
		}
		first = false
	}
	return weight, activation
}

// save writes the checkpoint on the metrics owner. A failed write is logged
// and the run continues.
func (o *Orchestrator) save(ctx context.Context, cur schedule.State) {
	if o.Checkpoints == nil {
		return
	}
	ctx, span := observability.StartSpan(ctx, "train.checkpoint")
	err := o.writeCheckpoint(ctx, cur)
	observability.End(span, err)
	if err != nil {
		o.l.Printf("checkpoint not saved: %v", err)
	}
}

func (o *Orchestrator) writeCheckpoint(ctx context.Context, cur schedule.State) error {
	st := o.State()
	params, err := o.Model.MarshalParameters()
	if err != nil {
		return failure.New(failure.CheckpointWrite, "marshal parameters", err)
	}
	var optState []byte
	if opt := o.Model.Optimizer(); opt != nil {
		if optState, err = opt.MarshalState(); err != nil {
			return failure.New(failure.CheckpointWrite, "marshal optimizer", err)
		}
	}
	wb, ab := o.cfg.WeightBits, o.cfg.ActivationBits
	if len(cur.Bits) > 0 {
		wb, ab = lowestBits(cur.Bits)
	}
	return o.Checkpoints.Save(ctx, checkpoint.Record{
		Epoch:           st.Epoch,
		Architecture:    o.cfg.Architecture,
		WeightBits:      wb,
		ActivationBits:  ab,
		BestMetric:      st.BestMetric,
		ModelParameters: params,
		OptimizerState:  optState,
	}, st.IsBest)
}

// agreeStop decides at an epoch boundary whether to end the run. In a
// distributed run every rank takes the decision together.
func (o *Orchestrator) agreeStop(ctx, work context.Context) (bool, error) {
	stop := o.stop.Load() || ctx.Err() != nil
	if !o.Worker.Distributed() {
		return stop, nil
	}
	var v float64
	if stop {
		v = 1
	}
	mean, err := o.Group.AllReduceMean(work, fmt.Sprintf("stop/%d", o.State().Epoch), v)
	if err != nil {
		return false, err
	}
	return mean > 0, nil
}

func (o *Orchestrator) progress(msg string) {
	if o.Progression == nil {
		return
	}
	st := o.State()
	err := o.Progression.Write(metrics.Progression{
		CurrentEpoch: st.Epoch,
		TotalEpochs:  o.cfg.Epochs,
		CurrentStep:  st.GlobalStep,
		Phase:        o.Phase().String(),
		Message:      msg,
	}, o.reg)
	if err != nil {
		o.l.Printf("progression: %v", err)
	}
}
