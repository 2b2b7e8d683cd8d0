package trainer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/neurlang/qtrain/checkpoint"
	"github.com/neurlang/qtrain/datasets"
	"github.com/neurlang/qtrain/failure"
	"github.com/neurlang/qtrain/metrics"
	"github.com/neurlang/qtrain/model"
	"github.com/neurlang/qtrain/schedule"
	"github.com/neurlang/qtrain/topology"
	"github.com/neurlang/qtrain/validator"
)

const valSize = 100

type recordingOptimizer struct {
	LR      float64   `json:"lr"`
	History []float64 `json:"-"`
	Steps   int       `json:"steps"`
}

func (o *recordingOptimizer) SetLearningRate(lr float64) {
	o.LR = lr
	o.History = append(o.History, lr)
}

func (o *recordingOptimizer) LearningRate() float64 { return o.LR }

func (o *recordingOptimizer) MarshalState() ([]byte, error) { return json.Marshal(o) }

func (o *recordingOptimizer) UnmarshalState(data []byte) error { return json.Unmarshal(data, o) }

// scripted is a model whose validation accuracy follows a script: pass k
// classifies the first accuracy[k] of valSize samples correctly.
type scripted struct {
	accuracy []float64
	passes   int
	trainErr error
	steps    int
	weights  []byte
	opt      *recordingOptimizer
	bits     []map[string]schedule.LayerBits
	restored bool
}

func newScripted(acc ...float64) *scripted {
	return &scripted{accuracy: acc, weights: []byte{1, 2, 3}, opt: &recordingOptimizer{}}
}

func (s *scripted) TrainStep(ctx context.Context, b datasets.Batch) (model.StepResult, error) {
	if s.trainErr != nil {
		return model.StepResult{}, s.trainErr
	}
	s.steps++
	s.opt.Steps++
	s.weights = append(s.weights, byte(s.steps))
	return model.StepResult{Loss: 1 / float64(s.steps), Top1: 50}, nil
}

func (s *scripted) Evaluate(ctx context.Context, b datasets.Batch) (model.Output, error) {
	if len(b.Indices) > 0 && b.Indices[0] == 0 {
		s.passes++
	}
	acc := s.accuracy[len(s.accuracy)-1]
	if s.passes-1 < len(s.accuracy) {
		acc = s.accuracy[s.passes-1]
	}
	out := model.Output{Loss: 0.25}
	for i, t := range b.Targets {
		row := make([]float32, 10)
		if float64(b.Indices[i]) < acc*valSize/100 {
			row[t] = 1
		} else {
			row[(t+1)%10] = 1
		}
		out.Scores = append(out.Scores, row)
	}
	return out, nil
}

func (s *scripted) MarshalParameters() ([]byte, error) { return append([]byte(nil), s.weights...), nil }

func (s *scripted) UnmarshalParameters(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty parameters")
	}
	s.weights = append([]byte(nil), data...)
	s.restored = true
	return nil
}

func (s *scripted) Optimizer() model.Optimizer { return s.opt }

func (s *scripted) QuantizableLayers() []string { return []string{"fc"} }

func (s *scripted) SetBits(bits map[string]schedule.LayerBits) { s.bits = append(s.bits, bits) }

func chainConfig(epochs int) schedule.Config {
	return schedule.Config{
		BaseLR:         0.1,
		Epochs:         epochs,
		WarmupEpochs:   2,
		WarmupStart:    0.1,
		Cosine:         true,
		Layers:         []string{"fc"},
		StartBits:      schedule.LayerBits{Weight: 8, Activation: 8},
		TargetBits:     schedule.LayerBits{Weight: 4, Activation: 4},
		BitDecayEpochs: 4,
	}
}

func loaders(t *testing.T) (train, val datasets.Loader) {
	t.Helper()
	tr, err := datasets.NewMemoryLoader(datasets.Blobs(20, 10, 2, 0.1, 1), 10, 0, 1, 1, true)
	if err != nil {
		t.Fatal(err)
	}
	va, err := datasets.NewMemoryLoader(datasets.Blobs(valSize, 10, 2, 0.1, 2), 25, 0, 1, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	return tr, va
}

type harness struct {
	t      *testing.T
	model  *scripted
	chain  *schedule.Chain
	ckpt   *checkpoint.Manager
	sink   *metrics.Registry
	phases []Phase
}

func newHarness(t *testing.T, m *scripted, chainEpochs int, prefix string) *harness {
	t.Helper()
	c, err := schedule.New(chainConfig(chainEpochs))
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{t: t, model: m, chain: c, sink: metrics.NewRegistry()}
	if prefix != "" {
		h.ckpt = checkpoint.NewManager(prefix)
	}
	return h
}

func (h *harness) orchestrator(cfg Config, worker topology.WorkerContext) *Orchestrator {
	h.t.Helper()
	train, val := loaders(h.t)
	if cfg.Architecture == "" {
		cfg.Architecture = "scripted"
	}
	o, err := New(cfg, Deps{
		Worker:      worker,
		Model:       h.model,
		Chain:       h.chain,
		Train:       train,
		Val:         val,
		Checkpoints: h.ckpt,
		Sink:        h.sink,
		OnPhase:     func(p Phase, _ TrainingState) { h.phases = append(h.phases, p) },
	})
	if err != nil {
		h.t.Fatal(err)
	}
	return o
}

func TestBestTracking(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "scripted_w4a4_")
	h := newHarness(t, newScripted(70, 68), 8, prefix)
	st, err := h.orchestrator(Config{Epochs: 2}, topology.Single()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Epoch != 2 || st.BestMetric != 70 || st.IsBest {
		t.Fatalf("unexpected state %+v", st)
	}
	best, err := checkpoint.Load(h.ckpt.BestPath())
	if err != nil {
		t.Fatal(err)
	}
	latest, err := checkpoint.Load(h.ckpt.LatestPath())
	if err != nil {
		t.Fatal(err)
	}
	if best.Epoch != 1 || best.BestMetric != 70 {
		t.Fatalf("best record %+v", best)
	}
	if latest.Epoch != 2 || latest.BestMetric != 70 {
		t.Fatalf("latest record %+v", latest)
	}
	if p, ok := h.sink.Get("val/acc1"); !ok || p.Value != 68 || p.Step != 1 {
		t.Fatalf("val/acc1 %+v %v", p, ok)
	}
	for _, name := range []string{"train/loss", "train/acc1", "train/lr", "val/acc5", "val/loss", "val/nbits"} {
		if _, ok := h.sink.Get(name); !ok {
			t.Fatalf("missing scalar %s", name)
		}
	}
}

func TestRegressionsPublished(t *testing.T) {
	h := newHarness(t, newScripted(80, 60), 8, "")
	if _, err := h.orchestrator(Config{Epochs: 2}, topology.Single()).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Samples 60..79 were right at epoch 0 and wrong at epoch 1.
	if p, ok := h.sink.Get("val/regressed"); !ok || p.Step != 1 || p.Value != 20 {
		t.Fatalf("val/regressed %+v %v", p, ok)
	}
}

func TestFirstEpochHasNoRegressions(t *testing.T) {
	h := newHarness(t, newScripted(80), 8, "")
	if _, err := h.orchestrator(Config{Epochs: 1}, topology.Single()).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := h.sink.Get("val/regressed"); ok {
		t.Fatalf("nothing to compare the first epoch with")
	}
}

func TestPhaseSequence(t *testing.T) {
	h := newHarness(t, newScripted(10), 8, "")
	if _, err := h.orchestrator(Config{Epochs: 2}, topology.Single()).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []Phase{Running, Evaluating, Checkpointing, Running, Evaluating, Checkpointing, Completed}
	if len(h.phases) != len(want) {
		t.Fatalf("phases %v", h.phases)
	}
	for i := range want {
		if h.phases[i] != want[i] {
			t.Fatalf("phase %d is %s, want %s (%v)", i, h.phases[i], want[i], h.phases)
		}
	}
}

func TestWarmupLearningRatesIncrease(t *testing.T) {
	h := newHarness(t, newScripted(10), 8, "")
	if _, err := h.orchestrator(Config{Epochs: 3}, topology.Single()).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	lrs := h.model.opt.History
	if len(lrs) != 4 {
		t.Fatalf("expected one update before training and one per epoch, got %v", lrs)
	}
	if !(lrs[0] < lrs[1] && lrs[1] < lrs[2]) {
		t.Fatalf("warmup learning rates not increasing: %v", lrs)
	}
	if len(h.model.bits) != 4 || h.model.bits[0]["fc"].Weight != 8 || h.model.bits[3]["fc"].Weight != 5 {
		t.Fatalf("bit-widths %v", h.model.bits)
	}
}

func TestResumeContinuesSchedules(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "scripted_w4a4_")
	first := newHarness(t, newScripted(10, 20, 30, 40, 50), 8, prefix)
	if _, err := first.orchestrator(Config{Epochs: 5}, topology.Single()).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	saved := append([]byte(nil), first.model.weights...)

	m := newScripted(60)
	m.weights = nil
	second := newHarness(t, m, 8, prefix)
	st, err := second.orchestrator(Config{Epochs: 7, Resume: first.ckpt.LatestPath()}, topology.Single()).Run(context.Background())
	if err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	if !m.restored || string(m.weights[:len(saved)]) != string(saved) {
		t.Fatalf("parameters not restored")
	}
	if m.steps != 2*2 || m.passes != 2 {
		t.Fatalf("resumed run trained %d steps and %d validations", m.steps, m.passes)
	}
	if st.Epoch != 7 || st.BestMetric != 60 {
		t.Fatalf("state %+v", st)
	}

	ref, err := schedule.NewAt(chainConfig(8), 5)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := m.opt.History[0], ref.Current().LR; got != want {
		t.Fatalf("first resumed learning rate %v, want %v", got, want)
	}
	if got := m.bits[0]["fc"]; got != ref.Current().Bits["fc"] {
		t.Fatalf("first resumed bits %v", got)
	}
	if second.ckpt.RunID() == "" {
		t.Fatalf("no run id")
	}
	latest, _ := checkpoint.Load(second.ckpt.LatestPath())
	if latest.Epoch != 7 {
		t.Fatalf("latest epoch %d", latest.Epoch)
	}
}

func TestMissingCheckpointStartsFresh(t *testing.T) {
	h := newHarness(t, newScripted(10), 8, "")
	o := h.orchestrator(Config{Epochs: 1, Resume: filepath.Join(t.TempDir(), "absent")}, topology.Single())
	st, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.model.restored || st.Epoch != 1 || h.phases[0] != Resuming {
		t.Fatalf("expected a fresh start, phases %v", h.phases)
	}
}

func TestCorruptCheckpointIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad")
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, newScripted(10), 8, "")
	o := h.orchestrator(Config{Epochs: 1, Resume: path}, topology.Single())
	_, err := o.Run(context.Background())
	if !failure.Is(err, failure.ResumeCorrupt) || failure.ExitCode(err) != failure.ExitResumeCorrupt {
		t.Fatalf("expected corrupt checkpoint, got %v", err)
	}
	if o.Phase() != Failed || h.model.steps != 0 {
		t.Fatalf("phase %s steps %d", o.Phase(), h.model.steps)
	}
}

func TestTrainingStepFailureIsFatal(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "x_")
	m := newScripted(10)
	m.trainErr = errors.New("nan loss")
	h := newHarness(t, m, 8, prefix)
	_, err := h.orchestrator(Config{Epochs: 2}, topology.Single()).Run(context.Background())
	if !failure.Is(err, failure.TrainingStep) || errors.Cause(err) != m.trainErr {
		t.Fatalf("expected training step failure, got %v", err)
	}
	if _, err := os.Stat(h.ckpt.LatestPath()); !os.IsNotExist(err) {
		t.Fatalf("checkpoint written after a failed step")
	}
}

func TestCheckpointWriteFailureContinues(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, newScripted(10, 20), 8, filepath.Join(blocker, "x_"))
	st, err := h.orchestrator(Config{Epochs: 2}, topology.Single()).Run(context.Background())
	if err != nil {
		t.Fatalf("write failure aborted the run: %v", err)
	}
	if st.Epoch != 2 || st.BestMetric != 20 {
		t.Fatalf("state %+v", st)
	}
}

func TestBestSurvivesFailedWrite(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "scripted_w4a4_")
	h := newHarness(t, newScripted(70, 68), 8, prefix)
	if err := os.MkdirAll(filepath.Join(h.ckpt.BestPath(), "busy"), 0o755); err != nil {
		t.Fatal(err)
	}
	o := h.orchestrator(Config{Epochs: 2}, topology.Single())
	saves := 0
	o.OnPhase = func(p Phase, _ TrainingState) {
		if p == Checkpointing {
			saves++
		}
		// The best file becomes writable again after the first epoch.
		if p == Running && saves == 1 {
			if err := os.RemoveAll(h.ckpt.BestPath()); err != nil {
				t.Error(err)
			}
		}
	}
	st, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.BestMetric != 70 || st.IsBest {
		t.Fatalf("state %+v", st)
	}
	best, err := checkpoint.Load(h.ckpt.BestPath())
	if err != nil {
		t.Fatalf("best record lost: %v", err)
	}
	if best.Epoch != 1 || best.BestMetric != 70 {
		t.Fatalf("best record %+v", best)
	}
}

func TestOnlyRankZeroSaves(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "x_")
	h := newHarness(t, newScripted(10), 8, prefix)
	w, err := topology.NewWorkerContext(1, 2, -1)
	if err != nil {
		t.Fatal(err)
	}
	st, err := h.orchestrator(Config{Epochs: 1}, w).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Epoch != 1 {
		t.Fatalf("state %+v", st)
	}
	if _, err := os.Stat(h.ckpt.LatestPath()); !os.IsNotExist(err) {
		t.Fatalf("rank 1 wrote a checkpoint")
	}
	if len(h.sink.Snapshot()) != 0 {
		t.Fatalf("rank 1 wrote metrics")
	}
}

func TestEvaluateOnly(t *testing.T) {
	h := newHarness(t, newScripted(42), 8, "")
	_, val := loaders(t)
	o, err := New(Config{EvaluateOnly: true}, Deps{
		Model:   h.model,
		Val:     val,
		Sink:    h.sink,
		OnPhase: func(p Phase, _ TrainingState) { h.phases = append(h.phases, p) },
	})
	if err != nil {
		t.Fatal(err)
	}
	st, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if h.model.steps != 0 || st.Epoch != 0 {
		t.Fatalf("evaluate-only trained: %+v", st)
	}
	if len(h.phases) != 2 || h.phases[0] != Evaluating || h.phases[1] != Completed {
		t.Fatalf("phases %v", h.phases)
	}
	if p, _ := h.sink.Get("val/acc1"); p.Value != 42 {
		t.Fatalf("val/acc1 %v", p.Value)
	}
}

func TestEvaluateOnlyPartial(t *testing.T) {
	h := newHarness(t, newScripted(42), 8, "")
	_, val := loaders(t)
	v := validator.New(0, 1)
	v.EarlyStop = true
	o, err := New(Config{EvaluateOnly: true}, Deps{
		Model:     h.model,
		Val:       val,
		Sink:      h.sink,
		Validator: v,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p, ok := h.sink.Get("val/acc1"); ok {
		t.Fatalf("partial accuracy published as val/acc1: %+v", p)
	}
	// The first batch holds samples 0..24, all inside the correct 42%.
	if p, ok := h.sink.Get("val/partial"); !ok || p.Value != 100 {
		t.Fatalf("val/partial %+v %v", p, ok)
	}
}

func TestStopRequestHonouredAtEpochBoundary(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "x_")
	h := newHarness(t, newScripted(10), 8, prefix)
	var o *Orchestrator
	train, val := loaders(t)
	o, err := New(Config{Epochs: 5}, Deps{
		Model:       h.model,
		Chain:       h.chain,
		Train:       train,
		Val:         val,
		Checkpoints: h.ckpt,
		OnPhase: func(p Phase, _ TrainingState) {
			if p == Running {
				o.RequestStop()
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	st, err := o.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Epoch != 1 || o.Phase() != Completed {
		t.Fatalf("state %+v phase %s", st, o.Phase())
	}
	if rec, err := checkpoint.Load(h.ckpt.LatestPath()); err != nil || rec.Epoch != 1 {
		t.Fatalf("epoch 1 not checkpointed: %+v %v", rec, err)
	}
}

func TestCancelledContextFinishesEpoch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := newScripted(10)
	h := newHarness(t, m, 8, "")
	train, val := loaders(t)
	o, err := New(Config{Epochs: 5}, Deps{
		Model: m,
		Chain: h.chain,
		Train: train,
		Val:   val,
		OnPhase: func(p Phase, _ TrainingState) {
			if p == Evaluating {
				cancel()
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	st, err := o.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Epoch != 1 || m.passes != 1 {
		t.Fatalf("state %+v passes %d", st, m.passes)
	}
}

func TestTransitions(t *testing.T) {
	allowed := [][2]Phase{
		{Initializing, Resuming}, {Initializing, Running}, {Initializing, Evaluating},
		{Resuming, Running}, {Resuming, Evaluating}, {Running, Evaluating},
		{Evaluating, Checkpointing}, {Evaluating, Completed}, {Checkpointing, Running},
		{Checkpointing, Completed}, {Running, Failed},
	}
	for _, tr := range allowed {
		if !isAllowedTransition(tr[0], tr[1]) {
			t.Fatalf("%s -> %s refused", tr[0], tr[1])
		}
	}
	refused := [][2]Phase{
		{Running, Checkpointing}, {Checkpointing, Evaluating}, {Completed, Running},
		{Failed, Running}, {Completed, Failed}, {Evaluating, Running},
	}
	for _, tr := range refused {
		if isAllowedTransition(tr[0], tr[1]) {
			t.Fatalf("%s -> %s allowed", tr[0], tr[1])
		}
	}
}

func TestNewRejectsMissingCollaborators(t *testing.T) {
	_, val := loaders(t)
	if _, err := New(Config{Epochs: 1}, Deps{Model: newScripted(1), Val: val}); !failure.Is(err, failure.Configuration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
