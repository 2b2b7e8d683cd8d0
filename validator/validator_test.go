package validator

import (
	"context"
	"math"
	"testing"

	"github.com/pkg/errors"

	"github.com/neurlang/qtrain/datasets"
	"github.com/neurlang/qtrain/model"
)

// oracle scores the target class highest for every sample whose index is not
// in wrong, where it puts the target second.
type oracle struct {
	classes int
	wrong   map[int]bool
	calls   int
	fail    error
}

func (o *oracle) Evaluate(ctx context.Context, b datasets.Batch) (model.Output, error) {
	o.calls++
	if o.fail != nil {
		return model.Output{}, o.fail
	}
	out := model.Output{Loss: 0.5}
	for i, t := range b.Targets {
		row := make([]float32, o.classes)
		row[t] = 10
		if o.wrong[b.Indices[i]] {
			row[(t+1)%o.classes] = 20
		}
		out.Scores = append(out.Scores, row)
	}
	return out, nil
}

func loader(t *testing.T, n, batch int) datasets.Loader {
	t.Helper()
	l, err := datasets.NewMemoryLoader(datasets.Blobs(n, 10, 2, 0.1, 5), batch, 0, 1, 0, false)
	if err != nil {
		t.Fatalf("NewMemoryLoader: %v", err)
	}
	return l
}

func TestValidateAccumulatesMeans(t *testing.T) {
	v := New(0, 4)
	o := &oracle{classes: 10, wrong: map[int]bool{0: true, 5: true, 9: true}}
	rep, err := v.Validate(context.Background(), o, loader(t, 20, 6))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if rep.Samples != 20 || rep.Batches != 4 || o.calls != 4 {
		t.Fatalf("unexpected counts %+v calls=%d", rep, o.calls)
	}
	if math.Abs(rep.Top1-85) > 1e-9 {
		t.Fatalf("top1=%v, want 85", rep.Top1)
	}
	if !rep.HasTop5 || rep.Top5 != 100 {
		t.Fatalf("top5=%v has=%v", rep.Top5, rep.HasTop5)
	}
	if rep.Loss != 0.5 {
		t.Fatalf("loss=%v", rep.Loss)
	}
	if m, err := rep.Metric(); err != nil || m != rep.Top1 {
		t.Fatalf("Metric=%v %v", m, err)
	}
	if len(rep.Hits) == 0 {
		t.Fatalf("expected hit filter")
	}
}

func TestValidateIsDeterministic(t *testing.T) {
	o := &oracle{classes: 10, wrong: map[int]bool{3: true}}
	a, err := New(0, 1).Validate(context.Background(), o, loader(t, 30, 7))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	b, err := New(0, 8).Validate(context.Background(), o, loader(t, 30, 7))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if a.Fingerprint != b.Fingerprint || a.Top1 != b.Top1 {
		t.Fatalf("reports differ between runs")
	}
	o.wrong[4] = true
	c, _ := New(0, 8).Validate(context.Background(), o, loader(t, 30, 7))
	if c.Fingerprint == a.Fingerprint {
		t.Fatalf("fingerprint ignores predictions")
	}
}

func TestRegressed(t *testing.T) {
	o := &oracle{classes: 10, wrong: map[int]bool{3: true, 9: true}}
	before, err := New(0, 2).Validate(context.Background(), o, loader(t, 30, 7))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(before.Keys) != 30 {
		t.Fatalf("keys %d", len(before.Keys))
	}
	o.wrong = map[int]bool{3: true, 4: true, 17: true}
	after, err := New(0, 2).Validate(context.Background(), o, loader(t, 30, 7))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if n := after.Regressed(before); n != 2 {
		t.Fatalf("regressed %d, want 2", n)
	}
	if n := before.Regressed(after); n != 1 {
		t.Fatalf("recovered sample counted %d times, want 1", n)
	}
	if n := after.Regressed(Report{}); n != 0 {
		t.Fatalf("no previous pass, got %d", n)
	}
}

func TestEarlyStopIsFlagged(t *testing.T) {
	v := New(0, 2)
	v.EarlyStop = true
	o := &oracle{classes: 10}
	rep, err := v.Validate(context.Background(), o, loader(t, 20, 6))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !rep.Partial || rep.Batches != 1 || o.calls != 1 {
		t.Fatalf("expected one partial batch, got %+v calls=%d", rep, o.calls)
	}
	if _, err := rep.Metric(); !errors.Is(err, ErrPartial) {
		t.Fatalf("expected ErrPartial, got %v", err)
	}
}

func TestEvaluateErrorPropagates(t *testing.T) {
	boom := errors.New("device lost")
	_, err := New(0, 1).Validate(context.Background(), &oracle{classes: 10, fail: boom}, loader(t, 10, 5))
	if errors.Cause(err) != boom {
		t.Fatalf("expected device error, got %v", err)
	}
}

func TestScoreTies(t *testing.T) {
	s := score([]float32{1, 1, 0}, 1)
	if s.top1 || !s.top5 || s.pred != 0 {
		t.Fatalf("tie must favour the lower class: %+v", s)
	}
	if s := score([]float32{0, 1}, 7); s.top1 || s.top5 {
		t.Fatalf("out of range target can never be correct")
	}
}
