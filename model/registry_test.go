package model_test

import (
	"testing"

	"github.com/neurlang/qtrain/failure"
	"github.com/neurlang/qtrain/model"
	"github.com/neurlang/qtrain/model/centroid"
	"github.com/neurlang/qtrain/schedule"
	"github.com/pkg/errors"
)

func registry() *model.Registry {
	return model.NewRegistry(centroid.Namespaces()...)
}

func TestCreateTriesNamespacesInOrder(t *testing.T) {
	r := registry()
	opts := model.Options{NumClasses: 3, WeightBits: 4, ActivationBits: 4, LR: 0.1}

	ref, err := r.Create("centroid", opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ref.Namespace != "reference" {
		t.Fatalf("namespace=%q", ref.Namespace)
	}
	if ref.Options.WeightBits != schedule.FullPrecision || ref.Options.ActivationBits != schedule.FullPrecision {
		t.Fatalf("reference models must run in full precision, got %+v", ref.Options)
	}

	q, err := r.Create("qcentroid_feat", opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if q.Namespace != "quantized" || q.Options.WeightBits != 4 {
		t.Fatalf("unexpected %+v", q)
	}
	if !q.Capabilities.FeatureParallel {
		t.Fatalf("capability flag lost")
	}
}

func TestCreateUnknownArchitecture(t *testing.T) {
	_, err := registry().Create("resnet9000", model.Options{NumClasses: 2})
	var nf *model.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if nf.Arch != "resnet9000" || len(nf.Tried) != 2 {
		t.Fatalf("unexpected %+v", nf)
	}
	if !failure.Is(err, failure.Configuration) {
		t.Fatalf("not found must classify as configuration error")
	}
}

func TestNamesSortedUnique(t *testing.T) {
	r := registry()
	r.Register(centroid.Namespaces()[0])
	names := r.Names()
	want := []string{"centroid", "qcentroid", "qcentroid_feat"}
	if len(names) != len(want) {
		t.Fatalf("names=%v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names=%v", names)
		}
	}
}

func TestParseQuantMode(t *testing.T) {
	if m, err := model.ParseQuantMode("layer_wise"); err != nil || m != model.LayerWise {
		t.Fatalf("got %v %v", m, err)
	}
	if m, err := model.ParseQuantMode(""); err != nil || m != model.KernelWise {
		t.Fatalf("got %v %v", m, err)
	}
	if _, err := model.ParseQuantMode("channel"); !failure.Is(err, failure.Configuration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

type wholeOnly struct{ model.Model }

type featureAware struct {
	model.Model
	workers int
}

func (f *featureAware) SetFeatureWorkers(n int) { f.workers = n }

func TestParallelize(t *testing.T) {
	feat := &featureAware{}
	s, rows := model.Parallelize(feat, model.Capabilities{FeatureParallel: true}, 6)
	if s != model.FeatureExtractor || rows != 1 || feat.workers != 6 {
		t.Fatalf("feature parallel: strategy=%v rows=%d workers=%d", s, rows, feat.workers)
	}

	feat = &featureAware{}
	s, rows = model.Parallelize(feat, model.Capabilities{}, 6)
	if s != model.WholeModel || rows != 6 || feat.workers != 0 {
		t.Fatalf("flag off: strategy=%v rows=%d workers=%d", s, rows, feat.workers)
	}

	s, rows = model.Parallelize(wholeOnly{}, model.Capabilities{FeatureParallel: true}, 3)
	if s != model.WholeModel || rows != 3 {
		t.Fatalf("model without extractor hook: strategy=%v rows=%d", s, rows)
	}

	if _, rows = model.Parallelize(wholeOnly{}, model.Capabilities{}, 0); rows < 1 {
		t.Fatalf("rows=%d", rows)
	}
}

func TestRegisteredStrategies(t *testing.T) {
	r := registry()
	opts := model.Options{NumClasses: 2, WeightBits: 4, ActivationBits: 4, LR: 0.1}
	for arch, want := range map[string]model.Strategy{
		"centroid":       model.WholeModel,
		"qcentroid":      model.WholeModel,
		"qcentroid_feat": model.FeatureExtractor,
	} {
		c, err := r.Create(arch, opts)
		if err != nil {
			t.Fatalf("Create %s: %v", arch, err)
		}
		if got, _ := model.Parallelize(c.Model, c.Capabilities, 2); got != want {
			t.Fatalf("%s: strategy=%v want %v", arch, got, want)
		}
	}
}
