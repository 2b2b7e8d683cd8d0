package failure

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func TestKindSurvivesWrapping(t *testing.T) {
	err := WithPath(ResumeCorrupt, "load checkpoint", "/tmp/x_checkpoint", errors.New("bad digest"))
	wrapped := errors.Wrap(err, "resume")
	if !Is(wrapped, ResumeCorrupt) {
		t.Fatalf("expected ResumeCorrupt, got %v", wrapped)
	}
	if Is(wrapped, ResumeNotFound) {
		t.Fatalf("unexpected ResumeNotFound")
	}
	if !strings.Contains(wrapped.Error(), "/tmp/x_checkpoint") {
		t.Fatalf("expected path in message, got %q", wrapped.Error())
	}
}

func TestFatalClassification(t *testing.T) {
	cases := []struct {
		kind  error
		fatal bool
		code  int
	}{
		{Configuration, true, ExitConfiguration},
		{Rendezvous, true, ExitRendezvous},
		{ResumeNotFound, false, ExitOK},
		{ResumeCorrupt, true, ExitResumeCorrupt},
		{CheckpointWrite, false, ExitOK},
		{TrainingStep, true, ExitTrainingStep},
	}
	for _, c := range cases {
		err := New(c.kind, "op", nil)
		if Fatal(err) != c.fatal {
			t.Errorf("%v: fatal=%v, want %v", c.kind, Fatal(err), c.fatal)
		}
		if ExitCode(err) != c.code {
			t.Errorf("%v: exit=%d, want %d", c.kind, ExitCode(err), c.code)
		}
	}
	if ExitCode(errors.New("boom")) != ExitInternal {
		t.Fatalf("unclassified errors must exit with %d", ExitInternal)
	}
	if ExitCode(nil) != ExitOK || Fatal(nil) {
		t.Fatalf("nil error must be ok")
	}
}
