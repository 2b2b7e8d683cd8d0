package topology

import (
	"context"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/pkg/errors"
)

// ProcessLauncher re-executes a binary once per worker, each in its own
// process group.
type ProcessLauncher struct {
	Path string
	Args []string
	// Env is the base environment, os.Environ() when nil.
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
	// Grace is how long a cancelled worker may take to exit.
	Grace time.Duration
}

// SelfLauncher re-executes the running binary with args.
func SelfLauncher(args []string) (*ProcessLauncher, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return &ProcessLauncher{Path: exe, Args: args, Stdout: os.Stdout, Stderr: os.Stderr}, nil
}

func (p *ProcessLauncher) Launch(ctx context.Context, w Worker) error {
	cmd := exec.Command(p.Path, p.Args...)
	base := p.Env
	if base == nil {
		base = os.Environ()
	}
	cmd.Env = append(append([]string{}, base...), w.Env()...)
	cmd.Stdout, cmd.Stderr = p.Stdout, p.Stderr
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "start worker")
	}

	exited := make(chan struct{})
	var werr error
	go func() {
		werr = cmd.Wait()
		close(exited)
	}()
	select {
	case <-exited:
		return werr
	case <-ctx.Done():
		grace := p.Grace
		if grace <= 0 {
			grace = 10 * time.Second
		}
		killGroup(cmd, grace, exited)
		<-exited
		return ctx.Err()
	}
}
