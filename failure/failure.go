package failure

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kinds of failure. Compare with Is, never by message.
var (
	Configuration   = errors.New("configuration error")
	Rendezvous      = errors.New("rendezvous error")
	ResumeNotFound  = errors.New("no checkpoint found")
	ResumeCorrupt   = errors.New("corrupt checkpoint")
	CheckpointWrite = errors.New("checkpoint write failure")
	TrainingStep    = errors.New("training step failure")
)

// Error attaches a Kind to the operation that failed.
type Error struct {
	Kind error
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += fmt.Sprintf(" (%s)", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the kind, so errors.Is(err, failure.ResumeCorrupt) holds.
func (e *Error) Unwrap() error { return e.Kind }

// Cause returns the underlying error, if any.
func (e *Error) Cause() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds an *Error of the given kind with a formatted message as cause.
func Newf(kind error, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithPath builds an *Error of the given kind that names the offending file.
func WithPath(kind error, op, path string, err error) error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Is reports whether err is of the given kind.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}

// Fatal reports whether err must abort the run. A missing checkpoint and a
// failed checkpoint write are the only recoverable kinds.
func Fatal(err error) bool {
	if err == nil {
		return false
	}
	return !Is(err, ResumeNotFound) && !Is(err, CheckpointWrite)
}

// Exit statuses.
const (
	ExitOK            = 0
	ExitInternal      = 1
	ExitConfiguration = 2
	ExitRendezvous    = 3
	ExitResumeCorrupt = 4
	ExitTrainingStep  = 5
)

// ExitCode maps err to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case Is(err, Configuration):
		return ExitConfiguration
	case Is(err, Rendezvous):
		return ExitRendezvous
	case Is(err, ResumeCorrupt):
		return ExitResumeCorrupt
	case Is(err, TrainingStep):
		return ExitTrainingStep
	case !Fatal(err):
		return ExitOK
	default:
		return ExitInternal
	}
}
