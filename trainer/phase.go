package trainer

import "fmt"

// Phase is the lifecycle position of an Orchestrator.
type Phase int

const (
	Initializing Phase = iota
	Resuming
	Running
	Evaluating
	Checkpointing
	Completed
	Failed
)

func (p Phase) String() string {
	switch p {
	case Initializing:
		return "initializing"
	case Resuming:
		return "resuming"
	case Running:
		return "running"
	case Evaluating:
		return "evaluating"
	case Checkpointing:
		return "checkpointing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// IsTerminal reports whether no transition leaves p.
func (p Phase) IsTerminal() bool { return p == Completed || p == Failed }

func isAllowedTransition(from, to Phase) bool {
	if to == Failed {
		return !from.IsTerminal()
	}
	switch from {
	case Initializing:
		return to == Resuming || to == Running || to == Evaluating || to == Completed
	case Resuming:
		return to == Running || to == Evaluating || to == Completed
	case Running:
		return to == Evaluating
	case Evaluating:
		return to == Checkpointing || to == Completed
	case Checkpointing:
		return to == Running || to == Completed
	default:
		return false
	}
}

// transition moves the orchestrator from its current phase to to. A
// disallowed transition is a bug in the loop and is reported as such.
func (o *Orchestrator) transition(to Phase) error {
	o.mu.Lock()
	from := o.phase
	if !isAllowedTransition(from, to) {
		o.mu.Unlock()
		return fmt.Errorf("disallowed phase transition: %s -> %s", from, to)
	}
	o.phase = to
	state := o.state
	o.mu.Unlock()
	if o.OnPhase != nil {
		o.OnPhase(to, state)
	}
	return nil
}
