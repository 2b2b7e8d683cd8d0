package topology

import "fmt"

// WorkerContext identifies one worker. It never changes after bootstrap.
type WorkerContext struct {
	rank   int
	world  int
	device int
}

// NewWorkerContext validates rank against world. A negative device means the
// worker runs on the CPU.
func NewWorkerContext(rank, world, device int) (WorkerContext, error) {
	if world < 1 {
		return WorkerContext{}, fmt.Errorf("world size must be at least 1, got %d", world)
	}
	if rank < 0 || rank >= world {
		return WorkerContext{}, fmt.Errorf("rank %d outside world of %d", rank, world)
	}
	if device < 0 {
		device = -1
	}
	return WorkerContext{rank: rank, world: world, device: device}, nil
}

// Single is the context of an undistributed CPU run.
func Single() WorkerContext { return WorkerContext{world: 1, device: -1} }

func (w WorkerContext) Rank() int { return w.rank }

func (w WorkerContext) WorldSize() int {
	if w.world < 1 {
		return 1
	}
	return w.world
}

// Device returns the accelerator index, if one was assigned.
func (w WorkerContext) Device() (int, bool) {
	if w.world < 1 || w.device < 0 {
		return -1, false
	}
	return w.device, true
}

func (w WorkerContext) Distributed() bool { return w.WorldSize() > 1 }

// IsMetricsOwner reports whether this worker logs metrics and saves
// checkpoints.
func (w WorkerContext) IsMetricsOwner() bool { return w.rank == 0 }

func (w WorkerContext) String() string {
	if d, ok := w.Device(); ok {
		return fmt.Sprintf("rank %d/%d device %d", w.rank, w.WorldSize(), d)
	}
	return fmt.Sprintf("rank %d/%d cpu", w.rank, w.WorldSize())
}
