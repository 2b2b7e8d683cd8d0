package topology

import (
	"context"
	"io"
	"log"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/neurlang/qtrain/device"
	"github.com/neurlang/qtrain/failure"
)

// Bootstrapper turns a Config into worker contexts.
type Bootstrapper struct {
	cfg   Config
	count func() (int, error)
	l     *log.Logger
}

func New(cfg Config) *Bootstrapper {
	return &Bootstrapper{
		cfg:   cfg.withDefaults(),
		count: device.Count,
		l:     log.New(io.Discard, "", 0),
	}
}

func (b *Bootstrapper) SetLogger(l *log.Logger) {
	if l != nil {
		b.l = l
	}
}

// Attach resolves this process's rank and joins the rendezvous. It blocks
// until all ranks joined or the join timeout passes. A world of one needs no
// rendezvous and returns a Local group.
func (b *Bootstrapper) Attach(ctx context.Context) (WorkerContext, *Group, error) {
	c := b.cfg
	rank, world := c.Rank, c.WorldSize
	if world < 0 {
		if c.InitMethod != EnvInit {
			return WorkerContext{}, nil, failure.Newf(failure.Configuration, "attach", "world size is required with %s", c.InitMethod)
		}
		n, err := c.requireInt(EnvWorldSize)
		if err != nil {
			return WorkerContext{}, nil, err
		}
		world = n
	}
	if world == 0 {
		world = 1
	}
	if rank < 0 {
		if world == 1 {
			rank = 0
		} else if c.InitMethod == EnvInit {
			n, err := c.requireInt(EnvRank)
			if err != nil {
				return WorkerContext{}, nil, err
			}
			rank = n
		} else {
			return WorkerContext{}, nil, failure.Newf(failure.Configuration, "attach", "rank is required with %s", c.InitMethod)
		}
	}

	dev := c.Device
	if dev < 0 {
		dev = b.envDevice()
	}
	wc, err := NewWorkerContext(rank, world, dev)
	if err != nil {
		return WorkerContext{}, nil, failure.New(failure.Configuration, "attach", err)
	}
	if !wc.Distributed() {
		return wc, Local(), nil
	}

	addr, err := c.address()
	if err != nil {
		return WorkerContext{}, nil, err
	}
	var st *store
	if rank == 0 {
		st, err = listenStore(addr, world, b.l)
		if err != nil {
			return WorkerContext{}, nil, failure.New(failure.Rendezvous, "listen "+addr, err)
		}
	}
	jctx, cancel := context.WithTimeout(ctx, c.JoinTimeout)
	defer cancel()
	g, err := dialGroup(jctx, addr, rank, world, c.JoinTimeout)
	if err == nil {
		g.store = st
		b.l.Printf("joining %s as %s via %s backend", addr, wc, c.Backend)
		err = g.join(jctx)
		if err != nil {
			g.Close()
		}
	} else if st != nil {
		st.Close()
	}
	if err != nil {
		return WorkerContext{}, nil, err
	}
	return wc, g, nil
}

// envDevice reads the device a spawner assigned, then LOCAL_RANK when this
// node has accelerators.
func (b *Bootstrapper) envDevice() int {
	if d, ok := b.cfg.optionalInt(EnvDevice); ok {
		return d
	}
	if n, err := b.count(); err == nil && n > 0 {
		if d, ok := b.cfg.optionalInt(EnvLocalRank); ok && d < n {
			return d
		}
	}
	return -1
}

// Worker is one process a spawn launches.
type Worker struct {
	Rank      int
	LocalRank int
	World     int
	Device    int
	Addr      string
}

// Env returns the environment that makes a process attach as w.
func (w Worker) Env() []string {
	host, port, _ := net.SplitHostPort(w.Addr)
	return []string{
		EnvWorker + "=1",
		EnvRank + "=" + strconv.Itoa(w.Rank),
		EnvWorldSize + "=" + strconv.Itoa(w.World),
		EnvLocalRank + "=" + strconv.Itoa(w.LocalRank),
		EnvDevice + "=" + strconv.Itoa(w.Device),
		EnvMasterAddr + "=" + host,
		EnvMasterPort + "=" + port,
	}
}

// Getenv looks up the variables of Env, for launchers that run workers in
// process.
func (w Worker) Getenv() func(string) string {
	env := make(map[string]string)
	for _, kv := range w.Env() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return func(k string) string { return env[k] }
}

// Launcher runs one worker to completion. It must stop the worker when ctx
// is cancelled.
type Launcher interface {
	Launch(ctx context.Context, w Worker) error
}

type LauncherFunc func(ctx context.Context, w Worker) error

func (f LauncherFunc) Launch(ctx context.Context, w Worker) error { return f(ctx, w) }

// Plan lists the workers of this node: D per node, where D is
// DevicesPerNode or the local device count, global rank nodeRank*D+i and
// device i. Without accelerators one CPU worker runs per node.
func (b *Bootstrapper) Plan() ([]Worker, error) {
	c := b.cfg
	d, cpu := c.DevicesPerNode, false
	if d <= 0 {
		n, err := b.count()
		if err != nil {
			return nil, failure.New(failure.Configuration, "count devices", err)
		}
		d = n
	}
	if d <= 0 {
		d, cpu = 1, true
	}
	nodes, node := c.WorldSize, c.Rank
	if nodes < 1 {
		nodes = 1
	}
	if node < 0 {
		node = 0
	}
	if node >= nodes {
		return nil, failure.Newf(failure.Configuration, "plan", "node rank %d outside %d nodes", node, nodes)
	}
	addr, err := c.address()
	if err != nil {
		return nil, err
	}
	out := make([]Worker, d)
	for i := range out {
		dev := i
		if cpu {
			dev = -1
		}
		out[i] = Worker{Rank: node*d + i, LocalRank: i, World: nodes * d, Device: dev, Addr: addr}
	}
	return out, nil
}

// Spawn launches the planned workers and waits for all of them. When one
// fails the rest are cancelled and the first failure is returned.
func (b *Bootstrapper) Spawn(ctx context.Context, launcher Launcher) error {
	workers, err := b.Plan()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg    sync.WaitGroup
		once  sync.Once
		first error
	)
	for _, w := range workers {
		wg.Add(1)
		go func(w Worker) {
			defer wg.Done()
			b.l.Printf("launching rank %d/%d on device %d", w.Rank, w.World, w.Device)
			if err := launcher.Launch(ctx, w); err != nil {
				once.Do(func() {
					first = errors.Wrapf(err, "worker rank %d", w.Rank)
					cancel()
				})
			}
		}(w)
	}
	wg.Wait()
	return first
}
