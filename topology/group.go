package topology

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/neurlang/qtrain/failure"
)

// Group performs collectives across all workers of a run. Collectives block
// until every rank arrives; a crashed peer stalls the group until the caller's
// context ends.
type Group struct {
	rank  int
	world int

	mu    sync.Mutex
	conn  net.Conn
	enc   *json.Encoder
	dec   *json.Decoder
	store *store
}

// Local returns the group of an undistributed run, whose collectives return
// immediately.
func Local() *Group { return &Group{world: 1} }

func (g *Group) Rank() int { return g.rank }

func (g *Group) WorldSize() int { return g.world }

func dialGroup(ctx context.Context, addr string, rank, world int, timeout time.Duration) (*Group, error) {
	deadline := time.Now().Add(timeout)
	var (
		conn net.Conn
		err  error
		d    net.Dialer
	)
	for {
		dctx, cancel := context.WithDeadline(ctx, deadline)
		conn, err = d.DialContext(dctx, "tcp", addr)
		cancel()
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, failure.New(failure.Rendezvous, "dial "+addr, ctx.Err())
		}
		if !time.Now().Before(deadline) {
			return nil, failure.New(failure.Rendezvous, "dial "+addr, errors.Wrapf(err, "no rendezvous after %v", timeout))
		}
		select {
		case <-ctx.Done():
			return nil, failure.New(failure.Rendezvous, "dial "+addr, ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
	return &Group{
		rank:  rank,
		world: world,
		conn:  conn,
		enc:   json.NewEncoder(conn),
		dec:   json.NewDecoder(bufio.NewReader(conn)),
	}, nil
}

func (g *Group) call(ctx context.Context, req request) (float64, error) {
	if g.conn == nil {
		return req.Value, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	req.Rank, req.World = g.rank, g.world
	if dl, ok := ctx.Deadline(); ok {
		g.conn.SetDeadline(dl)
	} else {
		g.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { g.conn.SetDeadline(time.Now()) })
	defer stop()

	var resp response
	err := g.enc.Encode(req)
	if err == nil {
		err = g.dec.Decode(&resp)
	}
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return 0, failure.New(failure.Rendezvous, req.Op+" "+req.Key, err)
	}
	if resp.Err != "" {
		return 0, failure.Newf(failure.Rendezvous, req.Op+" "+req.Key, "%s", resp.Err)
	}
	return resp.Value, nil
}

// Barrier returns once every rank called Barrier with the same name.
func (g *Group) Barrier(ctx context.Context, name string) error {
	_, err := g.call(ctx, request{Op: opBarrier, Key: name})
	return err
}

// AllReduceMean returns the mean of v over all ranks.
func (g *Group) AllReduceMean(ctx context.Context, name string, v float64) (float64, error) {
	return g.call(ctx, request{Op: opReduce, Key: name, Value: v})
}

func (g *Group) join(ctx context.Context) error {
	_, err := g.call(ctx, request{Op: opJoin, Key: "world"})
	return err
}

// Close disconnects and, on rank 0, stops the store. Call it after a final
// Barrier so that no peer is still waiting.
func (g *Group) Close() error {
	if g.conn == nil {
		return nil
	}
	err := g.conn.Close()
	if g.store != nil {
		if serr := g.store.Close(); err == nil {
			err = serr
		}
	}
	return err
}
