package topology

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"
)

// The rendezvous store speaks newline delimited JSON. Every request blocks
// until all ranks of the world sent the same op and key, then each of them
// receives the same response.
type request struct {
	Op    string  `json:"op"`
	Key   string  `json:"key"`
	Rank  int     `json:"rank"`
	World int     `json:"world"`
	Value float64 `json:"value"`
}

type response struct {
	Value float64 `json:"value"`
	Err   string  `json:"err,omitempty"`
}

const (
	opJoin    = "join"
	opBarrier = "barrier"
	opReduce  = "reduce"
)

type round struct {
	ranks   map[int]bool
	sum     float64
	waiters []chan response
}

type store struct {
	ln    net.Listener
	world int
	l     *log.Logger

	mu     sync.Mutex
	rounds map[string]*round
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func listenStore(addr string, world int, l *log.Logger) (*store, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &store{
		ln:     ln,
		world:  world,
		l:      l,
		rounds: make(map[string]*round),
		conns:  make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.accept()
	return s, nil
}

func (s *store) accept() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			c.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.handle(c)
	}
}

func (s *store) handle(c net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.Close()
	}()
	dec := json.NewDecoder(bufio.NewReader(c))
	enc := json.NewEncoder(c)
	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if err != io.EOF && !s.isClosed() {
				s.l.Printf("rendezvous: %s: %v", c.RemoteAddr(), err)
			}
			return
		}
		if err := enc.Encode(s.arrive(req)); err != nil {
			return
		}
	}
}

func (s *store) arrive(req request) response {
	switch {
	case req.Op != opJoin && req.Op != opBarrier && req.Op != opReduce:
		return response{Err: fmt.Sprintf("unknown op %q", req.Op)}
	case req.Rank < 0 || req.Rank >= s.world:
		return response{Err: fmt.Sprintf("rank %d outside world of %d", req.Rank, s.world)}
	case req.Op == opJoin && req.World != s.world:
		return response{Err: fmt.Sprintf("rank %d expects world %d, store has %d", req.Rank, req.World, s.world)}
	}
	key := req.Op + "/" + req.Key
	ch := make(chan response, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return response{Err: "rendezvous store closed"}
	}
	r := s.rounds[key]
	if r == nil {
		r = &round{ranks: make(map[int]bool)}
		s.rounds[key] = r
	}
	if r.ranks[req.Rank] {
		s.mu.Unlock()
		return response{Err: fmt.Sprintf("rank %d arrived twice at %s", req.Rank, key)}
	}
	r.ranks[req.Rank] = true
	r.sum += req.Value
	r.waiters = append(r.waiters, ch)
	if len(r.ranks) == s.world {
		delete(s.rounds, key)
		done := response{Value: r.sum / float64(s.world)}
		for _, w := range r.waiters {
			w <- done
		}
	}
	s.mu.Unlock()

	return <-ch
}

func (s *store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, r := range s.rounds {
		for _, w := range r.waiters {
			w <- response{Err: "rendezvous store closed"}
		}
	}
	s.rounds = nil
	// Unblock readers only; responses already being written still go out.
	for c := range s.conns {
		c.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
