package metrics

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Sink receives scalar (name, value, step) triples.
type Sink interface {
	AddScalar(name string, value float64, step int)
	Close() error
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) AddScalar(string, float64, int) {}
func (discard) Close() error                   { return nil }

// Multi fans every scalar out to all sinks. Nil sinks are skipped.
func Multi(sinks ...Sink) Sink {
	var out multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multi []Sink

func (m multi) AddScalar(name string, value float64, step int) {
	for _, s := range m {
		s.AddScalar(name, value, step)
	}
}

func (m multi) Close() (err error) {
	for _, s := range m {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Scalar is one line of a scalars file.
type Scalar struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Step  int     `json:"step"`
	Time  int64   `json:"time"`
}

// FileSink appends scalars as JSON lines to <dir>/scalars.jsonl.
type FileSink struct {
	mu  sync.Mutex
	f   *os.File
	w   *bufio.Writer
	enc *json.Encoder
	now func() time.Time
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "metrics: ensure dir")
	}
	f, err := os.OpenFile(filepath.Join(dir, "scalars.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "metrics: open scalars file")
	}
	w := bufio.NewWriter(f)
	return &FileSink{f: f, w: w, enc: json.NewEncoder(w), now: time.Now}, nil
}

func (s *FileSink) AddScalar(name string, value float64, step int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return
	}
	_ = s.enc.Encode(Scalar{Name: name, Value: value, Step: step, Time: s.now().Unix()})
}

// Flush writes buffered scalars to disk.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	return s.w.Flush()
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	ferr := s.w.Flush()
	cerr := s.f.Close()
	s.f, s.w = nil, nil
	if ferr != nil {
		return ferr
	}
	return cerr
}
