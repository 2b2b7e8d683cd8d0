package checkpoint

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/neurlang/qtrain/failure"
)

const (
	latestName = "checkpoint"
	bestName   = "best"
)

// ErrBestRegression is returned when a best record would replace one with a
// higher metric from the same run.
var ErrBestRegression = errors.New("best metric regression")

// Manager saves the latest and best records of one run under a path prefix.
// Only the metrics owning worker should hold one.
type Manager struct {
	prefix string
	runID  string
	mirror Mirror
	now    func() time.Time
	l      *log.Logger

	mu       sync.Mutex
	best     float64
	haveBest bool
	// pending holds an encoded best record whose write failed. The next
	// Save writes it first.
	pending       []byte
	pendingMetric float64
}

type Option func(*Manager)

// WithMirror uploads every saved file to m after the local write succeeds.
func WithMirror(m Mirror) Option { return func(c *Manager) { c.mirror = m } }

// WithRunID fixes the run id instead of generating one.
func WithRunID(id string) Option { return func(c *Manager) { c.runID = id } }

func WithClock(now func() time.Time) Option { return func(c *Manager) { c.now = now } }

// NewManager writes <prefix>checkpoint and <prefix>best. The prefix usually
// ends with a separator or an underscore, e.g. "logs/resnet18_w4a4_".
func NewManager(prefix string, opts ...Option) *Manager {
	m := &Manager{
		prefix: prefix,
		now:    time.Now,
		l:      log.New(io.Discard, "", 0),
	}
	for _, o := range opts {
		o(m)
	}
	if m.runID == "" {
		m.runID = uuid.NewString()
	}
	return m
}

func (m *Manager) SetLogger(l *log.Logger) {
	if l != nil {
		m.l = l
	}
}

func (m *Manager) LatestPath() string { return m.prefix + latestName }

func (m *Manager) BestPath() string { return m.prefix + bestName }

func (m *Manager) RunID() string { return m.runID }

// Adopt continues the lineage of a restored record: later saves carry its run
// id and a best record may not fall below its best metric.
func (m *Manager) Adopt(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.RunID != "" {
		m.runID = r.RunID
	}
	m.best, m.haveBest = r.BestMetric, true
}

// Save writes r as the latest record and, when isBest, as the best record too.
// Both files receive identical bytes. A best record that could not be written
// is kept and written to the best file by the next Save, unless that Save
// brings a newer best. Errors are of kind failure.CheckpointWrite.
func (m *Manager) Save(ctx context.Context, r Record, isBest bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return failure.New(failure.CheckpointWrite, "save", err)
	}
	if isBest {
		floor, guarded := m.best, m.haveBest
		if m.pending != nil && (!guarded || m.pendingMetric > floor) {
			floor, guarded = m.pendingMetric, true
		}
		if guarded && r.BestMetric < floor {
			return failure.New(failure.CheckpointWrite, "save",
				errors.Wrapf(ErrBestRegression, "%.4f after %.4f", r.BestMetric, floor))
		}
	}
	r.RunID = m.runID
	if r.Saved.IsZero() {
		r.Saved = m.now().UTC()
	}
	data, err := encodeBytes(r)
	if err != nil {
		return failure.New(failure.CheckpointWrite, "encode", err)
	}
	if dir := filepath.Dir(m.LatestPath()); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			m.keepPending(isBest, data, r.BestMetric)
			return failure.WithPath(failure.CheckpointWrite, "save", dir, err)
		}
	}

	var written []string
	var retryErr error
	if isBest {
		m.pending = nil
	} else if m.pending != nil {
		if err := writeFileAtomic(m.BestPath(), m.pending, 0o644); err != nil {
			retryErr = failure.WithPath(failure.CheckpointWrite, "retry best", m.BestPath(), err)
		} else {
			m.l.Printf("wrote pending best record (best %.4f)", m.pendingMetric)
			m.best, m.haveBest = m.pendingMetric, true
			m.pending = nil
			written = append(written, m.BestPath())
		}
	}

	if err := writeFileAtomic(m.LatestPath(), data, 0o644); err != nil {
		m.keepPending(isBest, data, r.BestMetric)
		return failure.WithPath(failure.CheckpointWrite, "save", m.LatestPath(), err)
	}
	written = append(written, m.LatestPath())
	if isBest {
		if err := writeFileAtomic(m.BestPath(), data, 0o644); err != nil {
			m.keepPending(isBest, data, r.BestMetric)
			return failure.WithPath(failure.CheckpointWrite, "save", m.BestPath(), err)
		}
		m.best, m.haveBest = r.BestMetric, true
		written = append(written, m.BestPath())
	}
	m.l.Printf("saved checkpoint epoch %d best %.4f (%d bytes)", r.Epoch, r.BestMetric, len(data))

	if m.mirror != nil {
		for _, p := range written {
			if err := m.mirror.Upload(ctx, m.runID, filepath.Base(p), p); err != nil {
				m.l.Printf("mirror %s: %v", p, err)
			}
		}
	}
	return retryErr
}

func (m *Manager) keepPending(isBest bool, data []byte, metric float64) {
	if isBest {
		m.pending, m.pendingMetric = data, metric
	}
}

// Load reads a record from path. A missing file is failure.ResumeNotFound;
// any other read or decode problem is failure.ResumeCorrupt.
func Load(path string) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, failure.WithPath(failure.ResumeNotFound, "load", path, err)
		}
		return Record{}, failure.WithPath(failure.ResumeCorrupt, "load", path, err)
	}
	defer f.Close()
	r, err := Decode(f)
	if err != nil {
		return Record{}, failure.WithPath(failure.ResumeCorrupt, "load", path, err)
	}
	return r, nil
}
