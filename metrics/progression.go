package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// ProgressionPathEnv overrides the progression file location.
const ProgressionPathEnv = "TRAINJOB_PROGRESSION_FILE_PATH"

// Progression is the status file external health checks poll to tell a live
// run from a stalled one.
type Progression struct {
	CurrentEpoch int                `json:"current_epoch"`
	TotalEpochs  int                `json:"total_epochs"`
	CurrentStep  int                `json:"current_step"`
	Phase        string             `json:"phase,omitempty"`
	Message      string             `json:"message,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Timestamp    int64              `json:"timestamp"`
	StartTime    int64              `json:"start_time"`
}

// ProgressionWriter rewrites the progression file in place (temp file and
// rename) every time Write is called.
type ProgressionWriter struct {
	Path  string
	start time.Time
	now   func() time.Time
}

// ProgressionPath returns the env override or <dir>/training_progression.json.
func ProgressionPath(dir string) string {
	if p := os.Getenv(ProgressionPathEnv); p != "" {
		return p
	}
	return filepath.Join(dir, "training_progression.json")
}

func NewProgressionWriter(path string) *ProgressionWriter {
	return &ProgressionWriter{Path: path, start: time.Now(), now: time.Now}
}

// Write stamps p with the current and start times and replaces the file.
func (w *ProgressionWriter) Write(p Progression, reg *Registry) error {
	if w == nil || w.Path == "" {
		return nil
	}
	p.Timestamp = w.now().Unix()
	p.StartTime = w.start.Unix()
	if reg != nil {
		p.Metrics = make(map[string]float64)
		for _, pt := range reg.Snapshot() {
			p.Metrics[pt.Name] = pt.Value
		}
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal progression")
	}
	dir := filepath.Dir(w.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "ensure progression dir")
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(w.Path)+".tmp.*")
	if err != nil {
		return errors.Wrap(err, "create progression temp")
	}
	name := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(name)
		return errors.Wrap(err, "write progression")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return errors.Wrap(err, "close progression")
	}
	return errors.Wrap(os.Rename(name, w.Path), "rename progression")
}
