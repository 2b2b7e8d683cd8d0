package checkpoint

import (
	"bytes"
	"compress/lzw"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"
)

// Record is the persisted run state. The field names are part of the file
// format; add fields, never rename them.
type Record struct {
	// Epoch counts completed epochs. Resuming from a record with Epoch N
	// trains epoch N next.
	Epoch          int       `json:"epoch"`
	Architecture   string    `json:"architecture"`
	WeightBits     int       `json:"weight_bits"`
	ActivationBits int       `json:"activation_bits"`
	BestMetric     float64   `json:"best_metric"`
	RunID          string    `json:"run_id"`
	Saved          time.Time `json:"saved_at"`

	ModelParameters []byte `json:"model_parameters"`
	OptimizerState  []byte `json:"optimizer_state"`
}

type envelope struct {
	Version int             `json:"version"`
	Digest  string          `json:"digest"`
	Record  json.RawMessage `json:"record"`
}

const formatVersion = 1

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Encode writes r to w in the checkpoint file format.
func Encode(w io.Writer, r Record) error {
	body, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "marshal record")
	}
	return encodeEnvelope(w, envelope{
		Version: formatVersion,
		Digest:  digest(body),
		Record:  body,
	})
}

func encodeEnvelope(w io.Writer, env envelope) error {
	lw := lzw.NewWriter(w, lzw.LSB, 8)
	if err := json.NewEncoder(lw).Encode(env); err != nil {
		lw.Close()
		return err
	}
	return lw.Close()
}

// Decode reads one record and verifies its digest.
func Decode(rd io.Reader) (Record, error) {
	var (
		env envelope
		r   Record
	)
	lr := lzw.NewReader(rd, lzw.LSB, 8)
	defer lr.Close()
	if err := json.NewDecoder(lr).Decode(&env); err != nil {
		return r, errors.Wrap(err, "decode envelope")
	}
	if env.Version != formatVersion {
		return r, errors.Errorf("unsupported format version %d", env.Version)
	}
	if got := digest(env.Record); got != env.Digest {
		return r, errors.Errorf("digest mismatch: stored %.12s, computed %.12s", env.Digest, got)
	}
	if err := json.Unmarshal(env.Record, &r); err != nil {
		return r, errors.Wrap(err, "decode record")
	}
	return r, nil
}

func encodeBytes(r Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
