package train

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// IterationRecord is the per-iteration scalar summary appended to the log
// stream. Records are never mutated after creation.
type IterationRecord struct {
	Iteration  int     `json:"iteration"`
	Loss       float64 `json:"loss"`
	Variance   float64 `json:"variance"`
	Acceptance float64 `json:"acceptance"`

	LearningRate float64 `json:"learning_rate"`
	Damping      float64 `json:"damping,omitempty"`
	ClippedFrac  float64 `json:"clipped_frac,omitempty"`

	// Rejected marks a non-finite update that left parameters unchanged;
	// Retries counts consecutive rejections so a stuck loop is visible in
	// the stream rather than silent.
	Rejected bool `json:"rejected,omitempty"`
	Retries  int  `json:"retries,omitempty"`

	UnixMillis int64 `json:"unix_ms"`
}

// MarshalJSON emits null for a non-finite loss or variance instead of
// failing the encode. A rejected update carries the NaN that triggered it,
// and those records are the ones the stream most needs to keep.
func (rec IterationRecord) MarshalJSON() ([]byte, error) {
	type plain IterationRecord
	return json.Marshal(struct {
		plain
		Loss     any `json:"loss"`
		Variance any `json:"variance"`
	}{plain(rec), finiteOrNull(rec.Loss), finiteOrNull(rec.Variance)})
}

func finiteOrNull(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

// recordLogger appends JSON-line records to the run directory and keeps the
// in-memory history the coordinator returns at the end of a run.
type recordLogger struct {
	file    *os.File
	enc     *json.Encoder
	history []IterationRecord
}

func newRecordLogger(runDir string) (*recordLogger, error) {
	path := filepath.Join(runDir, "records.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open record stream")
	}
	return &recordLogger{file: f, enc: json.NewEncoder(f)}, nil
}

// Append records one iteration. Write failures are returned but are not
// fatal to training; the in-memory history is kept regardless.
func (l *recordLogger) Append(rec IterationRecord) error {
	l.history = append(l.history, rec)
	if err := l.enc.Encode(&rec); err != nil {
		return errors.Wrap(err, "append record")
	}
	return nil
}

func (l *recordLogger) Close() error {
	return l.file.Close()
}

// print writes the operator-facing progress line for a record.
func (rec IterationRecord) print() {
	flag := ""
	if rec.Rejected {
		flag = fmt.Sprintf("  REJECTED (retry %d)", rec.Retries)
	}
	fmt.Printf("  iter %6d  loss %12.6f  var %10.6f  acc %.3f  lr %.2e  damping %.2e%s\n",
		rec.Iteration, rec.Loss, rec.Variance, rec.Acceptance, rec.LearningRate, rec.Damping, flag)
}

func nowMillis() int64 { return time.Now().UnixMilli() }
