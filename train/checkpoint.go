package train

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// CheckpointVersion is bumped whenever the on-disk layout changes.
const CheckpointVersion = 1

// Checkpoint is a versioned snapshot of everything needed to resume a run
// exactly: parameters, the optimizer's full state, the iteration index and
// the root RNG state. Walker positions are deliberately absent; restore
// re-equilibrates the ensemble with a fresh burn-in.
type Checkpoint struct {
	Version    int    `json:"version"`
	Iteration  int    `json:"iteration"`
	SystemHash string `json:"system_hash"`

	Params         []float64       `json:"params"`
	Optimizer      string          `json:"optimizer"`
	OptimizerState json.RawMessage `json:"optimizer_state"`

	// RNGState is the marshaled PCG state of the root source.
	RNGState []byte `json:"rng_state"`

	SavedAt time.Time `json:"saved_at"`
}

// Store writes and reads checkpoints under one run directory.
type Store struct {
	dir string
}

// NewStore ensures the directory exists and returns a store over it.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create checkpoint directory")
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's directory.
func (s *Store) Dir() string { return s.dir }

// Save writes the checkpoint atomically: the JSON blob lands in a temp file
// that is renamed into place, so a crash mid-write never corrupts an
// existing snapshot. Returns the final path.
func (s *Store) Save(cp *Checkpoint) (string, error) {
	cp.Version = CheckpointVersion
	cp.SavedAt = time.Now().UTC()

	data, err := json.Marshal(cp)
	if err != nil {
		return "", errors.Wrap(err, "encode checkpoint")
	}

	name := fmt.Sprintf("ckpt_%06d.json", cp.Iteration)
	final := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(s.dir, name+".tmp*")
	if err != nil {
		return "", errors.Wrap(err, "create checkpoint temp file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "write checkpoint")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "close checkpoint")
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "commit checkpoint")
	}
	return final, nil
}

// Load reads one checkpoint and validates its version.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read checkpoint")
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, errors.Wrap(err, "decode checkpoint")
	}
	if cp.Version != CheckpointVersion {
		return nil, errors.Errorf("checkpoint version %d is not supported (want %d)", cp.Version, CheckpointVersion)
	}
	return &cp, nil
}

// Latest returns the path of the newest checkpoint in a directory, or an
// error when none exists.
func Latest(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "ckpt_*.json"))
	if err != nil {
		return "", errors.Wrap(err, "scan checkpoints")
	}
	if len(matches) == 0 {
		return "", errors.Errorf("no checkpoints in %s", dir)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}
