package train

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the coordinator's own hyperparameters. It is immutable after
// construction; every knob the loop consults lives here rather than in
// process-wide state.
type Config struct {
	Iterations int `json:"iterations" yaml:"iterations"`

	// StatsEvery controls the stdout reporting cadence. Every iteration is
	// always appended to the record stream.
	StatsEvery int `json:"stats_every" yaml:"stats_every"`

	// SaveEvery is the wall-clock checkpoint cadence. Zero disables the
	// periodic cadence; a final checkpoint is still written at termination.
	SaveEvery time.Duration `json:"save_every" yaml:"save_every"`

	// RestorePath names a checkpoint to resume from. Empty means a fresh
	// start. A restore failure is fatal.
	RestorePath string `json:"restore_path,omitempty" yaml:"restore_path,omitempty"`

	// CheckLoss additionally writes a last-known-good checkpoint whenever a
	// non-finite update is rejected, preserving the pre-divergence state.
	CheckLoss bool `json:"check_loss" yaml:"check_loss"`

	// ClipEl clamps local energies beyond this many standard deviations
	// from the batch median before averaging. Zero disables clipping.
	ClipEl float64 `json:"clip_el" yaml:"clip_el"`

	RunDir  string `json:"run_dir" yaml:"run_dir"`
	Verbose bool   `json:"verbose" yaml:"verbose"`

	// Seed drives the run's root RNG when Deterministic is set; otherwise
	// the seed comes from the clock.
	Seed          uint64 `json:"seed" yaml:"seed"`
	Deterministic bool   `json:"deterministic" yaml:"deterministic"`
}

// DefaultConfig returns coordinator settings for a short training run.
func DefaultConfig() Config {
	return Config{
		Iterations: 1000,
		StatsEvery: 10,
		SaveEvery:  10 * time.Minute,
		CheckLoss:  true,
		ClipEl:     5.0,
		RunDir:     "runs",
		Verbose:    true,
	}
}

// Validate rejects a malformed configuration before any training happens.
func (c Config) Validate() error {
	if c.Iterations <= 0 {
		return errors.Errorf("iterations must be positive, got %d", c.Iterations)
	}
	if c.StatsEvery < 0 {
		return errors.Errorf("stats cadence must be non-negative, got %d", c.StatsEvery)
	}
	if c.SaveEvery < 0 {
		return errors.Errorf("save cadence must be non-negative, got %s", c.SaveEvery)
	}
	if c.ClipEl < 0 {
		return errors.Errorf("energy clip must be non-negative, got %g", c.ClipEl)
	}
	if c.RunDir == "" {
		return errors.New("run directory must be set")
	}
	return nil
}

// writeEffectiveConfig records the configuration a run actually used, so a
// results directory is self-describing.
func writeEffectiveConfig(runDir string, effective any) error {
	data, err := yaml.Marshal(effective)
	if err != nil {
		return errors.Wrap(err, "marshal effective config")
	}
	path := filepath.Join(runDir, "config.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "write effective config")
	}
	return nil
}
