package optim

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// MomentumConfig holds the first-order variant's hyperparameters.
type MomentumConfig struct {
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate"`
	Delay        float64 `json:"delay" yaml:"delay"` // LR decay delay (iterations)
	Decay        float64 `json:"decay" yaml:"decay"` // LR decay exponent
	Momentum     float64 `json:"momentum" yaml:"momentum"`
}

// DefaultMomentumConfig returns the standard first-order settings.
func DefaultMomentumConfig() MomentumConfig {
	return MomentumConfig{
		LearningRate: 1e-2,
		Delay:        1000,
		Decay:        1.0,
		Momentum:     0.9,
	}
}

// Validate rejects malformed hyperparameters at startup.
func (c MomentumConfig) Validate() error {
	if c.LearningRate <= 0 {
		return errors.Errorf("learning rate must be positive, got %g", c.LearningRate)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return errors.Errorf("momentum must be in [0,1), got %g", c.Momentum)
	}
	return nil
}

// Momentum is an exponential-moving-average momentum optimizer with an
// inverse-time decaying learning rate. It is the simpler fallback when the
// curvature-aware variant is not wanted.
type Momentum struct {
	cfg      MomentumConfig
	schedule Schedule
	step     int
	velocity []float64
}

// NewMomentum builds the first-order optimizer for dim parameters.
func NewMomentum(cfg MomentumConfig, dim int) (*Momentum, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Momentum{
		cfg:      cfg,
		schedule: NewInverseTimeSchedule(cfg.LearningRate, cfg.Delay, cfg.Decay),
		velocity: make([]float64, dim),
	}, nil
}

// LearningRate returns the schedule's current value for telemetry.
func (o *Momentum) LearningRate() float64 { return o.schedule.LR(o.step) }

// Step applies v = m·v + g, θ -= lr(t)·v. Non-finite input leaves params
// and the momentum buffer untouched.
func (o *Momentum) Step(params, grad []float64, loss float64) error {
	if err := checkUpdate(params, grad, loss); err != nil {
		return err
	}
	lr := o.schedule.LR(o.step)
	for i := range params {
		o.velocity[i] = o.cfg.Momentum*o.velocity[i] + grad[i]
		params[i] -= lr * o.velocity[i]
	}
	o.step++
	return nil
}

type momentumState struct {
	Type     string    `json:"type"`
	Step     int       `json:"step"`
	Velocity []float64 `json:"velocity"`
}

func (o *Momentum) State() ([]byte, error) {
	return json.Marshal(momentumState{
		Type:     "momentum",
		Step:     o.step,
		Velocity: o.velocity,
	})
}

func (o *Momentum) LoadState(data []byte) error {
	var st momentumState
	if err := json.Unmarshal(data, &st); err != nil {
		return errors.Wrap(err, "decode momentum state")
	}
	if st.Type != "momentum" {
		return errors.Errorf("invalid optimizer type: expected momentum, got %s", st.Type)
	}
	if len(st.Velocity) != len(o.velocity) {
		return errors.Errorf("velocity length %d does not match parameter count %d", len(st.Velocity), len(o.velocity))
	}
	o.step = st.Step
	o.velocity = st.Velocity
	return nil
}

func (o *Momentum) Name() string {
	return "Momentum"
}
