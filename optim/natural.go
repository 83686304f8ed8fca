package optim

import (
	"encoding/json"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// NaturalConfig holds the curvature-aware variant's hyperparameters.
type NaturalConfig struct {
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate"`
	Delay        float64 `json:"delay" yaml:"delay"`
	Decay        float64 `json:"decay" yaml:"decay"`

	Damping              float64 `json:"damping" yaml:"damping"`
	MinDamping           float64 `json:"min_damping" yaml:"min_damping"`
	DampingAdaptInterval int     `json:"damping_adapt_interval" yaml:"damping_adapt_interval"` // 0 = fixed damping
	DampingAdaptDecay    float64 `json:"damping_adapt_decay" yaml:"damping_adapt_decay"`

	CovUpdateEvery int     `json:"cov_update_every" yaml:"cov_update_every"`
	CovEmaDecay    float64 `json:"cov_ema_decay" yaml:"cov_ema_decay"`
	InvertEvery    int     `json:"invert_every" yaml:"invert_every"`

	// NormConstraint caps the quadratic norm of the applied step under the
	// curvature estimate. 0 disables the trust region.
	NormConstraint float64 `json:"norm_constraint" yaml:"norm_constraint"`
}

// DefaultNaturalConfig returns the standard curvature-aware settings.
func DefaultNaturalConfig() NaturalConfig {
	return NaturalConfig{
		LearningRate:         5e-2,
		Delay:                1000,
		Decay:                1.0,
		Damping:              1e-3,
		MinDamping:           1e-5,
		DampingAdaptInterval: 10,
		DampingAdaptDecay:    0.9,
		CovUpdateEvery:       1,
		CovEmaDecay:          0.95,
		InvertEvery:          1,
		NormConstraint:       1e-3,
	}
}

// Validate rejects malformed hyperparameters at startup.
func (c NaturalConfig) Validate() error {
	if c.LearningRate <= 0 {
		return errors.Errorf("learning rate must be positive, got %g", c.LearningRate)
	}
	if c.Damping <= 0 {
		return errors.Errorf("damping must be positive, got %g", c.Damping)
	}
	if c.MinDamping <= 0 || c.MinDamping > c.Damping {
		return errors.Errorf("min damping %g must be positive and no larger than damping %g", c.MinDamping, c.Damping)
	}
	if c.DampingAdaptInterval > 0 && (c.DampingAdaptDecay <= 0 || c.DampingAdaptDecay >= 1) {
		return errors.Errorf("damping adaptation decay must be in (0,1), got %g", c.DampingAdaptDecay)
	}
	if c.CovUpdateEvery <= 0 || c.InvertEvery <= 0 {
		return errors.Errorf("curvature cadences must be positive (cov %d, invert %d)", c.CovUpdateEvery, c.InvertEvery)
	}
	if c.CovEmaDecay < 0 || c.CovEmaDecay >= 1 {
		return errors.Errorf("covariance EMA decay must be in [0,1), got %g", c.CovEmaDecay)
	}
	return nil
}

// NaturalGradient maintains a Fisher-style covariance estimate of the
// per-walker score vectors and applies damped natural-gradient steps
// Δθ = -(F+λI)⁻¹ g with a trust-region rescale. Damping λ adapts by
// comparing realized loss reduction against the quadratic model.
type NaturalGradient struct {
	cfg      NaturalConfig
	schedule Schedule
	dim      int

	fisher  *mat.SymDense
	haveCov bool
	damping float64
	step    int

	// Cached factorization of F + λI, refreshed on the invert cadence and
	// whenever F or λ changes.
	chol        mat.Cholesky
	cholOK      bool
	cholStale   bool
	cholDamping float64

	// Damping adaptation window.
	predWindow  float64
	lossAtAdapt float64
	haveLoss    bool

	lastQuadNorm float64

	// Scratch buffers.
	damped *mat.SymDense
	delta  *mat.VecDense
}

// NewNaturalGradient builds the curvature-aware optimizer for dim
// parameters.
func NewNaturalGradient(cfg NaturalConfig, dim int) (*NaturalGradient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &NaturalGradient{
		cfg:       cfg,
		schedule:  NewInverseTimeSchedule(cfg.LearningRate, cfg.Delay, cfg.Decay),
		dim:       dim,
		fisher:    mat.NewSymDense(dim, nil),
		damping:   cfg.Damping,
		cholStale: true,
		damped:    mat.NewSymDense(dim, nil),
		delta:     mat.NewVecDense(dim, nil),
	}, nil
}

// Damping returns the current damping value for telemetry.
func (o *NaturalGradient) Damping() float64 { return o.damping }

// LearningRate returns the schedule's current value for telemetry.
func (o *NaturalGradient) LearningRate() float64 { return o.schedule.LR(o.step) }

// LastQuadraticNorm returns the applied step's quadratic form under the
// curvature estimate, after any trust-region rescale.
func (o *NaturalGradient) LastQuadraticNorm() float64 { return o.lastQuadNorm }

// UpdateCurvature folds a batch of per-walker score vectors into the
// exponential moving average of the Fisher estimate. Scores are centered
// before the outer-product accumulation. Updates outside the configured
// cadence are skipped.
func (o *NaturalGradient) UpdateCurvature(scores [][]float64) {
	if len(scores) == 0 || o.step%o.cfg.CovUpdateEvery != 0 {
		return
	}
	n := len(scores)
	mean := make([]float64, o.dim)
	for _, s := range scores {
		for i, v := range s {
			mean[i] += v
		}
	}
	for i := range mean {
		mean[i] /= float64(n)
	}

	cov := mat.NewSymDense(o.dim, nil)
	centered := make([]float64, o.dim)
	for _, s := range scores {
		for i, v := range s {
			centered[i] = v - mean[i]
		}
		cov.SymRankOne(cov, 1/float64(n), mat.NewVecDense(o.dim, centered))
	}

	if !o.haveCov {
		o.fisher.CopySym(cov)
		o.haveCov = true
	} else {
		d := o.cfg.CovEmaDecay
		for i := 0; i < o.dim; i++ {
			for j := i; j < o.dim; j++ {
				o.fisher.SetSym(i, j, d*o.fisher.At(i, j)+(1-d)*cov.At(i, j))
			}
		}
	}
	o.cholStale = true
}

// Step applies one damped natural-gradient update. The factorization cache
// is refreshed on the invert cadence; a failed factorization is recovered
// by boosting damping, which the MinDamping floor guarantees terminates at
// a positive-definite system.
func (o *NaturalGradient) Step(params, grad []float64, loss float64) error {
	if err := checkUpdate(params, grad, loss); err != nil {
		return err
	}
	if len(params) != o.dim {
		return errors.Errorf("parameter length %d does not match optimizer dimension %d", len(params), o.dim)
	}

	o.adaptDamping(loss)

	if o.cholStale || o.damping != o.cholDamping || o.step%o.cfg.InvertEvery == 0 || !o.cholOK {
		o.refactorize()
	}

	g := mat.NewVecDense(o.dim, grad)
	if o.cholOK {
		if err := o.chol.SolveVecTo(o.delta, g); err != nil {
			o.delta.ScaleVec(1/o.damping, g)
		}
	} else {
		// Degenerate fallback: pure damped gradient.
		o.delta.ScaleVec(1/o.damping, g)
	}

	lr := o.schedule.LR(o.step)

	// Trust region: rescale so the applied step's quadratic form under F
	// does not exceed the constraint.
	quad := mat.Inner(o.delta, o.fisher, o.delta) * lr * lr
	scale := 1.0
	if o.cfg.NormConstraint > 0 && quad > o.cfg.NormConstraint {
		scale = sqrtRatio(o.cfg.NormConstraint, quad)
		quad = o.cfg.NormConstraint
	}
	o.lastQuadNorm = quad

	// Quadratic-model reduction for the applied step, accumulated for the
	// next damping adaptation window.
	eff := lr * scale
	gDotDelta := mat.Dot(g, o.delta) * eff
	pred := -gDotDelta + 0.5*(quad+o.damping*eff*eff*mat.Dot(o.delta, o.delta))
	o.predWindow += pred

	for i := range params {
		params[i] -= eff * o.delta.AtVec(i)
	}
	o.step++
	return nil
}

// adaptDamping runs the Levenberg-Marquardt style comparison at the start
// of each adaptation window boundary, using the loss measured before this
// step's update.
func (o *NaturalGradient) adaptDamping(loss float64) {
	if o.cfg.DampingAdaptInterval <= 0 {
		return
	}
	if !o.haveLoss {
		o.lossAtAdapt = loss
		o.haveLoss = true
		return
	}
	if o.step == 0 || o.step%o.cfg.DampingAdaptInterval != 0 {
		return
	}
	realized := loss - o.lossAtAdapt
	if o.predWindow < 0 {
		rho := realized / o.predWindow
		switch {
		case rho < 0.25:
			// Step underperformed the model: tighten.
			o.damping /= o.cfg.DampingAdaptDecay
			o.cholStale = true
		case rho > 0.75:
			// Model is trustworthy: relax toward the floor.
			o.damping *= o.cfg.DampingAdaptDecay
			if o.damping < o.cfg.MinDamping {
				o.damping = o.cfg.MinDamping
			}
			o.cholStale = true
		}
	}
	o.predWindow = 0
	o.lossAtAdapt = loss
}

// refactorize rebuilds the Cholesky decomposition of F + λI, boosting λ
// until the system is positive definite.
func (o *NaturalGradient) refactorize() {
	lambda := o.damping
	for try := 0; try < 40; try++ {
		o.damped.CopySym(o.fisher)
		for i := 0; i < o.dim; i++ {
			o.damped.SetSym(i, i, o.fisher.At(i, i)+lambda)
		}
		if o.chol.Factorize(o.damped) {
			o.cholOK = true
			o.cholStale = false
			o.cholDamping = o.damping
			if lambda != o.damping {
				// The boost that made the system definite becomes the new
				// working damping.
				o.damping = lambda
				o.cholDamping = lambda
			}
			return
		}
		lambda *= 10
	}
	o.cholOK = false
	o.cholStale = false
	o.cholDamping = o.damping
}

func sqrtRatio(num, den float64) float64 {
	if den <= 0 {
		return 1
	}
	r := num / den
	if r >= 1 {
		return 1
	}
	return math.Sqrt(r)
}

type naturalState struct {
	Type        string    `json:"type"`
	Step        int       `json:"step"`
	Dim         int       `json:"dim"`
	Fisher      []float64 `json:"fisher"`
	HaveCov     bool      `json:"have_cov"`
	Damping     float64   `json:"damping"`
	PredWindow  float64   `json:"pred_window"`
	LossAtAdapt float64   `json:"loss_at_adapt"`
	HaveLoss    bool      `json:"have_loss"`
}

func (o *NaturalGradient) State() ([]byte, error) {
	raw := make([]float64, o.dim*o.dim)
	for i := 0; i < o.dim; i++ {
		for j := 0; j < o.dim; j++ {
			raw[i*o.dim+j] = o.fisher.At(i, j)
		}
	}
	return json.Marshal(naturalState{
		Type:        "natural_gradient",
		Step:        o.step,
		Dim:         o.dim,
		Fisher:      raw,
		HaveCov:     o.haveCov,
		Damping:     o.damping,
		PredWindow:  o.predWindow,
		LossAtAdapt: o.lossAtAdapt,
		HaveLoss:    o.haveLoss,
	})
}

func (o *NaturalGradient) LoadState(data []byte) error {
	var st naturalState
	if err := json.Unmarshal(data, &st); err != nil {
		return errors.Wrap(err, "decode natural-gradient state")
	}
	if st.Type != "natural_gradient" {
		return errors.Errorf("invalid optimizer type: expected natural_gradient, got %s", st.Type)
	}
	if st.Dim != o.dim {
		return errors.Errorf("state dimension %d does not match optimizer dimension %d", st.Dim, o.dim)
	}
	for i := 0; i < o.dim; i++ {
		for j := i; j < o.dim; j++ {
			o.fisher.SetSym(i, j, st.Fisher[i*o.dim+j])
		}
	}
	o.haveCov = st.HaveCov
	o.damping = st.Damping
	o.step = st.Step
	o.predWindow = st.PredWindow
	o.lossAtAdapt = st.LossAtAdapt
	o.haveLoss = st.HaveLoss
	o.cholStale = true
	o.cholOK = false
	return nil
}

func (o *NaturalGradient) Name() string {
	return "NaturalGradient"
}
