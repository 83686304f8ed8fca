package optim

import "math"

// Schedule defines learning rate scheduling strategies.
type Schedule interface {
	// LR returns the learning rate for the given step.
	LR(step int) float64

	// Name returns the schedule name.
	Name() string
}

// ============================================================================
// Constant Schedule - Fixed learning rate
// ============================================================================

type ConstantSchedule struct {
	baseLR float64
}

func NewConstantSchedule(baseLR float64) *ConstantSchedule {
	return &ConstantSchedule{baseLR: baseLR}
}

func (s *ConstantSchedule) LR(step int) float64 {
	return s.baseLR
}

func (s *ConstantSchedule) Name() string {
	return "Constant"
}

// ============================================================================
// Inverse Time Decay Schedule - lr = lr0 / (1 + t/delay)^decay
// ============================================================================

type InverseTimeSchedule struct {
	baseLR float64
	delay  float64
	decay  float64
}

func NewInverseTimeSchedule(baseLR, delay, decay float64) *InverseTimeSchedule {
	return &InverseTimeSchedule{baseLR: baseLR, delay: delay, decay: decay}
}

func (s *InverseTimeSchedule) LR(step int) float64 {
	if s.delay <= 0 {
		return s.baseLR
	}
	return s.baseLR / math.Pow(1+float64(step)/s.delay, s.decay)
}

func (s *InverseTimeSchedule) Name() string {
	return "InverseTime"
}
