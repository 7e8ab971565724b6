package train

// LinearSchedule decays the learning rate linearly from the base rate to
// exactly zero over the full training-step budget, with no warmup.
type LinearSchedule struct {
	BaseLR     float64
	TotalSteps int
}

// NewLinearSchedule creates a linear decay schedule over totalSteps
// optimizer steps.
func NewLinearSchedule(baseLR float64, totalSteps int) *LinearSchedule {
	if totalSteps <= 0 {
		totalSteps = 1
	}
	return &LinearSchedule{BaseLR: baseLR, TotalSteps: totalSteps}
}

// LR returns the learning rate for the given zero-based step. LR(0) is the
// base rate and LR(TotalSteps) is exactly zero.
func (s *LinearSchedule) LR(step int) float64 {
	if step >= s.TotalSteps {
		return 0
	}
	return s.BaseLR * float64(s.TotalSteps-step) / float64(s.TotalSteps)
}
