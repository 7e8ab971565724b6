package train

import (
	"math"
	"testing"
)

func TestLinearScheduleEndpoints(t *testing.T) {
	s := NewLinearSchedule(1e-6, 30)
	if got := s.LR(0); got != 1e-6 {
		t.Errorf("LR(0) = %g, want the base rate", got)
	}
	if got := s.LR(30); got != 0 {
		t.Errorf("LR(TotalSteps) = %g, want exactly 0", got)
	}
	if got := s.LR(100); got != 0 {
		t.Errorf("LR past the end = %g, want 0", got)
	}
}

func TestLinearScheduleMonotoneDecrease(t *testing.T) {
	s := NewLinearSchedule(0.01, 100)
	prev := math.Inf(1)
	for step := 0; step <= 100; step++ {
		lr := s.LR(step)
		if lr >= prev {
			t.Fatalf("LR(%d) = %g did not decrease from %g", step, lr, prev)
		}
		if lr < 0 {
			t.Fatalf("LR(%d) = %g is negative", step, lr)
		}
		prev = lr
	}
}

func TestLinearScheduleIsLinear(t *testing.T) {
	s := NewLinearSchedule(1.0, 10)
	for step := 0; step <= 10; step++ {
		want := float64(10-step) / 10
		if got := s.LR(step); math.Abs(got-want) > 1e-15 {
			t.Errorf("LR(%d) = %g, want %g", step, got, want)
		}
	}
}

func TestLinearScheduleNoWarmup(t *testing.T) {
	s := NewLinearSchedule(0.5, 1000)
	if s.LR(0) != 0.5 {
		t.Error("schedule must start at the base rate with no warmup plateau")
	}
	if s.LR(1) >= s.LR(0) {
		t.Error("schedule must decay from the very first step")
	}
}

func TestLinearScheduleDegenerateBudget(t *testing.T) {
	s := NewLinearSchedule(0.1, 0)
	if got := s.LR(0); got != 0.1 {
		t.Errorf("LR(0) = %g, want 0.1", got)
	}
	if got := s.LR(1); got != 0 {
		t.Errorf("LR(1) = %g, want 0", got)
	}
}
