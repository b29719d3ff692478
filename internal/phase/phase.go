// Package phase classifies each frame into Standing, Transition or Deep and
// recognizes complete repetitions from the sequence of phases.
package phase

import (
	"fmt"
	"strings"

	"github.com/meltforce/repform/internal/exercise"
)

// Phase is a coarse body position.
type Phase string

const (
	Standing   Phase = "s1"
	Transition Phase = "s2"
	Deep       Phase = "s3"
)

// Name returns the human readable phase name.
func (p Phase) Name() string {
	switch p {
	case Standing:
		return "standing"
	case Transition:
		return "transition"
	case Deep:
		return "deep"
	}
	return "unknown"
}

// adjacent reports whether a single step from p to q is allowed.
func (p Phase) adjacent(q Phase) bool {
	switch p {
	case Standing, Deep:
		return q == Transition
	case Transition:
		return q == Standing || q == Deep
	}
	return false
}

// ValidPattern is the phase sequence of one full repetition.
var ValidPattern = []Phase{Standing, Transition, Deep, Transition, Standing}

// SkillMode tunes how forgiving the thresholds are.
type SkillMode int

const (
	Beginner SkillMode = iota
	Pro
)

func (m SkillMode) String() string {
	switch m {
	case Beginner:
		return "beginner"
	case Pro:
		return "pro"
	}
	return fmt.Sprintf("SkillMode(%d)", int(m))
}

// ParseSkillMode accepts "beginner" or "pro". The empty string is Beginner.
func ParseSkillMode(s string) (SkillMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "beginner":
		return Beginner, nil
	case "pro":
		return Pro, nil
	}
	return Beginner, fmt.Errorf("unknown skill mode %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m SkillMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *SkillMode) UnmarshalText(b []byte) error {
	v, err := ParseSkillMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// multipliers returns the tolerance and hysteresis scale for the mode.
func (m SkillMode) multipliers() (tolerance, hysteresis float64) {
	switch m {
	case Pro:
		return 0.8, 0.7
	default:
		return 1.2, 1.5
	}
}

// Thresholds are the effective angles the machine compares against.
type Thresholds struct {
	Standing   float64 `json:"standing"`
	Deep       float64 `json:"deep"`
	Hysteresis float64 `json:"hysteresis"`
}

// ThresholdsFor scales an exercise's base thresholds for a skill mode. The
// tolerance widens both thresholds toward the middle of the range so that
// a more forgiving mode reaches Deep sooner and counts as Standing earlier.
func ThresholdsFor(def exercise.Definition, mode SkillMode) Thresholds {
	tm, hm := mode.multipliers()
	tol := def.Tolerance * tm
	return Thresholds{
		Standing:   def.StandingThreshold - tol,
		Deep:       def.DeepThreshold + tol,
		Hysteresis: def.Hysteresis * hm,
	}
}

// next applies one step of the transition function.
func (t Thresholds) next(from Phase, angle float64) Phase {
	switch from {
	case Standing:
		if angle < t.Standing-t.Hysteresis {
			return Transition
		}
	case Transition:
		if angle > t.Standing {
			return Standing
		}
		if angle < t.Deep {
			return Deep
		}
	case Deep:
		if angle > t.Deep+t.Hysteresis {
			return Transition
		}
	}
	return from
}
