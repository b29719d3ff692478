// Package exercise holds the per-exercise thresholds used by the phase
// machine, the form analysis and the scoring weights.
package exercise

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/meltforce/repform/internal/pose"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var builtin []byte

// ErrUnknownExercise is returned by Get for ids not in the catalog.
var ErrUnknownExercise = errors.New("unknown exercise")

// Joint is the joint whose angle drives the phase machine.
type Joint string

const (
	JointKnee  Joint = "knee"
	JointHip   Joint = "hip"
	JointElbow Joint = "elbow"
)

// Range is an inclusive angle range in degrees.
type Range struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Contains reports whether v lies in [Min, Max].
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Weights are the scoring weights of the five breakdown dimensions. They
// sum to 1 after loading.
type Weights struct {
	Alignment     float64 `yaml:"alignment" json:"alignment"`
	Posture       float64 `yaml:"posture" json:"posture"`
	RangeOfMotion float64 `yaml:"range_of_motion" json:"range_of_motion"`
	Timing        float64 `yaml:"timing" json:"timing"`
	Consistency   float64 `yaml:"consistency" json:"consistency"`
}

// DefaultWeights are used for exercises that do not set their own.
var DefaultWeights = Weights{Alignment: 0.25, Posture: 0.25, RangeOfMotion: 0.25, Timing: 0.10, Consistency: 0.15}

func (w Weights) sum() float64 {
	return w.Alignment + w.Posture + w.RangeOfMotion + w.Timing + w.Consistency
}

// Normalized scales the weights to sum to 1. Zero weights become
// DefaultWeights.
func (w Weights) Normalized() Weights {
	s := w.sum()
	if s <= 0 {
		return DefaultWeights
	}
	return Weights{
		Alignment:     w.Alignment / s,
		Posture:       w.Posture / s,
		RangeOfMotion: w.RangeOfMotion / s,
		Timing:        w.Timing / s,
		Consistency:   w.Consistency / s,
	}
}

// Definition describes one exercise.
type Definition struct {
	ID                string  `yaml:"id" json:"id"`
	Name              string  `yaml:"name" json:"name"`
	Joint             Joint   `yaml:"joint" json:"joint"`
	StandingThreshold float64 `yaml:"standing_threshold" json:"standing_threshold"`
	DeepThreshold     float64 `yaml:"deep_threshold" json:"deep_threshold"`
	Hysteresis        float64 `yaml:"hysteresis" json:"hysteresis"`
	Tolerance         float64 `yaml:"tolerance" json:"tolerance"`
	PerfectRange      Range   `yaml:"perfect_range" json:"perfect_range"`
	MinRepSeconds     float64 `yaml:"min_rep_seconds" json:"min_rep_seconds"`
	// MinHipAngle flags forward lean below this hip angle. Zero disables
	// the check.
	MinHipAngle    float64 `yaml:"min_hip_angle" json:"min_hip_angle"`
	MaxOffsetAngle float64 `yaml:"max_offset_angle" json:"max_offset_angle"`
	Weights        Weights `yaml:"weights" json:"weights"`
}

// DriveAngle picks the angle that moves the phase machine.
func (d Definition) DriveAngle(a pose.ExerciseAngles) float64 {
	switch d.Joint {
	case JointHip:
		return a.Hip
	case JointElbow:
		return a.Elbow
	}
	return a.Knee
}

func (d *Definition) validate() error {
	if d.ID == "" {
		return errors.New("missing id")
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.Joint == "" {
		d.Joint = JointKnee
	}
	switch d.Joint {
	case JointKnee, JointHip, JointElbow:
	default:
		return fmt.Errorf("%s: unsupported joint %q", d.ID, d.Joint)
	}
	if d.StandingThreshold <= d.DeepThreshold {
		return fmt.Errorf("%s: standing_threshold %.1f must exceed deep_threshold %.1f",
			d.ID, d.StandingThreshold, d.DeepThreshold)
	}
	if d.DeepThreshold <= 0 || d.StandingThreshold > 180 {
		return fmt.Errorf("%s: thresholds must lie in (0, 180]", d.ID)
	}
	if d.Hysteresis < 0 || d.Tolerance < 0 {
		return fmt.Errorf("%s: hysteresis and tolerance must not be negative", d.ID)
	}
	if d.PerfectRange.Min > d.PerfectRange.Max {
		return fmt.Errorf("%s: perfect_range min exceeds max", d.ID)
	}
	if math.IsNaN(d.Weights.sum()) || d.Weights.Alignment < 0 || d.Weights.Posture < 0 ||
		d.Weights.RangeOfMotion < 0 || d.Weights.Timing < 0 || d.Weights.Consistency < 0 {
		return fmt.Errorf("%s: weights must not be negative", d.ID)
	}
	d.Weights = d.Weights.Normalized()
	return nil
}

// Catalog is an immutable set of exercise definitions.
type Catalog struct {
	defs map[string]Definition
}

type catalogFile struct {
	Exercises []Definition `yaml:"exercises"`
}

// Default returns the built-in catalog.
func Default() (*Catalog, error) {
	return Parse(builtin)
}

// Parse decodes a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	c := &Catalog{defs: make(map[string]Definition)}
	if err := c.merge(data); err != nil {
		return nil, err
	}
	return c, nil
}

// Load returns the built-in catalog with the definitions in path added or
// replaced by id. An empty path loads only the built-ins.
func Load(path string) (*Catalog, error) {
	c, err := Default()
	if err != nil {
		return nil, fmt.Errorf("parsing built-in catalog: %w", err)
	}
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading exercise catalog: %w", err)
	}
	if err := c.merge(data); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return c, nil
}

func (c *Catalog) merge(data []byte) error {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("decoding catalog: %w", err)
	}
	for _, d := range f.Exercises {
		if err := d.validate(); err != nil {
			return fmt.Errorf("invalid exercise: %w", err)
		}
		c.defs[d.ID] = d
	}
	return nil
}

// Get looks up an exercise by id.
func (c *Catalog) Get(id string) (Definition, error) {
	d, ok := c.defs[id]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownExercise, id)
	}
	return d, nil
}

// List returns all definitions sorted by id.
func (c *Catalog) List() []Definition {
	out := make([]Definition, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Weights returns the scoring weights of every exercise keyed by id.
func (c *Catalog) Weights() map[string]Weights {
	out := make(map[string]Weights, len(c.defs))
	for id, d := range c.defs {
		out[id] = d.Weights
	}
	return out
}
