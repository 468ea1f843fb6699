package sites

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

var ErrInvalidBands = errors.New("invalid scoring bands")

// Point is one breakpoint of a piecewise-linear curve.
type Point struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
}

// Curve interpolates linearly between breakpoints and holds the end values
// outside them.
type Curve []Point

func (c Curve) At(x float64) float64 {
	if len(c) == 0 || math.IsNaN(x) {
		return 0
	}
	if x <= c[0].X {
		return c[0].Y
	}
	last := c[len(c)-1]
	if x >= last.X {
		return last.Y
	}
	i := sort.Search(len(c), func(i int) bool { return c[i].X >= x })
	lo, hi := c[i-1], c[i]
	if hi.X == lo.X {
		return hi.Y
	}
	return lo.Y + (x-lo.X)*(hi.Y-lo.Y)/(hi.X-lo.X)
}

func (c Curve) validate(name string) error {
	if len(c) < 2 {
		return fmt.Errorf("%w: %s needs at least two breakpoints", ErrInvalidBands, name)
	}
	for i, p := range c {
		if p.Y < 0 || p.Y > 1 {
			return fmt.Errorf("%w: %s value %.3f outside [0,1]", ErrInvalidBands, name, p.Y)
		}
		if i > 0 && p.X < c[i-1].X {
			return fmt.Errorf("%w: %s breakpoints not ascending", ErrInvalidBands, name)
		}
	}
	return nil
}

func (c Curve) nonIncreasing() bool {
	for i := 1; i < len(c); i++ {
		if c[i].Y > c[i-1].Y {
			return false
		}
	}
	return true
}

type Weights struct {
	Capability float64 `yaml:"capability" json:"capability"`
	Experience float64 `yaml:"experience" json:"experience"`
	Population float64 `yaml:"population" json:"population"`
	Capacity   float64 `yaml:"capacity" json:"capacity"`
}

func (w Weights) sum() float64 {
	return w.Capability + w.Experience + w.Population + w.Capacity
}

// Bands holds every tunable of site feasibility scoring.
type Bands struct {
	Weights Weights `yaml:"weights" json:"weights"`
	// Capability maps LOINC coverage, Population the patients-to-target ratio
	// and Capacity the utilisation of concurrent trial slots.
	Capability Curve `yaml:"capability" json:"capability"`
	Population Curve `yaml:"population" json:"population"`
	Capacity   Curve `yaml:"capacity" json:"capacity"`
	// ExperienceSaturation is the chapter trial count that earns full experience.
	ExperienceSaturation int `yaml:"experience_saturation" json:"experience_saturation"`
	// NeutralScore applies when the trial gives nothing to score against.
	NeutralScore float64 `yaml:"neutral_score" json:"neutral_score"`
	// PatientSaturation is the assigned patient count at which a site's
	// assignment share stops adding priority.
	PatientSaturation   int     `yaml:"patient_saturation" json:"patient_saturation"`
	PriorityFeasibility float64 `yaml:"priority_feasibility" json:"priority_feasibility"`
}

func DefaultBands() Bands {
	return Bands{
		Weights:    Weights{Capability: 0.30, Experience: 0.25, Population: 0.30, Capacity: 0.15},
		Capability: Curve{{0, 0}, {0.5, 0.5}, {0.8, 0.8}, {1, 1}},
		Population: Curve{{0, 0}, {1, 0.3}, {5, 0.6}, {10, 0.8}, {20, 1}},
		Capacity:   Curve{{0, 1}, {0.5, 1}, {0.85, 0.5}, {0.95, 0.2}, {1, 0}},

		ExperienceSaturation: 50,
		NeutralScore:         0.5,
		PatientSaturation:    100,
		PriorityFeasibility:  0.6,
	}
}

func (b Bands) Validate() error {
	if math.Abs(b.Weights.sum()-1) > 1e-6 {
		return fmt.Errorf("%w: weights sum to %.3f", ErrInvalidBands, b.Weights.sum())
	}
	for _, w := range []float64{b.Weights.Capability, b.Weights.Experience, b.Weights.Population, b.Weights.Capacity} {
		if w < 0 {
			return fmt.Errorf("%w: negative weight", ErrInvalidBands)
		}
	}
	if err := b.Capability.validate("capability"); err != nil {
		return err
	}
	if err := b.Population.validate("population"); err != nil {
		return err
	}
	if err := b.Capacity.validate("capacity"); err != nil {
		return err
	}
	if !b.Capacity.nonIncreasing() {
		return fmt.Errorf("%w: capacity must not rise with utilisation", ErrInvalidBands)
	}
	if b.ExperienceSaturation <= 0 || b.PatientSaturation <= 0 {
		return fmt.Errorf("%w: saturation values must be positive", ErrInvalidBands)
	}
	if b.NeutralScore < 0 || b.NeutralScore > 1 || b.PriorityFeasibility < 0 || b.PriorityFeasibility > 1 {
		return fmt.Errorf("%w: neutral score and priority weight must lie in [0,1]", ErrInvalidBands)
	}
	return nil
}

// LoadBands overlays a YAML file on the defaults. An empty path returns the defaults.
func LoadBands(path string) (Bands, error) {
	bands := DefaultBands()
	if path == "" {
		return bands, nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Bands{}, err
	}
	if err := yaml.Unmarshal(content, &bands); err != nil {
		return Bands{}, fmt.Errorf("parse scoring bands: %w", err)
	}
	if err := bands.Validate(); err != nil {
		return Bands{}, err
	}
	return bands, nil
}
