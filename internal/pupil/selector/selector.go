// Package selector picks the winning threshold slot each frame, with
// hysteresis so that near-equal fits do not flip the output between
// thresholds.
package selector

import (
	"fmt"

	"github.com/banshee-data/fixation.watch/internal/pupil"
)

// Slots is the number of threshold results compared per frame.
const Slots = 3

// Candidate is one slot's scored ellipse.
type Candidate struct {
	Ellipse pupil.Ellipse `json:"ellipse"`
	Score   float64       `json:"score"`
}

// Mode selects how the switching margin is applied.
type Mode string

const (
	// Relative requires score[best] > score[prev]·(1+Margin).
	Relative Mode = "relative"
	// Absolute requires score[best] − score[prev] > Margin.
	Absolute Mode = "absolute"
)

// Config holds the hysteresis margin.
type Config struct {
	Margin float64 `json:"margin"`
	Mode   Mode    `json:"mode"`
}

func DefaultConfig() Config {
	return Config{Margin: 0.25, Mode: Relative}
}

// Validate rejects negative margins and unknown modes.
func (c Config) Validate() error {
	if c.Margin < 0 {
		return fmt.Errorf("margin must be non-negative, got %g", c.Margin)
	}
	switch c.Mode {
	case Relative, Absolute, "":
	default:
		return fmt.Errorf("unknown margin mode %q", c.Mode)
	}
	return nil
}

// Transition describes how the winner changed.
type Transition int

const (
	Retained Transition = iota
	Switched
	Acquired
	Lost
)

func (t Transition) String() string {
	switch t {
	case Retained:
		return "retained"
	case Switched:
		return "switched"
	case Acquired:
		return "acquired"
	case Lost:
		return "lost"
	default:
		return fmt.Sprintf("Transition(%d)", int(t))
	}
}

// Decision is the outcome of one selection.
type Decision struct {
	// Index is the winning slot, or the previous winner when OK is false.
	Index int
	// OK is false when no slot produced a candidate.
	OK bool
	// Best is the highest scoring slot this frame, or pupil.NoLock.
	Best       int
	Transition Transition
}

// Selector applies Config to successive frames. It holds no state; the
// previous winner is passed in by the caller.
type Selector struct {
	cfg Config
}

func New(cfg Config) (*Selector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode == "" {
		cfg.Mode = Relative
	}
	return &Selector{cfg: cfg}, nil
}

func (s *Selector) Config() Config { return s.cfg }

// Select returns the winning slot given this frame's results and the
// previous winner. Ties go to the lowest index. An incumbent slot is only
// displaced when the best score beats it by more than the margin.
func (s *Selector) Select(results [Slots]*Candidate, prev int) Decision {
	best := pupil.NoLock
	for i, r := range results {
		if r == nil {
			continue
		}
		if best == pupil.NoLock || r.Score > results[best].Score {
			best = i
		}
	}
	if best == pupil.NoLock {
		return Decision{Index: prev, OK: false, Best: best, Transition: Lost}
	}

	switch {
	case prev == pupil.NoLock || prev < 0 || prev >= Slots:
		return Decision{Index: best, OK: true, Best: best, Transition: Acquired}
	case best == prev:
		return Decision{Index: prev, OK: true, Best: best, Transition: Retained}
	case results[prev] == nil:
		return Decision{Index: best, OK: true, Best: best, Transition: Switched}
	}

	if s.exceedsMargin(results[best].Score, results[prev].Score) {
		return Decision{Index: best, OK: true, Best: best, Transition: Switched}
	}
	return Decision{Index: prev, OK: true, Best: best, Transition: Retained}
}

func (s *Selector) exceedsMargin(best, incumbent float64) bool {
	if s.cfg.Mode == Absolute {
		return best-incumbent > s.cfg.Margin
	}
	return best > incumbent*(1+s.cfg.Margin)
}
