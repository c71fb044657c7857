package pipeline

import (
	"fmt"
	"time"

	"github.com/banshee-data/fixation.watch/internal/pupil"
	"github.com/banshee-data/fixation.watch/internal/pupil/fit"
	"github.com/banshee-data/fixation.watch/internal/pupil/selector"
)

// Outcome classifies a processed frame.
type Outcome int

const (
	// OK means a slot produced an ellipse and it was emitted.
	OK Outcome = iota
	// Skipped means no candidate was found; nothing changed.
	Skipped
	// Stale means every slot failed and the previous ellipse was reused.
	Stale
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Skipped:
		return "skipped"
	case Stale:
		return "stale"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// SlotResult is one threshold's contribution to a frame.
type SlotResult struct {
	Index   int            `json:"index"`
	Cutoff  uint8          `json:"cutoff"`
	Points  int            `json:"points"`
	Ellipse *pupil.Ellipse `json:"ellipse,omitempty"`
	Metrics fit.Metrics    `json:"metrics"`
	Score   float64        `json:"score"`
	Error   string         `json:"error,omitempty"`
	Err     error          `json:"-"`
}

// FrameResult is the per-frame output of the tracker.
type FrameResult struct {
	Seq        uint64                     `json:"seq"`
	Captured   time.Time                  `json:"captured"`
	Outcome    Outcome                    `json:"outcome"`
	Candidate  *pupil.Point2D             `json:"candidate,omitempty"`
	Slots      [selector.Slots]SlotResult `json:"slots"`
	Winner     int                        `json:"winner"`
	Transition selector.Transition        `json:"-"`
	Ellipse    *pupil.Ellipse             `json:"ellipse,omitempty"`
	Drift      *pupil.DriftEvent          `json:"drift,omitempty"`
	Error      string                     `json:"error,omitempty"`
	Err        error                      `json:"-"`
}

func (r *FrameResult) setErr(err error) {
	r.Err = err
	if err != nil {
		r.Error = err.Error()
	}
}

func (s *SlotResult) setErr(err error) {
	s.Err = err
	if err != nil {
		s.Error = err.Error()
	}
}
