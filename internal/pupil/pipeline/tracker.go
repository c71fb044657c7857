// Package pipeline composes the pupil stages into a per-frame Tracker and
// runs it over a frame source in a Session.
package pipeline

import (
	"errors"
	"fmt"
	"image"

	"github.com/banshee-data/fixation.watch/internal/pupil"
	"github.com/banshee-data/fixation.watch/internal/pupil/cascade"
	"github.com/banshee-data/fixation.watch/internal/pupil/contour"
	"github.com/banshee-data/fixation.watch/internal/pupil/fit"
	"github.com/banshee-data/fixation.watch/internal/pupil/locate"
	"github.com/banshee-data/fixation.watch/internal/pupil/poslock"
	"github.com/banshee-data/fixation.watch/internal/pupil/selector"
)

// Config gathers the parameters of every stage.
type Config struct {
	Locator       locate.Strategy
	Locate        locate.Params
	Cascade       cascade.Params
	Extract       contour.ExtractParams
	Denoiser      contour.DenoiseStrategy
	Denoise       contour.DenoiseParams
	Fit           fit.Params
	Selector      selector.Config
	LockThreshold float64
	// SearchWindow restricts the locator to a square of this side around
	// the previous candidate. Zero searches the full frame.
	SearchWindow int
}

func DefaultConfig() Config {
	return Config{
		Locator:       locate.Batched,
		Locate:        locate.DefaultParams(),
		Cascade:       cascade.DefaultParams(),
		Extract:       contour.DefaultExtractParams(),
		Denoiser:      contour.PerPoint,
		Denoise:       contour.DefaultDenoiseParams(),
		Fit:           fit.DefaultParams(),
		Selector:      selector.DefaultConfig(),
		LockThreshold: poslock.DefaultThreshold,
	}
}

// Tracker runs one frame through every stage. It holds configuration only;
// all carried state is in the TrackerState passed to Process.
type Tracker struct {
	locator      locate.Locator
	cascade      *cascade.Cascade
	extractor    *contour.Extractor
	denoiser     contour.Denoiser
	fitter       *fit.Fitter
	selector     *selector.Selector
	lock         *poslock.PositionLock
	searchWindow int
}

func NewTracker(cfg Config) (*Tracker, error) {
	loc, err := locate.New(cfg.Locator, cfg.Locate)
	if err != nil {
		return nil, err
	}
	cas, err := cascade.New(cfg.Cascade)
	if err != nil {
		return nil, err
	}
	den, err := contour.NewDenoiser(cfg.Denoiser, cfg.Denoise)
	if err != nil {
		return nil, err
	}
	sel, err := selector.New(cfg.Selector)
	if err != nil {
		return nil, err
	}
	lock, err := poslock.New(cfg.LockThreshold)
	if err != nil {
		return nil, err
	}
	if cfg.SearchWindow < 0 {
		return nil, fmt.Errorf("search window must be non-negative, got %d", cfg.SearchWindow)
	}
	return &Tracker{
		locator:      loc,
		cascade:      cas,
		extractor:    contour.NewExtractor(cfg.Extract),
		denoiser:     den,
		fitter:       fit.New(cfg.Fit),
		selector:     sel,
		lock:         lock,
		searchWindow: cfg.SearchWindow,
	}, nil
}

// Lock exposes the position lock so the session can apply lock requests
// between frames.
func (t *Tracker) Lock() *poslock.PositionLock { return t.lock }

// Process runs one frame. st is updated in place: Winner and Previous on a
// successful selection, Hint whenever a candidate is found. A skipped frame
// leaves st untouched.
func (t *Tracker) Process(f *pupil.Frame, st *pupil.TrackerState) *FrameResult {
	res := &FrameResult{Seq: f.Seq, Captured: f.Captured, Winner: st.Winner}
	for i := range res.Slots {
		res.Slots[i].Index = i
	}

	// Step 1: darkest region, near the last candidate when configured
	candidate, err := t.locate(f, st)
	if err != nil {
		res.Outcome = Skipped
		res.setErr(err)
		return res
	}

	// Step 2: threshold cascade
	masks, err := t.cascade.Apply(f, candidate)
	if err != nil {
		res.Outcome = Skipped
		res.setErr(err)
		return res
	}
	res.Candidate = &candidate
	hint := candidate
	st.Hint = &hint

	// Step 3: contour, denoise and fit per slot
	var cands [selector.Slots]*selector.Candidate
	for i, m := range masks {
		slot := &res.Slots[i]
		if m == nil {
			slot.setErr(fmt.Errorf("slot %d: %w", i, pupil.ErrEmptyWindow))
			continue
		}
		slot.Cutoff = m.Cutoff
		r, err := t.fitSlot(m)
		if err != nil {
			slot.setErr(fmt.Errorf("slot %d (cutoff %d): %w", i, m.Cutoff, err))
			continue
		}
		e := r.Ellipse
		slot.Ellipse = &e
		slot.Points = r.Metrics.Support
		slot.Metrics = r.Metrics
		slot.Score = r.Score
		cands[i] = &selector.Candidate{Ellipse: r.Ellipse, Score: r.Score}
	}

	// Step 4: hysteresis selection
	d := t.selector.Select(cands, st.Winner)
	res.Transition = d.Transition
	if d.OK {
		st.Winner = d.Index
		e := cands[d.Index].Ellipse
		st.Previous = &e
		res.Outcome = OK
	} else {
		res.Outcome = Stale
		res.setErr(fmt.Errorf("frame %d: %w", f.Seq, pupil.ErrAllThresholdsFailed))
	}
	res.Winner = st.Winner
	if st.Previous != nil {
		e := *st.Previous
		res.Ellipse = &e
	}

	// Step 5: drift against the lock, also on a retained ellipse
	if res.Ellipse != nil {
		if ev, ok := t.lock.Check(st, res.Ellipse.Center); ok {
			ev.Seq = f.Seq
			res.Drift = &ev
		}
	}
	return res
}

func (t *Tracker) locate(f *pupil.Frame, st *pupil.TrackerState) (pupil.Point2D, error) {
	full := f.Bounds()
	if t.searchWindow > 0 && st.Hint != nil {
		c := st.Hint.Image()
		h := t.searchWindow / 2
		region := image.Rect(c.X-h, c.Y-h, c.X-h+t.searchWindow, c.Y-h+t.searchWindow)
		p, err := t.locator.Locate(f, region)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, pupil.ErrNoCandidate) {
			return pupil.Point2D{}, err
		}
		// The pupil may have left the window; fall back to the full frame.
	}
	return t.locator.Locate(f, full)
}

func (t *Tracker) fitSlot(m *cascade.Mask) (*fit.Result, error) {
	set, err := t.extractor.Extract(m.Bits)
	if err != nil {
		return nil, err
	}
	set, err = t.denoiser.Denoise(set)
	if err != nil {
		return nil, err
	}
	return t.fitter.Fit(set)
}
