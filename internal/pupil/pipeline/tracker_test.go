package pipeline

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fixation.watch/internal/capture"
	"github.com/banshee-data/fixation.watch/internal/pupil"
	"github.com/banshee-data/fixation.watch/internal/pupil/contour"
	"github.com/banshee-data/fixation.watch/internal/pupil/locate"
	"github.com/banshee-data/fixation.watch/internal/testutil"
)

func mustTracker(t *testing.T, cfg Config) *Tracker {
	t.Helper()
	tr, err := NewTracker(cfg)
	require.NoError(t, err)
	return tr
}

func TestTracker_CentroidAccuracy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*capture.EyeSpec)
	}{
		{"centred disc", func(s *capture.EyeSpec) {}},
		{"off-centre disc", func(s *capture.EyeSpec) { s.Center = pupil.Point2D{X: 151.5, Y: 322.25} }},
		{"small disc", func(s *capture.EyeSpec) { s.RadiusX, s.RadiusY = 22, 22 }},
		{"ellipse", func(s *capture.EyeSpec) { s.RadiusX, s.RadiusY, s.Angle = 34, 26, 0.4 }},
		{"noisy with iris", func(s *capture.EyeSpec) {
			s.IrisRadius = 70
			s.Noise = 6
			s.Seed = 7
		}},
	}
	for _, strategy := range []locate.Strategy{locate.Exact, locate.Batched, locate.Estimated} {
		for _, tt := range tests {
			t.Run(string(strategy)+"/"+tt.name, func(t *testing.T) {
				spec := capture.DefaultEyeSpec()
				tt.mutate(&spec)
				cfg := DefaultConfig()
				cfg.Locator = strategy
				tr := mustTracker(t, cfg)

				st := pupil.NewTrackerState()
				res := tr.Process(testutil.SpecFrame(1, spec), st)
				require.Equal(t, OK, res.Outcome, "err = %v", res.Err)
				require.NotNil(t, res.Ellipse)
				assert.LessOrEqual(t, res.Ellipse.Center.Dist(spec.Center), 1.5,
					"fitted %v, true centre %v", res.Ellipse, spec.Center)
				assert.Equal(t, res.Winner, st.Winner)
				assert.Equal(t, res.Ellipse, st.Previous)
				assert.NotNil(t, st.Hint)
			})
		}
	}
}

func TestTracker_BatchDenoiser(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Denoiser = contour.Batch
	tr := mustTracker(t, cfg)
	c := pupil.Point2D{X: 300, Y: 200}
	res := tr.Process(testutil.EyeFrame(1, c, 30), pupil.NewTrackerState())
	require.Equal(t, OK, res.Outcome)
	assert.LessOrEqual(t, res.Ellipse.Center.Dist(c), 1.5)
}

var ignoreErrs = cmp.Options{
	cmpopts.IgnoreFields(FrameResult{}, "Err"),
	cmpopts.IgnoreFields(SlotResult{}, "Err"),
}

func TestTracker_Idempotent(t *testing.T) {
	t.Parallel()
	tr := mustTracker(t, DefaultConfig())
	st := pupil.NewTrackerState()
	spec := capture.DefaultEyeSpec()
	spec.Noise, spec.Seed = 5, 3
	for seq := uint64(1); seq <= 3; seq++ {
		spec.Center.Y += 2
		tr.Process(testutil.SpecFrame(seq, spec), st)
	}
	tr.Lock().Lock(st, pupil.Point2D{X: 320, Y: 240})

	spec.Center.X += 4
	f := testutil.SpecFrame(4, spec)
	a, b := st.Clone(), st.Clone()
	ra := tr.Process(f, a)
	rb := tr.Process(f, b)

	if diff := cmp.Diff(ra, rb, ignoreErrs); diff != "" {
		t.Errorf("Process() not idempotent (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("state diverged (-first +second):\n%s", diff)
	}
	require.NotNil(t, ra.Drift)
	assert.Equal(t, uint64(4), ra.Drift.Seq)
}

func TestTracker_SaturatedFrameLeavesStateUnchanged(t *testing.T) {
	t.Parallel()
	tr := mustTracker(t, DefaultConfig())
	st := pupil.NewTrackerState()
	require.Equal(t, OK, tr.Process(testutil.EyeFrame(1, pupil.Point2D{X: 320, Y: 240}, 30), st).Outcome)
	tr.Lock().Lock(st, pupil.Point2D{X: 320, Y: 240})
	before := st.Clone()

	for _, level := range []uint8{0, 255} {
		res := tr.Process(testutil.BlankFrame(2, 640, 480, level), st)
		assert.Equal(t, Skipped, res.Outcome)
		assert.True(t, errors.Is(res.Err, pupil.ErrNoCandidate), "err = %v", res.Err)
		assert.Nil(t, res.Ellipse)
		assert.Nil(t, res.Drift)
		assert.Nil(t, res.Candidate)
		if diff := cmp.Diff(before, st); diff != "" {
			t.Errorf("state changed on saturated frame (-before +after):\n%s", diff)
		}
	}
}

func TestTracker_AllThresholdsFailedReusesPrevious(t *testing.T) {
	t.Parallel()
	tr := mustTracker(t, DefaultConfig())
	st := pupil.NewTrackerState()
	first := tr.Process(testutil.EyeFrame(1, pupil.Point2D{X: 320, Y: 240}, 30), st)
	require.Equal(t, OK, first.Outcome)
	tr.Lock().Lock(st, first.Ellipse.Center)

	// A dot too small for any component to pass the area filter.
	res := tr.Process(testutil.EyeFrame(2, pupil.Point2D{X: 320, Y: 240}, 8), st)
	assert.Equal(t, Stale, res.Outcome)
	assert.True(t, errors.Is(res.Err, pupil.ErrAllThresholdsFailed))
	for _, s := range res.Slots {
		assert.True(t, errors.Is(s.Err, pupil.ErrNoValidContour), "slot %d: %v", s.Index, s.Err)
		assert.Nil(t, s.Ellipse)
	}
	assert.Equal(t, first.Ellipse, res.Ellipse)
	assert.Equal(t, first.Winner, res.Winner)
	require.NotNil(t, res.Drift)
	assert.True(t, res.Drift.Within)
	assert.Equal(t, 0.0, res.Drift.Distance)
}

func TestTracker_StaleBeforeFirstEllipse(t *testing.T) {
	t.Parallel()
	tr := mustTracker(t, DefaultConfig())
	st := pupil.NewTrackerState()
	res := tr.Process(testutil.EyeFrame(1, pupil.Point2D{X: 320, Y: 240}, 8), st)
	assert.Equal(t, Stale, res.Outcome)
	assert.Nil(t, res.Ellipse)
	assert.Equal(t, pupil.NoLock, st.Winner)
	assert.Nil(t, st.Previous)
}

func TestTracker_OutwardClusterNeverRaisesScore(t *testing.T) {
	t.Parallel()
	tr := mustTracker(t, DefaultConfig())
	c := pupil.Point2D{X: 320, Y: 240}

	clean := tr.Process(testutil.EyeFrame(1, c, 30), pupil.NewTrackerState())
	require.Equal(t, OK, clean.Outcome)

	// An eyelash-like dark bar attached to the right edge of the pupil.
	noisyFrame := testutil.EyeFrame(2, c, 30)
	g := noisyFrame.Gray
	for y := 236; y <= 244; y++ {
		for x := 345; x <= 375; x++ {
			g.Pix[g.PixOffset(x, y)] = 20
		}
	}
	noisy := tr.Process(noisyFrame, pupil.NewTrackerState())
	require.Equal(t, OK, noisy.Outcome)

	assert.LessOrEqual(t, noisy.Slots[noisy.Winner].Score, clean.Slots[clean.Winner].Score)
	// The denoiser drops the bar's sides and the refit drops its tip, so
	// the centre stays on the pupil.
	assert.Less(t, noisy.Ellipse.Center.Dist(c), 1.5)
}

func TestTracker_SearchWindowFallsBackToFullFrame(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.SearchWindow = 120
	tr := mustTracker(t, cfg)
	st := pupil.NewTrackerState()

	a := pupil.Point2D{X: 100, Y: 100}
	res := tr.Process(testutil.EyeFrame(1, a, 30), st)
	require.Equal(t, OK, res.Outcome)
	require.NotNil(t, st.Hint)
	assert.Less(t, st.Hint.Dist(a), 30.0)

	// A small move stays inside the window.
	b := pupil.Point2D{X: 110, Y: 104}
	res = tr.Process(testutil.EyeFrame(2, b, 30), st)
	require.Equal(t, OK, res.Outcome)
	assert.LessOrEqual(t, res.Ellipse.Center.Dist(b), 1.5)

	// A jump across the frame leaves the window entirely.
	c := pupil.Point2D{X: 500, Y: 380}
	res = tr.Process(testutil.EyeFrame(3, c, 30), st)
	require.Equal(t, OK, res.Outcome)
	assert.LessOrEqual(t, res.Ellipse.Center.Dist(c), 1.5)
}

func TestNewTracker_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"locator", func(c *Config) { c.Locator = "sobel" }},
		{"denoiser", func(c *Config) { c.Denoiser = "median" }},
		{"margin", func(c *Config) { c.Selector.Margin = -1 }},
		{"lock", func(c *Config) { c.LockThreshold = -5 }},
		{"window", func(c *Config) { c.Cascade.Window = 0 }},
		{"search window", func(c *Config) { c.SearchWindow = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := NewTracker(cfg)
			assert.Error(t, err)
		})
	}
}

func TestOutcome_MarshalText(t *testing.T) {
	b, err := Stale.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "stale", string(b))
	assert.Equal(t, "Outcome(7)", Outcome(7).String())
}
