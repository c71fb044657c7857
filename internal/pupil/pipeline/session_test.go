package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fixation.watch/internal/capture"
	"github.com/banshee-data/fixation.watch/internal/monitoring"
	"github.com/banshee-data/fixation.watch/internal/pupil"
	"github.com/banshee-data/fixation.watch/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

// driftPath is frames 1 to 4 at (100,100) then six frames stepping 6px
// down to (100,130).
func driftPath() []pupil.Point2D {
	path := []pupil.Point2D{{X: 100, Y: 100}, {X: 100, Y: 100}, {X: 100, Y: 100}, {X: 100, Y: 100}}
	return append(path, capture.LinearPath(pupil.Point2D{X: 100, Y: 100}, pupil.Point2D{X: 100, Y: 130}, 6)...)
}

type recorder struct {
	mu      sync.Mutex
	results []*FrameResult
}

func (r *recorder) ObserveFrame(res *FrameResult) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

func newSession(t *testing.T, cfg Config, src capture.Source, opts ...SessionOption) *Session {
	t.Helper()
	return NewSession(mustTracker(t, cfg), src, opts...)
}

func TestSession_EndToEndDrift(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.LockThreshold = 20
	src := capture.NewSyntheticSource(capture.DefaultEyeSpec(), driftPath())
	s := newSession(t, cfg, src)
	rec := &recorder{}
	s.AddObserver(rec)

	_, err := s.Lock(&pupil.Point2D{X: 100, Y: 100})
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))

	require.Len(t, rec.results, 10)
	wantWithin := []bool{true, true, true, true, true, true, true, true, false, false}
	for i, res := range rec.results {
		require.Equal(t, uint64(i+1), res.Seq)
		require.Equal(t, OK, res.Outcome, "frame %d: %v", res.Seq, res.Err)
		require.NotNil(t, res.Drift, "frame %d", res.Seq)
		assert.Equal(t, wantWithin[i], res.Drift.Within,
			"frame %d distance %.2f", res.Seq, res.Drift.Distance)
		assert.Equal(t, res.Seq, res.Drift.Seq)
	}

	stats := s.Stats()
	assert.Equal(t, uint64(10), stats.Frames)
	assert.Equal(t, uint64(10), stats.OK)
	assert.Equal(t, uint64(2), stats.OutOfLock)
	assert.Equal(t, rec.results[9], s.Latest())

	ls := s.LockState()
	assert.True(t, ls.Locked)
	assert.Equal(t, 20.0, ls.Threshold)
}

func TestSession_SourceClosedOnReturn(t *testing.T) {
	t.Parallel()
	src := capture.NewSyntheticSource(capture.DefaultEyeSpec(), []pupil.Point2D{{X: 320, Y: 240}})
	s := newSession(t, DefaultConfig(), src)
	require.NoError(t, s.Run(context.Background()))

	_, err := src.Next(context.Background())
	assert.ErrorIs(t, err, capture.ErrSourceClosed)
}

func TestSession_Cancellation(t *testing.T) {
	t.Parallel()
	src := capture.NewSyntheticSource(capture.DefaultEyeSpec(), capture.CirclePath(pupil.Point2D{X: 320, Y: 240}, 40, 16))
	src.Loop = true
	s := newSession(t, DefaultConfig(), src)

	ctx, cancel := context.WithCancel(context.Background())
	s.AddObserver(ObserverFunc(func(r *FrameResult) {
		if r.Seq == 5 {
			cancel()
		}
	}))
	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(5), s.Stats().Frames)
}

type failingSource struct {
	closed bool
}

var errCameraGone = errors.New("camera unplugged")

func (f *failingSource) Next(context.Context) (*pupil.Frame, error) { return nil, errCameraGone }
func (f *failingSource) Close() error                               { f.closed = true; return nil }

func TestSession_SourceError(t *testing.T) {
	t.Parallel()
	src := &failingSource{}
	s := newSession(t, DefaultConfig(), src)
	err := s.Run(context.Background())
	assert.ErrorIs(t, err, errCameraGone)
	assert.True(t, src.closed)
	assert.Nil(t, s.Latest())
}

func TestSession_LockRequests(t *testing.T) {
	t.Parallel()
	positions := []pupil.Point2D{{X: 320, Y: 240}, {X: 320, Y: 240}, {X: 330, Y: 240}, {X: 330, Y: 240}, {X: 330, Y: 240}}
	src := capture.NewSyntheticSource(capture.DefaultEyeSpec(), positions)
	s := newSession(t, DefaultConfig(), src)

	_, err := s.Lock(nil)
	assert.ErrorIs(t, err, ErrNoEllipse)

	rec := &recorder{}
	s.AddObserver(rec)
	s.AddObserver(ObserverFunc(func(r *FrameResult) {
		switch r.Seq {
		case 1:
			at, err := s.Lock(nil)
			require.NoError(t, err)
			assert.Equal(t, r.Ellipse.Center, at)
		case 3:
			require.NoError(t, s.SetLockThreshold(5))
		case 4:
			s.Unlock()
		}
	}))
	require.NoError(t, s.Run(context.Background()))

	require.Len(t, rec.results, 5)
	assert.Nil(t, rec.results[0].Drift, "lock applies from the next frame")
	require.NotNil(t, rec.results[1].Drift)
	assert.True(t, rec.results[1].Drift.Within)
	require.NotNil(t, rec.results[2].Drift)
	assert.True(t, rec.results[2].Drift.Within, "10px is within the default 48")
	require.NotNil(t, rec.results[3].Drift)
	assert.False(t, rec.results[3].Drift.Within, "10px is outside 5")
	assert.Nil(t, rec.results[4].Drift)

	ls := s.LockState()
	assert.False(t, ls.Locked)
	assert.Equal(t, 5.0, ls.Threshold)
	assert.Error(t, s.SetLockThreshold(-1))
}

func TestSession_Reset(t *testing.T) {
	t.Parallel()
	positions := []pupil.Point2D{{X: 320, Y: 240}, {X: 320, Y: 240}}
	src := capture.NewSyntheticSource(capture.DefaultEyeSpec(), positions)
	s := newSession(t, DefaultConfig(), src)
	_, err := s.Lock(&pupil.Point2D{X: 1, Y: 2})
	require.NoError(t, err)
	require.NoError(t, s.SetLockThreshold(7))

	var results []*FrameResult
	s.AddObserver(ObserverFunc(func(r *FrameResult) {
		results = append(results, r)
		if r.Seq == 1 {
			s.Reset()
		}
	}))
	require.NoError(t, s.Run(context.Background()))
	require.Len(t, results, 2)
	assert.NotNil(t, results[0].Drift, "locked before the reset")
	assert.Nil(t, results[1].Drift, "reset clears the lock")
	ls := s.LockState()
	assert.False(t, ls.Locked)
	assert.Nil(t, ls.Reference)
	assert.Equal(t, 7.0, ls.Threshold, "reset keeps the threshold")
}

type steppingClock struct {
	*timeutil.MockClock
	step time.Duration
}

func (c steppingClock) Since(t time.Time) time.Duration {
	c.Advance(c.step)
	return c.MockClock.Since(t)
}

func TestSession_LatencyStats(t *testing.T) {
	t.Parallel()
	clock := steppingClock{MockClock: timeutil.NewMockClock(time.Unix(0, 0)), step: 4 * time.Millisecond}
	src := capture.NewSyntheticSource(capture.DefaultEyeSpec(), []pupil.Point2D{{X: 320, Y: 240}, {X: 321, Y: 240}, {X: 322, Y: 240}})
	s := newSession(t, DefaultConfig(), src, WithClock(clock))
	require.NoError(t, s.Run(context.Background()))

	st := s.Stats()
	assert.Equal(t, uint64(3), st.Frames)
	assert.InDelta(t, 4.0, st.MeanLatencyMS, 1e-9)
	assert.InDelta(t, 0.0, st.StdLatencyMS, 1e-9)
}
