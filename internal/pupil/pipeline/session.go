package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/fixation.watch/internal/capture"
	"github.com/banshee-data/fixation.watch/internal/monitoring"
	"github.com/banshee-data/fixation.watch/internal/pupil"
	"github.com/banshee-data/fixation.watch/internal/pupil/selector"
	"github.com/banshee-data/fixation.watch/internal/timeutil"
)

// ErrNoEllipse is returned by Lock when asked to lock at the current
// position before any ellipse has been emitted.
var ErrNoEllipse = errors.New("no tracked ellipse to lock on")

// Observer receives every FrameResult in frame order, on the session
// goroutine. Implementations must not block.
type Observer interface {
	ObserveFrame(r *FrameResult)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(r *FrameResult)

func (f ObserverFunc) ObserveFrame(r *FrameResult) { f(r) }

// LockState is a snapshot of the position lock for readers outside the
// session goroutine.
type LockState struct {
	Locked    bool           `json:"locked"`
	Reference *pupil.Point2D `json:"reference,omitempty"`
	Threshold float64        `json:"threshold"`
}

// Stats counts frames by outcome. Latency figures cover the most recent
// frames only.
type Stats struct {
	Frames        uint64  `json:"frames"`
	OK            uint64  `json:"ok"`
	Skipped       uint64  `json:"skipped"`
	Stale         uint64  `json:"stale"`
	Switches      uint64  `json:"switches"`
	OutOfLock     uint64  `json:"out_of_lock"`
	MeanLatencyMS float64 `json:"mean_latency_ms"`
	StdLatencyMS  float64 `json:"std_latency_ms"`
}

const latencyWindow = 256

// Session owns a TrackerState and drives a Tracker over a Source. Control
// requests from other goroutines are queued and applied between frames.
type Session struct {
	tracker *Tracker
	source  capture.Source
	clock   timeutil.Clock
	logf    func(format string, v ...interface{})

	// state is only touched by the goroutine running Run.
	state *pupil.TrackerState

	observersMu sync.RWMutex
	observers   []Observer

	pendingMu sync.Mutex
	pending   []func(st *pupil.TrackerState)

	latest atomic.Pointer[FrameResult]
	lock   atomic.Pointer[LockState]

	statsMu   sync.Mutex
	stats     Stats
	latencies []float64
	next      int
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithClock replaces the wall clock used for latency measurement.
func WithClock(c timeutil.Clock) SessionOption {
	return func(s *Session) { s.clock = c }
}

func NewSession(t *Tracker, src capture.Source, opts ...SessionOption) *Session {
	s := &Session{
		tracker: t,
		source:  src,
		clock:   timeutil.RealClock{},
		logf:    monitoring.NewRateLimited(5*time.Second, 3),
		state:   pupil.NewTrackerState(),
	}
	for _, o := range opts {
		o(s)
	}
	s.publishLock()
	return s
}

// AddObserver registers o for all subsequent frames.
func (s *Session) AddObserver(o Observer) {
	s.observersMu.Lock()
	s.observers = append(s.observers, o)
	s.observersMu.Unlock()
}

// Run processes frames until the source is exhausted, an error occurs or
// ctx is cancelled. Exhaustion is a clean end and returns nil. The source is
// closed on return.
func (s *Session) Run(ctx context.Context) error {
	defer func() {
		if err := s.source.Close(); err != nil {
			monitoring.Logf("[session] close source: %v", err)
		}
	}()
	for {
		s.applyPending()
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := s.source.Next(ctx)
		if err != nil {
			if errors.Is(err, capture.ErrStreamExhausted) {
				monitoring.Logf("[session] stream exhausted after %d frames", s.Stats().Frames)
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("next frame: %w", err)
		}
		s.step(f)
	}
}

// step processes one frame and notifies observers.
func (s *Session) step(f *pupil.Frame) *FrameResult {
	start := s.clock.Now()
	res := s.tracker.Process(f, s.state)
	s.record(res, s.clock.Since(start))

	switch res.Outcome {
	case Skipped:
		s.logf("[session] frame %d skipped: %v", res.Seq, res.Err)
	case Stale:
		s.logf("[session] frame %d stale: %v", res.Seq, res.Err)
	}

	s.latest.Store(res)
	s.observersMu.RLock()
	obs := s.observers
	s.observersMu.RUnlock()
	for _, o := range obs {
		o.ObserveFrame(res)
	}
	return res
}

func (s *Session) record(res *FrameResult, elapsed time.Duration) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.Frames++
	switch res.Outcome {
	case OK:
		s.stats.OK++
	case Skipped:
		s.stats.Skipped++
	case Stale:
		s.stats.Stale++
	}
	if res.Transition == selector.Switched {
		s.stats.Switches++
	}
	if res.Drift != nil && !res.Drift.Within {
		s.stats.OutOfLock++
	}
	ms := float64(elapsed) / float64(time.Millisecond)
	if len(s.latencies) < latencyWindow {
		s.latencies = append(s.latencies, ms)
	} else {
		s.latencies[s.next] = ms
		s.next = (s.next + 1) % latencyWindow
	}
}

// Stats returns a snapshot of the frame counters.
func (s *Session) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	out := s.stats
	if len(s.latencies) > 1 {
		out.MeanLatencyMS, out.StdLatencyMS = stat.MeanStdDev(s.latencies, nil)
	} else if len(s.latencies) == 1 {
		out.MeanLatencyMS = s.latencies[0]
	}
	return out
}

// Latest returns the most recent FrameResult, or nil before the first
// frame.
func (s *Session) Latest() *FrameResult { return s.latest.Load() }

// LockState returns the lock as of the last applied request.
func (s *Session) LockState() LockState { return *s.lock.Load() }

func (s *Session) enqueue(fn func(st *pupil.TrackerState)) {
	s.pendingMu.Lock()
	s.pending = append(s.pending, fn)
	s.pendingMu.Unlock()
}

func (s *Session) applyPending() {
	s.pendingMu.Lock()
	ops := s.pending
	s.pending = nil
	s.pendingMu.Unlock()
	if len(ops) == 0 {
		return
	}
	for _, fn := range ops {
		fn(s.state)
	}
	s.publishLock()
}

func (s *Session) publishLock() {
	l := s.tracker.Lock()
	ls := &LockState{Threshold: l.Threshold}
	if ref := s.state.Reference; ref != nil {
		p := *ref
		ls.Locked, ls.Reference = true, &p
	}
	s.lock.Store(ls)
}

// Lock requests a position lock at p, or at the current ellipse centre when
// p is nil. The lock takes effect before the next frame.
func (s *Session) Lock(p *pupil.Point2D) (pupil.Point2D, error) {
	var at pupil.Point2D
	switch {
	case p != nil:
		at = *p
	default:
		res := s.Latest()
		if res == nil || res.Ellipse == nil {
			return pupil.Point2D{}, ErrNoEllipse
		}
		at = res.Ellipse.Center
	}
	s.enqueue(func(st *pupil.TrackerState) {
		s.tracker.Lock().Lock(st, at)
		monitoring.Logf("[session] locked at %v", at)
	})
	return at, nil
}

// Unlock requests removal of the position lock.
func (s *Session) Unlock() {
	s.enqueue(func(st *pupil.TrackerState) {
		s.tracker.Lock().Unlock(st)
		monitoring.Logf("[session] unlocked")
	})
}

// SetLockThreshold changes the drift tolerance from the next frame on.
func (s *Session) SetLockThreshold(px float64) error {
	if px < 0 {
		return fmt.Errorf("lock threshold must be non-negative, got %g", px)
	}
	s.enqueue(func(*pupil.TrackerState) {
		s.tracker.Lock().Threshold = px
	})
	return nil
}

// Reset discards the winner, previous ellipse, search hint and lock
// reference. The lock threshold is kept.
func (s *Session) Reset() {
	s.enqueue(func(st *pupil.TrackerState) {
		*st = *pupil.NewTrackerState()
		monitoring.Logf("[session] tracker state reset")
	})
}
