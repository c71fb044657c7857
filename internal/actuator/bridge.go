package actuator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/fixation.watch/internal/monitoring"
	"github.com/banshee-data/fixation.watch/internal/pupil"
	"github.com/banshee-data/fixation.watch/internal/pupil/pipeline"
	"github.com/banshee-data/fixation.watch/internal/serialmux"
	"github.com/banshee-data/fixation.watch/internal/timeutil"
)

var (
	// ErrLinkUnavailable is returned when a command cannot reach the
	// controller. Callers log it and carry on tracking.
	ErrLinkUnavailable = errors.New("actuator link unavailable")

	ErrClosed = errors.New("bridge closed")
)

// Link is the part of serialmux.SerialMuxInterface the bridge needs.
type Link interface {
	SendBytes(b []byte) error
	Subscribe() (string, chan string)
	Unsubscribe(id string)
}

// DriftMode selects when drift commands are sent.
type DriftMode string

const (
	// DriftTransition sends 0x04/0x05 only when within flips.
	DriftTransition DriftMode = "transition"
	// DriftEveryFrame sends a command for every drift event.
	DriftEveryFrame DriftMode = "every_frame"
)

type Config struct {
	DriftMode   DriftMode
	QueueSize   int
	PingTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		DriftMode:   DriftTransition,
		QueueSize:   16,
		PingTimeout: 2 * time.Second,
	}
}

func (c Config) Validate() error {
	switch c.DriftMode {
	case DriftTransition, DriftEveryFrame:
	default:
		return fmt.Errorf("drift mode %q: expected %q or %q", c.DriftMode, DriftTransition, DriftEveryFrame)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive, got %d", c.QueueSize)
	}
	if c.PingTimeout <= 0 {
		return fmt.Errorf("ping timeout must be positive, got %v", c.PingTimeout)
	}
	return nil
}

// BridgeStats counts commands and reports for the status API.
type BridgeStats struct {
	Active   bool   `json:"test_active"`
	Sent     uint64 `json:"sent"`
	Dropped  uint64 `json:"dropped"`
	Failed   uint64 `json:"failed"`
	Reports  uint64 `json:"reports"`
	LastSent string `json:"last_sent,omitempty"`
}

// Bridge forwards drift events and test commands to the controller without
// ever blocking the caller. A sender goroutine drains a bounded queue; a
// reader goroutine follows the controller's lines.
type Bridge struct {
	link  Link
	cfg   Config
	clock timeutil.Clock
	logf  func(format string, v ...interface{})

	queue     chan Command
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu        sync.Mutex
	started   bool
	closed    bool
	active    bool
	lastDrift *bool
	latest    *Report
	pongs     []chan struct{}

	observersMu sync.RWMutex
	observers   []func(Report)

	sent, dropped, failed, reports atomic.Uint64
	lastSent                       atomic.Int32
}

type BridgeOption func(*Bridge)

func WithBridgeClock(c timeutil.Clock) BridgeOption {
	return func(b *Bridge) { b.clock = c }
}

func NewBridge(link Link, cfg Config, opts ...BridgeOption) (*Bridge, error) {
	if link == nil {
		return nil, errors.New("nil link")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Bridge{
		link:  link,
		cfg:   cfg,
		clock: timeutil.RealClock{},
		logf:  monitoring.NewRateLimited(5*time.Second, 5),
		queue: make(chan Command, cfg.QueueSize),
	}
	b.lastSent.Store(-1)
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Start launches the sender and reader goroutines. They stop when ctx is
// cancelled or Close is called.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started || b.closed {
		b.mu.Unlock()
		return
	}
	b.started = true
	ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Unlock()

	id, lines := b.link.Subscribe()
	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.send(ctx)
	}()
	go func() {
		defer b.wg.Done()
		defer b.link.Unsubscribe(id)
		b.read(ctx, lines)
	}()
}

// Close stops the goroutines. Queued commands not yet written are dropped.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		cancel := b.cancel
		b.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		b.wg.Wait()
	})
	return nil
}

func (b *Bridge) send(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-b.queue:
			if err := b.link.SendBytes([]byte{byte(c)}); err != nil {
				if c == CmdWithin || c == CmdOutOfThreshold {
					b.forgetDrift(c)
				}
				b.failed.Add(1)
				b.logf("[actuator] send %s: %v", c, err)
				continue
			}
			b.sent.Add(1)
			b.lastSent.Store(int32(c))
		}
	}
}

func (b *Bridge) read(ctx context.Context, lines chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			b.handleLine(line)
		}
	}
}

func (b *Bridge) handleLine(line string) {
	switch serialmux.ClassifyLine(line) {
	case serialmux.LineTypePong:
		b.mu.Lock()
		for _, ch := range b.pongs {
			close(ch)
		}
		b.pongs = nil
		b.mu.Unlock()
	case serialmux.LineTypeReport:
		r, err := ParseReport(line)
		if err != nil {
			b.logf("[actuator] %v", err)
			return
		}
		r.Received = b.clock.Now()
		b.reports.Add(1)
		b.mu.Lock()
		if b.active != r.TestStatus.Active() {
			b.active = r.TestStatus.Active()
			b.lastDrift = nil
		}
		b.latest = r
		b.mu.Unlock()

		b.observersMu.RLock()
		for _, fn := range b.observers {
			fn(*r)
		}
		b.observersMu.RUnlock()
	default:
		monitoring.Logf("[actuator] controller: %s", line)
	}
}

// Signal queues c for the controller. It never blocks: when the queue is
// full the command is dropped and ErrLinkUnavailable returned.
func (b *Bridge) Signal(c Command) error {
	if !c.Valid() {
		return fmt.Errorf("invalid command 0x%02x", byte(c))
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("%s: %w: %w", c, ErrClosed, ErrLinkUnavailable)
	}
	select {
	case b.queue <- c:
		return nil
	default:
		b.dropped.Add(1)
		b.logf("[actuator] queue full, dropped %s", c)
		return fmt.Errorf("queue full, dropped %s: %w", c, ErrLinkUnavailable)
	}
}

// StartTest marks a test active and tells the controller to begin.
func (b *Bridge) StartTest() error {
	b.setActive(true)
	return b.Signal(CmdStartTest)
}

// EndTest marks the test finished and tells the controller to stop.
func (b *Bridge) EndTest() error {
	b.setActive(false)
	return b.Signal(CmdEndTest)
}

// RequestResults asks for an immediate report.
func (b *Bridge) RequestResults() error { return b.Signal(CmdRequestResults) }

func (b *Bridge) setActive(v bool) {
	b.mu.Lock()
	b.active = v
	b.lastDrift = nil
	b.mu.Unlock()
}

// Ping sends the ping byte and waits for PONG.
func (b *Bridge) Ping(ctx context.Context) error {
	ch := make(chan struct{})
	b.mu.Lock()
	b.pongs = append(b.pongs, ch)
	b.mu.Unlock()
	defer b.dropPong(ch)

	if err := b.Signal(CmdPing); err != nil {
		return err
	}
	timer := b.clock.NewTimer(b.cfg.PingTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return fmt.Errorf("no PONG within %v: %w", b.cfg.PingTimeout, ErrLinkUnavailable)
	}
}

func (b *Bridge) dropPong(ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.pongs {
		if c == ch {
			b.pongs = append(b.pongs[:i], b.pongs[i+1:]...)
			return
		}
	}
}

// HandleDrift maps a drift event to 0x04 or 0x05 while a test is active.
// In transition mode a command that fails to reach the controller is sent
// again on the next event with the same state.
func (b *Bridge) HandleDrift(ev pupil.DriftEvent) error {
	within := ev.Within
	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return nil
	}
	prev := b.lastDrift
	if b.cfg.DriftMode == DriftTransition && prev != nil && *prev == within {
		b.mu.Unlock()
		return nil
	}
	b.lastDrift = &within
	b.mu.Unlock()

	c := CmdOutOfThreshold
	if within {
		c = CmdWithin
	}
	if err := b.Signal(c); err != nil {
		b.mu.Lock()
		if b.lastDrift == &within {
			b.lastDrift = prev
		}
		b.mu.Unlock()
		return err
	}
	return nil
}

// forgetDrift clears the transition state after a drift command failed to
// write, unless a newer state has been recorded since.
func (b *Bridge) forgetDrift(c Command) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastDrift != nil && *b.lastDrift == (c == CmdWithin) {
		b.lastDrift = nil
	}
}

// ObserveFrame lets the bridge subscribe to a pipeline.Session.
func (b *Bridge) ObserveFrame(r *pipeline.FrameResult) {
	if r == nil || r.Drift == nil {
		return
	}
	if err := b.HandleDrift(*r.Drift); err != nil {
		b.logf("[actuator] frame %d: %v", r.Seq, err)
	}
}

// AddObserver registers fn for every parsed report. fn runs on the reader
// goroutine and must not block.
func (b *Bridge) AddObserver(fn func(Report)) {
	b.observersMu.Lock()
	defer b.observersMu.Unlock()
	b.observers = append(b.observers, fn)
}

// Latest returns a copy of the last report, or nil.
func (b *Bridge) Latest() *Report {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.latest == nil {
		return nil
	}
	r := *b.latest
	return &r
}

// Active reports whether a test is in progress.
func (b *Bridge) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

func (b *Bridge) Stats() BridgeStats {
	s := BridgeStats{
		Active:  b.Active(),
		Sent:    b.sent.Load(),
		Dropped: b.dropped.Load(),
		Failed:  b.failed.Load(),
		Reports: b.reports.Load(),
	}
	if c := b.lastSent.Load(); c >= 0 {
		s.LastSent = Command(c).String()
	}
	return s
}
