package actuator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/banshee-data/fixation.watch/internal/timeutil"
)

// SimulatorConfig mirrors the test section of the configuration.
type SimulatorConfig struct {
	NumPoints      int
	PointDuration  time.Duration
	MinInterval    time.Duration
	MaxInterval    time.Duration
	ReportInterval time.Duration
	// ClickProbability is the chance the simulated subject presses the
	// button for a shown point.
	ClickProbability float64
	// AutoAdvance shows points on the report loop. Without it points only
	// advance on Tick.
	AutoAdvance bool
	Seed        uint64
}

func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		NumPoints:        100,
		PointDuration:    500 * time.Millisecond,
		MinInterval:      200 * time.Millisecond,
		MaxInterval:      time.Second,
		ReportInterval:   300 * time.Millisecond,
		ClickProbability: 0.8,
		AutoAdvance:      true,
		Seed:             1,
	}
}

// Simulator is an in-memory test controller. It implements
// serialmux.SerialPorter: bytes written to it are commands and the lines it
// prints are read back.
type Simulator struct {
	cfg   SimulatorConfig
	clock timeutil.Clock

	mu     sync.Mutex
	cond   *sync.Cond
	out    bytes.Buffer
	closed bool
	rng    *rand.Rand

	status    Status
	shown     int
	clicks    int
	pattern   []byte
	outCount  int
	within    bool
	nextPoint time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

type SimulatorOption func(*Simulator)

func WithSimulatorClock(c timeutil.Clock) SimulatorOption {
	return func(s *Simulator) { s.clock = c }
}

// NewSimulator starts the report loop. Close stops it.
func NewSimulator(cfg SimulatorConfig, opts ...SimulatorOption) *Simulator {
	d := DefaultSimulatorConfig()
	if cfg.NumPoints <= 0 {
		cfg.NumPoints = d.NumPoints
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = d.ReportInterval
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = cfg.MinInterval
	}
	s := &Simulator{
		cfg:    cfg,
		clock:  timeutil.RealClock{},
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		status: StatusReady,
		within: true,
		done:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, o := range opts {
		o(s)
	}
	ticker := s.clock.NewTicker(cfg.ReportInterval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C():
				s.periodic()
			}
		}
	}()
	return s
}

func (s *Simulator) periodic() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning {
		return
	}
	if s.cfg.AutoAdvance && !s.clock.Now().Before(s.nextPoint) {
		s.showPointLocked()
	}
	s.reportLocked()
}

// Write executes each byte as a command.
func (s *Simulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	for _, c := range p {
		s.handleLocked(Command(c))
	}
	return len(p), nil
}

func (s *Simulator) handleLocked(c Command) {
	switch c {
	case CmdStartTest:
		s.status = StatusRunning
		s.shown, s.clicks, s.outCount = 0, 0, 0
		s.pattern = bytes.Repeat([]byte{'0'}, s.cfg.NumPoints)
		s.within = true
		s.scheduleLocked()
		s.reportLocked()
	case CmdEndTest:
		if s.status == StatusRunning {
			s.status = StatusFinished
		}
		s.reportLocked()
	case CmdPing:
		s.printLocked("PONG")
	case CmdWithin:
		if s.status == StatusRunning {
			s.within = true
		}
	case CmdOutOfThreshold:
		if s.status == StatusRunning && s.within {
			s.outCount++
			s.within = false
		}
	case CmdRequestResults:
		s.reportLocked()
	default:
		s.printLocked(fmt.Sprintf("unknown command 0x%02x", byte(c)))
	}
}

// Tick shows the next test point now.
func (s *Simulator) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusRunning {
		s.showPointLocked()
	}
}

func (s *Simulator) showPointLocked() {
	if s.shown >= s.cfg.NumPoints {
		return
	}
	if s.rng.Float64() < s.cfg.ClickProbability {
		s.pattern[s.shown] = '1'
		s.clicks++
	}
	s.shown++
	if s.shown == s.cfg.NumPoints {
		s.status = StatusFinished
		s.reportLocked()
		return
	}
	s.scheduleLocked()
}

func (s *Simulator) scheduleLocked() {
	gap := s.cfg.MinInterval
	if span := s.cfg.MaxInterval - s.cfg.MinInterval; span > 0 {
		gap += time.Duration(s.rng.Int64N(int64(span)))
	}
	s.nextPoint = s.clock.Now().Add(s.cfg.PointDuration + gap)
}

func (s *Simulator) reportLocked() {
	var b []byte
	if s.status == StatusReady {
		b, _ = json.Marshal(struct {
			TestStatus Status `json:"test_status"`
		}{s.status})
	} else {
		b, _ = json.Marshal(Report{
			TestStatus:        s.status,
			PointsShown:       s.shown,
			TotalPoints:       s.cfg.NumPoints,
			Clicks:            s.clicks,
			ClickPattern:      string(s.pattern),
			OutOfThresCounter: s.outCount,
		})
	}
	s.printLocked(string(b))
}

func (s *Simulator) printLocked(line string) {
	s.out.WriteString(line)
	s.out.WriteString("\r\n")
	s.cond.Broadcast()
}

// Read blocks until the controller has printed something.
func (s *Simulator) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.out.Len() == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.out.Len() == 0 {
		return 0, io.EOF
	}
	return s.out.Read(p)
}

// Close stops the report loop and ends Read with io.EOF.
func (s *Simulator) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	close(s.done)
	s.wg.Wait()
	return nil
}
