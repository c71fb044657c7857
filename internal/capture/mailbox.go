package capture

import (
	"context"
	"sync"

	"github.com/banshee-data/fixation.watch/internal/pupil"
)

// Mailbox is a single-slot handoff between a grabber goroutine and the
// tracking loop. Publish never blocks: an unconsumed frame is replaced by
// the newer one and counted as a drop. Delivered sequence numbers are
// strictly increasing.
type Mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	frame   *pupil.Frame
	seq     uint64
	drops   uint64
	stopped error
}

func NewMailbox() *Mailbox {
	m := &Mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Publish stores f, stamping it with the next sequence number. Frames
// published after Shutdown are discarded.
func (m *Mailbox) Publish(f *pupil.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped != nil {
		return
	}
	if m.frame != nil {
		m.drops++
	}
	m.seq++
	f.Seq = m.seq
	m.frame = f
	m.cond.Signal()
}

// Next waits for a frame. After Shutdown a pending frame is still
// delivered, then the shutdown reason is returned.
func (m *Mailbox) Next(ctx context.Context) (*pupil.Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for m.frame == nil && m.stopped == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.cond.Wait()
	}
	if f := m.frame; f != nil {
		m.frame = nil
		return f, nil
	}
	return nil, m.stopped
}

// Shutdown wakes all waiters. reason is what Next returns once the slot
// is empty; nil means ErrStreamExhausted. Only the first call has effect.
func (m *Mailbox) Shutdown(reason error) {
	if reason == nil {
		reason = ErrStreamExhausted
	}
	m.mu.Lock()
	if m.stopped == nil {
		m.stopped = reason
	}
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Drops returns how many frames were overwritten before being consumed.
func (m *Mailbox) Drops() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drops
}
