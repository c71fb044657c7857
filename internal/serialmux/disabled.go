package serialmux

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
)

// DisabledSerialMux stands in for the controller link when it is switched
// off in configuration. Commands are accepted and dropped. Subscribers are
// tracked so their channels close on Unsubscribe or Close and readers
// unblock during shutdown.
type DisabledSerialMux struct {
	mu          sync.Mutex
	subscribers map[string]chan string
	closing     bool
	dropped     atomic.Uint64
}

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{
		subscribers: make(map[string]chan string),
	}
}

func (d *DisabledSerialMux) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		// If already closing, return a closed channel so callers don't block.
		close(ch)
		return id, ch
	}
	d.subscribers[id] = ch
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

func (d *DisabledSerialMux) SendBytes([]byte) error {
	d.dropped.Add(1)
	return nil
}

func (d *DisabledSerialMux) SendCommand(string) error {
	d.dropped.Add(1)
	return nil
}

// Dropped returns how many writes were discarded.
func (d *DisabledSerialMux) Dropped() uint64 { return d.dropped.Load() }

func (d *DisabledSerialMux) Monitor(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

// Initialize always succeeds: there is nothing to probe.
func (d *DisabledSerialMux) Initialize(context.Context) error { return nil }

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil
	}
	d.closing = true
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	return nil
}

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/serial-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "actuator link disabled, %d writes dropped\n", d.Dropped())
	})
}
