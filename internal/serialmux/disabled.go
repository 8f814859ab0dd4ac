package serialmux

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// DisabledSerialMux is a no-op SerialMux used when a port is not configured
// (for example running the API against a stored database with no hardware).
// It tracks subscribers so their channels are closed on Unsubscribe or
// Close, letting readers unblock during shutdown.
type DisabledSerialMux struct {
	mu          sync.Mutex
	name        string
	subscribers map[string]chan string
	closing     bool
}

func NewDisabledSerialMux(name string) *DisabledSerialMux {
	return &DisabledSerialMux{
		name:        name,
		subscribers: make(map[string]chan string),
	}
}

func (d *DisabledSerialMux) Subscribe() (string, chan string) {
	id := uuid.NewString()
	ch := make(chan string)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		// already closing: hand back a closed channel so callers don't block
		close(ch)
		return id, ch
	}
	d.subscribers[id] = ch
	return id, ch
}

// SubscribeBlocking behaves as Subscribe: a disabled port has no lines.
func (d *DisabledSerialMux) SubscribeBlocking() (string, chan string) { return d.Subscribe() }

func (d *DisabledSerialMux) Dropped() uint64 { return 0 }

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

func (d *DisabledSerialMux) SendCommand(string) error { return nil }

func (d *DisabledSerialMux) Monitor(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

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

func (d *DisabledSerialMux) Initialize() error { return nil }

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/"+d.name+"-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(d.name + " serial disabled"))
	})
}
