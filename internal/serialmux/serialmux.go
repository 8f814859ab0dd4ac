// Serialmux provides an abstraction over a serial port with the ability for
// multiple clients to subscribe to lines from the serial port and send
// commands to a single serial port device. The sorter runs one mux for the
// sensor driver and one for the gate actuator board.
package serialmux

import (
	"bufio"
	"context"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"tailscale.com/tsweb"

	"github.com/banshee-data/coinsorter/internal/monitoring"
)

var ErrWriteFailed = fmt.Errorf("failed to write to serial port")

// SubscriberBuffer is the per-subscriber line backlog. A lossy subscriber
// that falls further behind than this loses lines rather than stalling the
// port; a blocking subscriber stalls the port instead.
const SubscriberBuffer = 256

var sendCommandTemplate = template.Must(template.New("send-command").Parse(`<!doctype html>
<html><head><title>{{.Name}} serial</title></head>
<body>
<h1>{{.Name}} serial port</h1>
<form method="post" action="{{.Prefix}}send-command-api">
<input name="command" size="60" autofocus> <button type="submit">Send</button>
</form>
<pre id="tail"></pre>
<script>
const out = document.getElementById("tail");
new EventSource("{{.Prefix}}tail").onmessage = (e) => {
  out.textContent = (e.data + "\n" + out.textContent).slice(0, 20000);
};
</script>
</body></html>
`))

// SerialMux is a generic serial port multiplexer that allows multiple clients to
// subscribe to lines from a single serial port.
type SerialMux[T SerialPorter] struct {
	port         T
	name         string
	now          func() time.Time
	subscribers  map[string]*subscriber
	subscriberMu sync.Mutex
	dropped      atomic.Uint64
	dropLog      rate.Sometimes
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex
}

type subscriber struct {
	ch       chan string
	blocking bool
	dropped  uint64
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving lines from the serial
	// port. The channel ID is used to identify the unique channel when
	// unsubscribing.
	Subscribe() (string, chan string)
	// SubscribeBlocking is Subscribe for a consumer that must see every
	// line: Monitor waits for it rather than dropping lines.
	SubscribeBlocking() (string, chan string)
	// Dropped returns how many lines lossy subscribers have lost.
	Dropped() uint64
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendCommand writes the provided command to the serial port.
	SendCommand(string) error
	// Monitor reads lines from the serial port and sends them to the
	// appropriate channels.
	Monitor(context.Context) error
	// Close closes all subscribed channels and closes the serial port.
	Close() error

	Initialize() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/<name>/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux creates a SerialMux instance over port. name distinguishes
// the admin routes of several muxes sharing one HTTP mux.
func NewSerialMux[T SerialPorter](port T, name string) *SerialMux[T] {
	if name == "" {
		name = "serial"
	}
	return &SerialMux[T]{
		port:        port,
		name:        name,
		now:         time.Now,
		subscribers: make(map[string]*subscriber),
		dropLog:     rate.Sometimes{Interval: time.Second},
	}
}

// Name returns the mux name used in admin routes and logs.
func (s *SerialMux[T]) Name() string { return s.name }

func (s *SerialMux[T]) Subscribe() (string, chan string) { return s.subscribe(false) }

// SubscribeBlocking registers a subscriber that Monitor never drops lines
// for. Unsubscribe it only after Monitor has returned or while it is still
// reading.
func (s *SerialMux[T]) SubscribeBlocking() (string, chan string) { return s.subscribe(true) }

func (s *SerialMux[T]) subscribe(blocking bool) (string, chan string) {
	id := uuid.NewString()
	ch := make(chan string, SubscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = &subscriber{ch: ch, blocking: blocking}
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if sub, ok := s.subscribers[id]; ok {
		close(sub.ch)
		delete(s.subscribers, id)
	}
}

// Dropped returns the lines lost across all lossy subscribers.
func (s *SerialMux[T]) Dropped() uint64 { return s.dropped.Load() }

// SubscriberDrops returns the lines lost by one subscriber.
func (s *SerialMux[T]) SubscriberDrops(id string) uint64 {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if sub, ok := s.subscribers[id]; ok {
		return sub.dropped
	}
	return 0
}

// Initialize syncs the device clock to the current UNIX time so that
// timestamps on both sides of the link agree.
func (s *SerialMux[T]) Initialize() error {
	if err := s.SendCommand(FormatClockSync(s.now())); err != nil {
		return fmt.Errorf("failed to synchronize clock: %w", err)
	}
	return nil
}

// SendCommand sends a command to the serial port.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n" // ensure command ends with a newline
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads the serial port and fans lines out to subscribers until the
// port is exhausted, closed or ctx is done.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// the blocking scan.Scan runs in its own goroutine so the outer loop
	// can still observe context cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
					return nil
				}
			}
			s.closingMu.Lock()
			if s.closing {
				s.closingMu.Unlock()
				return nil
			}
			s.closingMu.Unlock()

			if err := s.publish(ctx, line); err != nil {
				return err
			}
		}
	}
}

// publish hands line to every subscriber. Lossy subscribers with a full
// backlog lose it; blocking subscribers are waited on until ctx is done.
func (s *SerialMux[T]) publish(ctx context.Context, line string) error {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, sub := range s.subscribers {
		if sub.blocking {
			continue
		}
		select {
		case sub.ch <- line:
		default:
			sub.dropped++
			total := s.dropped.Add(1)
			s.dropLog.Do(func() {
				monitoring.Warnf("serialmux %s: subscriber %s backlog full, %d lines dropped", s.name, id, total)
			})
		}
	}
	for _, sub := range s.subscribers {
		if !sub.blocking {
			continue
		}
		select {
		case sub.ch <- line:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, sub := range s.subscribers {
		close(sub.ch)
		delete(s.subscribers, id)
	}
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	prefix := s.name + "/"

	debug.HandleFunc(prefix+"send-command", "send a command to the "+s.name+" serial port", func(w http.ResponseWriter, r *http.Request) {
		data := struct{ Name, Prefix string }{s.name, "/debug/" + prefix}
		if err := sendCommandTemplate.Execute(w, data); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
		}
	})

	debug.HandleSilentFunc(prefix+"send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to %s serial port", command, s.name))
	})

	// Server-Sent Events stream of lines coming from the serial port.
	debug.HandleSilentFunc(prefix+"tail", func(w http.ResponseWriter, r *http.Request) {
		s.serveTail(w, r)
	})
}

func (s *SerialMux[T]) serveTail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, c := s.Subscribe()
	defer s.Unsubscribe(id)

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case payload, ok := <-c:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
