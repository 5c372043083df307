// Package serialmux multiplexes a wearable gateway's serial link: many
// subscribers receive every line the gateway emits, and commands from any
// caller are written to the single port one at a time.
package serialmux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/motion.report/internal/httputil"
)

var ErrWriteFailed = errors.New("failed to write to serial port")

// subscriberBuffer is how many lines a slow subscriber may lag before lines
// are dropped for it.
const subscriberBuffer = 64

// maxLine bounds one gateway line. Batches of a few hundred readings fit.
const maxLine = 1 << 20

// Mux is the behaviour shared by real and disabled multiplexers.
type Mux interface {
	Subscribe() (string, chan string)
	Unsubscribe(string)
	SendCommand(string) error
	Monitor(context.Context) error
	Close() error
	Initialize() error
	AttachAdminRoutes(*http.ServeMux)
}

// Stats describes traffic seen on the port.
type Stats struct {
	Lines       int64              `json:"lines"`
	Dropped     int64              `json:"dropped"`
	Subscribers int                `json:"subscribers"`
	Kinds       map[LineKind]int64 `json:"kinds"`
	LastLine    time.Time          `json:"last_line,omitzero"`
}

// SerialMux fans lines from one port out to subscribers.
type SerialMux[T SerialPorter] struct {
	port      T
	subs      *subscriberSet
	commandMu sync.Mutex
	closing   atomic.Bool

	lines    atomic.Int64
	dropped  atomic.Int64
	lastLine atomic.Int64
	kindsMu  sync.Mutex
	kinds    map[LineKind]int64
}

// NewSerialMux returns a SerialMux reading from and writing to port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:  port,
		subs:  newSubscriberSet(subscriberBuffer),
		kinds: make(map[LineKind]int64),
	}
}

// Subscribe returns an id and a channel receiving every subsequent line.
func (s *SerialMux[T]) Subscribe() (string, chan string) { return s.subs.add() }

// Unsubscribe removes a subscriber and closes its channel.
func (s *SerialMux[T]) Unsubscribe(id string) { s.subs.remove(id) }

// Initialize aligns the gateway clock with ours and switches it to JSON
// batch output.
func (s *SerialMux[T]) Initialize() error {
	if err := s.SendCommand(fmt.Sprintf("SYNC %d", time.Now().UnixMilli())); err != nil {
		return fmt.Errorf("sync gateway clock: %w", err)
	}
	for _, command := range []string{
		"FORMAT json", // newline-delimited JSON batches
		"STATUS 10",   // status line every 10s
		"STREAM on",   // start forwarding sensor readings
	} {
		if err := s.SendCommand(command); err != nil {
			return fmt.Errorf("gateway command %q: %w", command, err)
		}
	}
	return nil
}

// SendCommand writes one newline-terminated command to the port.
func (s *SerialMux[T]) SendCommand(command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	n, err := s.port.Write([]byte(command))
	switch {
	case err != nil:
		return err
	case n != len(command):
		return ErrWriteFailed
	}
	return nil
}

// readEvent is one line, or the terminal read error (nil at EOF).
type readEvent struct {
	line string
	err  error
	done bool
}

// Monitor reads lines until ctx is done, the port reaches EOF, or the mux
// is closed. Subscribers that are full miss the line. Lines read before a
// port error are always delivered before the error is returned.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	events := make(chan readEvent)
	go func() {
		scan := bufio.NewScanner(s.port)
		scan.Buffer(make([]byte, 0, 64*1024), maxLine)
		emit := func(ev readEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for scan.Scan() {
			if !emit(readEvent{line: scan.Text()}) {
				return
			}
		}
		emit(readEvent{err: scan.Err(), done: true})
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if ev.done {
				return ev.err
			}
			if s.closing.Load() {
				return nil
			}
			s.record(ev.line)
		}
	}
}

func (s *SerialMux[T]) record(line string) {
	s.lines.Add(1)
	s.lastLine.Store(time.Now().UnixNano())
	kind := ClassifyLine(line)
	s.kindsMu.Lock()
	s.kinds[kind]++
	s.kindsMu.Unlock()
	if n := s.subs.send(line); n > 0 {
		s.dropped.Add(int64(n))
	}
}

// Stats returns traffic counters.
func (s *SerialMux[T]) Stats() Stats {
	s.kindsMu.Lock()
	kinds := maps.Clone(s.kinds)
	s.kindsMu.Unlock()
	st := Stats{
		Lines:       s.lines.Load(),
		Dropped:     s.dropped.Load(),
		Subscribers: s.subs.len(),
		Kinds:       kinds,
	}
	if ns := s.lastLine.Load(); ns > 0 {
		st.LastLine = time.Unix(0, ns)
	}
	return st
}

// Close closes every subscriber channel and the port.
func (s *SerialMux[T]) Close() error {
	s.closing.Store(true)
	s.subs.shutdown()
	return s.port.Close()
}

// AttachAdminRoutes adds command, tail and stats endpoints under /debug/.
func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("serial-stats", "serial gateway traffic counters", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, s.Stats())
	})

	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			httputil.BadRequest(w, "missing command")
			return
		}
		if err := s.SendCommand(command); err != nil {
			httputil.InternalServerError(w, "failed to write command")
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to gateway", command))
	})

	// Server-sent events carrying each gateway line, optionally only one kind.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			httputil.InternalServerError(w, "streaming unsupported")
			return
		}
		only := LineKind(r.URL.Query().Get("kind"))

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Accel-Buffering", "no")

		id, lines := s.Subscribe()
		defer s.Unsubscribe(id)

		io.WriteString(w, ": ping\n\n")
		flusher.Flush()
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					return
				}
				if only != "" && ClassifyLine(line) != only {
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
