package events

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Sink receives events in emission order. Sinks run on the bus goroutine:
// a slow sink delays other sinks but never the emitter.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a callback into a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

// Bus fans events out to sinks. Publish never blocks: events queue in
// memory and a single goroutine drains them, so sink order matches
// publish order.
type Bus struct {
	mu     sync.Mutex
	queue  []Event
	sinks  []Sink
	wake   chan struct{}
	closed bool
	drain  sync.WaitGroup

	lastMu sync.Mutex
	lastAt time.Time
}

func NewBus(sinks ...Sink) *Bus {
	b := &Bus{
		sinks: append([]Sink{}, sinks...),
		wake:  make(chan struct{}, 1),
	}
	b.drain.Add(1)
	go b.run()
	return b
}

// Subscribe attaches a callback for every subsequent event.
func (b *Bus) Subscribe(fn func(Event)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, SinkFunc(fn))
	b.mu.Unlock()
}

// Publish enqueues the event. The zero TS is stamped with the current time.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	b.lastMu.Lock()
	b.lastAt = ev.TS
	b.lastMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// LastEventAt reports when the most recent event was published. The stall
// watchdog reads this.
func (b *Bus) LastEventAt() time.Time {
	if b == nil {
		return time.Time{}
	}
	b.lastMu.Lock()
	defer b.lastMu.Unlock()
	return b.lastAt
}

// Close flushes queued events to all sinks and stops the bus. Publish after
// Close is a no-op.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
	b.drain.Wait()
}

func (b *Bus) run() {
	defer b.drain.Done()
	for {
		b.mu.Lock()
		batch := b.queue
		b.queue = nil
		sinks := append([]Sink{}, b.sinks...)
		closed := b.closed
		b.mu.Unlock()

		for _, ev := range batch {
			for _, s := range sinks {
				s.Emit(ev)
			}
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) > 0 {
			continue
		}
		<-b.wake
	}
}

// FileSink appends events to an NDJSON file, one object per line, flushed
// per event so followers can tail it.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f}, nil
}

func (s *FileSink) Emit(ev Event) {
	b, err := ev.MarshalJSON()
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return
	}
	s.f.Write(append(b, '\n'))
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// ReadFile decodes an events.ndjson file. Malformed lines are skipped; a
// truncated final line is not an error (the writer may still be running).
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadAll(f)
}

func ReadAll(r io.Reader) ([]Event, error) {
	var out []Event
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := ev.UnmarshalJSON([]byte(line)); err != nil {
			continue
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("scan events: %w", err)
	}
	return out, nil
}
