package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/jshapland/galley/internal/flow/events"
)

// Broadcaster fans the engine's event stream out to SSE clients. It is an
// events.Sink: hand it to the engine via Options.Sinks. Thread-safe.
type Broadcaster struct {
	mu      sync.Mutex
	history []events.Event
	clients map[uint64]chan events.Event
	nextID  uint64
	closed  bool
	// doneCh closes only on Close (run finished), never on a slow-client
	// drop, so subscribers can tell the two apart.
	doneCh chan struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uint64]chan events.Event),
		doneCh:  make(chan struct{}),
	}
}

// Emit implements events.Sink. Runs on the bus goroutine and never blocks:
// slow clients are dropped instead.
func (b *Broadcaster) Emit(ev events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = append(b.history, ev)
	for id, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(b.clients, id)
		}
	}
}

// Subscribe returns an event channel that replays history then streams live
// events, a done channel closed when the broadcaster closes, and an
// unsubscribe function.
func (b *Broadcaster) Subscribe() (<-chan events.Event, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Sized for the full replay plus live headroom, so the replay below
	// never blocks while holding the mutex.
	ch := make(chan events.Event, len(b.history)+256)
	id := b.nextID
	b.nextID++
	for _, ev := range b.history {
		ch <- ev
	}

	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	b.clients[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, b.doneCh, unsub
}

// Close marks the stream finished and closes every client channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// History returns a copy of every event seen so far.
func (b *Broadcaster) History() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.Event, len(b.history))
	copy(out, b.history)
	return out
}

// WriteSSE streams a Broadcaster to an HTTP response as Server-Sent Events,
// one JSON event per message, ending with an `event: done` marker when the
// run finishes.
func WriteSSE(w http.ResponseWriter, r *http.Request, b *Broadcaster) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	evs, doneCh, unsub := b.Subscribe()
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				// Only announce completion when the run actually finished,
				// not when this client was dropped for slowness.
				select {
				case <-doneCh:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
