package hub

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/kralicky/supercut/pkg/logstream"
)

const DefaultBufferSize = 256

// Hub fans out log lines to every currently subscribed observer. Lines are not
// retained: an observer only receives lines published while it is subscribed.
type Hub struct {
	bufferSize int

	// held exclusively while publishing so that every observer sees lines in
	// the same order they were published.
	mu        sync.Mutex
	observers map[string]*Observer
	closed    bool
}

// Observer is one registered consumer of the hub. Lines are delivered on C,
// which is closed when the observer is unsubscribed, dropped for falling
// behind, or the hub is closed.
type Observer struct {
	ID string
	C  <-chan logstream.Line

	c       chan logstream.Line
	dropped bool
}

// Dropped reports whether the observer was removed because it could not keep
// up. Only meaningful after C has been closed.
func (o *Observer) Dropped() bool {
	return o.dropped
}

func New(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		bufferSize: bufferSize,
		observers:  make(map[string]*Observer),
	}
}

func (h *Hub) Subscribe() *Observer {
	u := uuid.New()
	c := make(chan logstream.Line, h.bufferSize)
	o := &Observer{
		ID: hex.EncodeToString(u[:]),
		C:  c,
		c:  c,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(c)
		return o
	}
	h.observers[o.ID] = o
	slog.Debug("observer subscribed", "id", o.ID, "observers", len(h.observers))
	return o
}

// Unsubscribe removes the observer and closes its channel. It is safe to call
// any number of times, including after the observer was dropped.
func (h *Hub) Unsubscribe(o *Observer) {
	if o == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.observers[o.ID]; !ok {
		return
	}
	delete(h.observers, o.ID)
	close(o.c)
	slog.Debug("observer unsubscribed", "id", o.ID, "observers", len(h.observers))
}

// Publish delivers the line to every subscribed observer without blocking.
// An observer whose buffer is full is dropped; delivery to the others
// continues.
func (h *Hub) Publish(line logstream.Line) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, o := range h.observers {
		select {
		case o.c <- line:
		default:
			slog.Warn("dropping observer that is not keeping up", "id", id)
			o.dropped = true
			delete(h.observers, id)
			close(o.c)
		}
	}
}

// Forward publishes every line received from lines until it is closed or ctx
// is canceled.
func (h *Hub) Forward(ctx context.Context, lines <-chan logstream.Line) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			h.Publish(line)
		}
	}
}

// Len returns the number of subscribed observers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Close unsubscribes every observer. Subsequent subscriptions receive an
// already-closed channel and publishes are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, o := range h.observers {
		delete(h.observers, id)
		close(o.c)
	}
}
