package engine

import (
	"sync"

	"github.com/google/uuid"

	"github.com/seisho-ai/seisho/internal/model"
)

// Frame kinds delivered to watchers.
const (
	FrameEvent  = "event"
	FrameStatus = "status"
)

// WatchFrame is one update delivered to a run watcher: either a newly
// appended event or a fresh (result-stripped) run snapshot.
type WatchFrame struct {
	Kind  string
	Event *model.Event
	Run   *model.Run
}

// watchBuffer is the per-subscriber frame buffer. A watcher that falls
// further behind than this misses frames rather than blocking the run.
const watchBuffer = 64

// hub fans one run's frames out to its watchers. Buffered channels,
// drop-on-full, closed exactly once when the run finishes.
type hub struct {
	mu     sync.Mutex
	subs   map[chan WatchFrame]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[chan WatchFrame]struct{})}
}

// subscribe returns a frame channel. On an already-closed hub the
// channel arrives closed, so the watcher sees immediate EOF.
func (h *hub) subscribe() chan WatchFrame {
	ch := make(chan WatchFrame, watchBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.subs[ch] = struct{}{}
	return ch
}

// unsubscribe detaches and closes a subscriber channel. Safe to call
// after the hub closed.
func (h *hub) unsubscribe(ch chan WatchFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; !ok {
		return
	}
	delete(h.subs, ch)
	close(ch)
}

// broadcast delivers a frame to every subscriber that has buffer room.
func (h *hub) broadcast(f WatchFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for ch := range h.subs {
		select {
		case ch <- f:
		default:
			// Subscriber buffer full; it skips this frame.
		}
	}
}

// close ends the stream for all subscribers.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// Watch attaches to a run's live frame stream. It returns the current
// snapshot plus a channel of subsequent frames; the channel closes when
// the run finishes. For a run that already finished the channel arrives
// closed, so callers handle both cases the same way. stop detaches the
// watcher early and is safe to call more than once.
func (r *Registry) Watch(id uuid.UUID) (model.Run, <-chan WatchFrame, func(), error) {
	// Snapshot and subscribe under one read lock so a finalize cannot
	// slip between them and strand the watcher without its final frame.
	r.mu.RLock()
	rec, ok := r.runs[id]
	if !ok {
		r.mu.RUnlock()
		return model.Run{}, nil, nil, ErrRunNotFound
	}
	snapshot := cloneRun(rec.run)
	hub := rec.hub
	ch := hub.subscribe()
	r.mu.RUnlock()

	var once sync.Once
	stop := func() {
		once.Do(func() { hub.unsubscribe(ch) })
	}
	return snapshot, ch, stop, nil
}
