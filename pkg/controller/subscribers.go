package controller

import (
	"sync"

	"github.com/irctrakz/vpnengine/pkg/core"
)

// hub fans events out to listeners. Each listener has its own queue and
// goroutine so a slow listener never delays the publisher or its peers.
type hub struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	next   uint64
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[uint64]*subscriber)}
}

// publish never blocks.
func (h *hub) publish(ev core.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		s.enqueue(ev)
	}
}

func (h *hub) subscribe(fn func(core.Event)) (unsubscribe func()) {
	s := &subscriber{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return func() {}
	}
	h.next++
	id := h.next
	h.subs[id] = s
	h.mu.Unlock()

	go s.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			s.stop()
		})
	}
}

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// close stops accepting events. Each listener still receives what was
// queued before close, then its goroutine exits.
func (h *hub) close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uint64]*subscriber)
	h.closed = true
	h.mu.Unlock()
	for _, s := range subs {
		s.finish()
	}
}

type subscriber struct {
	fn   func(core.Event)
	wake chan struct{}
	done chan struct{} // closed by unsubscribe

	mu      sync.Mutex
	queue   []core.Event
	stopped bool // unsubscribed, queue discarded
	closing bool // no new events, queue still delivered
}

func (s *subscriber) enqueue(ev core.Event) {
	s.mu.Lock()
	if s.stopped || s.closing {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// finish lets run deliver the remaining queue and then return.
func (s *subscriber) finish() {
	s.mu.Lock()
	if s.stopped || s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.queue = nil
	close(s.done)
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			ev, ok := s.pop()
			if !ok {
				break
			}
			s.fn(ev)
		}
		if s.drained() {
			return
		}
	}
}

func (s *subscriber) drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing && len(s.queue) == 0
}

func (s *subscriber) pop() (core.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || len(s.queue) == 0 {
		return core.Event{}, false
	}
	ev := s.queue[0]
	s.queue[0] = core.Event{}
	s.queue = s.queue[1:]
	return ev, true
}
