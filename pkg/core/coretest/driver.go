// Package coretest provides an in-process TransportDriver for tests. It
// records every driver call and tracks how many transport resources are
// alive so tests can assert ordering and release.
package coretest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/irctrakz/vpnengine/pkg/core"
)

// ErrHandleClosed is returned by Counters after Teardown.
var ErrHandleClosed = errors.New("coretest: handle closed")

// Driver is a scriptable core.TransportDriver.
type Driver struct {
	mu          sync.Mutex
	calls       []string
	establish   map[string]error
	gates       map[string]chan struct{}
	teardownErr error
	handles     []*Handle
	active      int
	maxActive   int
	started     chan string
}

// NewDriver returns a driver whose handshakes succeed immediately.
func NewDriver() *Driver {
	return &Driver{
		establish: make(map[string]error),
		gates:     make(map[string]chan struct{}),
		started:   make(chan string, 64),
	}
}

// FailEstablish makes every handshake to id return err.
func (d *Driver) FailEstablish(id string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.establish[id] = err
}

// FailTeardown makes every Teardown return err. The handle is still released.
func (d *Driver) FailTeardown(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.teardownErr = err
}

// Block makes handshakes to id wait until release is called or the
// context is done.
func (d *Driver) Block(id string) (release func()) {
	gate := make(chan struct{})
	d.mu.Lock()
	d.gates[id] = gate
	d.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			if d.gates[id] == gate {
				delete(d.gates, id)
			}
			d.mu.Unlock()
			close(gate)
		})
	}
}

// Started receives the endpoint id each time a handshake begins.
func (d *Driver) Started() <-chan string {
	return d.started
}

// Establish implements core.TransportDriver.
func (d *Driver) Establish(ctx context.Context, ep core.ServerEndpoint) (core.TunnelHandle, error) {
	d.mu.Lock()
	d.calls = append(d.calls, "establish:"+ep.ID)
	d.active++
	if d.active > d.maxActive {
		d.maxActive = d.active
	}
	gate := d.gates[ep.ID]
	failure := d.establish[ep.ID]
	d.mu.Unlock()

	select {
	case d.started <- ep.ID:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			d.release("abort:" + ep.ID)
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		d.release("abort:" + ep.ID)
		return nil, failure
	}

	h := &Handle{id: ep.ID, lost: make(chan error, 1)}
	d.mu.Lock()
	d.handles = append(d.handles, h)
	d.mu.Unlock()
	return h, nil
}

// Teardown implements core.TransportDriver.
func (d *Driver) Teardown(th core.TunnelHandle) error {
	h, ok := th.(*Handle)
	if !ok {
		return fmt.Errorf("coretest: foreign handle %T", th)
	}
	if h.close() {
		d.release("teardown:" + h.id)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.teardownErr
}

// Counters implements core.TransportDriver.
func (d *Driver) Counters(th core.TunnelHandle) (core.Counters, error) {
	h, ok := th.(*Handle)
	if !ok {
		return core.Counters{}, fmt.Errorf("coretest: foreign handle %T", th)
	}
	return h.counters()
}

func (d *Driver) release(call string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
	d.active--
}

// Calls returns the ordered log of driver calls, e.g.
// ["establish:a", "teardown:a", "establish:b"].
func (d *Driver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// Active returns the number of transport resources currently alive,
// counting handshakes in flight.
func (d *Driver) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// MaxActive returns the highest value Active ever reached.
func (d *Driver) MaxActive() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxActive
}

// Handles returns every handle produced so far, oldest first.
func (d *Driver) Handles() []*Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Handle(nil), d.handles...)
}

// LastHandle returns the newest handle, or nil.
func (d *Driver) LastHandle() *Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handles) == 0 {
		return nil
	}
	return d.handles[len(d.handles)-1]
}

// Handle is the coretest tunnel handle.
type Handle struct {
	id   string
	lost chan error

	mu         sync.Mutex
	down, up   uint64
	counterErr error
	closed     bool
	lostOnce   sync.Once
}

// EndpointID implements core.TunnelHandle.
func (h *Handle) EndpointID() string { return h.id }

// Lost implements core.TunnelHandle.
func (h *Handle) Lost() <-chan error { return h.lost }

// SetCounters sets what the next Counters call reports.
func (h *Handle) SetCounters(down, up uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down, h.up = down, up
}

// FailCounters makes Counters return err until cleared with nil.
func (h *Handle) FailCounters(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counterErr = err
}

// Lose simulates an external tunnel drop.
func (h *Handle) Lose(reason error) {
	h.lostOnce.Do(func() { h.lost <- reason })
}

// Closed reports whether Teardown ran for this handle.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) close() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.closed = true
	return true
}

func (h *Handle) counters() (core.Counters, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return core.Counters{}, ErrHandleClosed
	}
	if h.counterErr != nil {
		return core.Counters{}, h.counterErr
	}
	return core.Counters{BytesDown: h.down, BytesUp: h.up}, nil
}
