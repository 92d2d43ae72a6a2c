// Package session implements the tunnel session state machine. A Tunnel owns
// at most one transport handle and moves through
//
//	disconnected -> connecting -> connected -> disconnecting -> disconnected
//	                connecting -> failed -> disconnected
//	                connecting -> disconnecting -> disconnected
//
// Every transition is published exactly once, in order, through the
// configured hook.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/vpnengine/pkg/core"
	"github.com/irctrakz/vpnengine/pkg/logging"
)

var errTunnelLost = errors.New("tunnel lost")

// Options configure a Tunnel.
type Options struct {
	// Publish receives every transition. It is called with the session lock
	// held, so it must not block or call back into the Tunnel.
	Publish func(core.Event)

	// Now defaults to time.Now.
	Now func() time.Time
}

// Tunnel is safe for concurrent use, but callers must not run Connect,
// Disconnect and Drop concurrently with each other; the controller
// serializes them.
type Tunnel struct {
	driver  core.TransportDriver
	publish func(core.Event)
	now     func() time.Time
	log     *logrus.Entry

	mu        sync.RWMutex
	state     core.State
	sessionID string
	endpoint  string
	startedAt time.Time
	lastError error
	handle    core.TunnelHandle
	seq       uint64
}

// New returns a Tunnel in the disconnected state.
func New(driver core.TransportDriver, opts Options) *Tunnel {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tunnel{
		driver:  driver,
		publish: opts.Publish,
		now:     opts.Now,
		log:     logging.WithComponent("session"),
		state:   core.StateDisconnected,
	}
}

// State returns the current state.
func (t *Tunnel) State() core.State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Snapshot returns a copy of the session fields.
func (t *Tunnel) Snapshot() core.SessionSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return core.SessionSnapshot{
		SessionID:  t.sessionID,
		State:      t.state,
		EndpointID: t.endpoint,
		StartedAt:  t.startedAt,
		LastError:  t.lastError,
	}
}

// Handle returns the live transport handle, or nil unless connected.
func (t *Tunnel) Handle() core.TunnelHandle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handle
}

// Connect starts a new session with ep and blocks until the handshake
// completes, fails, or ctx is done.
//
// A ctx cancelled with cause core.ErrCancelled or context.Canceled is a user
// abort: the session goes back to disconnected without a last error and
// Connect returns core.ErrCancelled. Any other failure, deadline expiry
// included, is recorded as a *core.TransportError.
func (t *Tunnel) Connect(ctx context.Context, ep core.ServerEndpoint, sessionID string) (core.TunnelHandle, error) {
	t.mu.Lock()
	if t.state != core.StateDisconnected {
		st := t.state
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: connect while %s", core.ErrInvalidTransition, st)
	}
	t.sessionID = sessionID
	t.endpoint = ep.ID
	t.lastError = nil
	t.transitionLocked(core.StateConnecting)
	t.mu.Unlock()

	h, err := t.driver.Establish(ctx, ep)

	if aborted(ctx) {
		t.step(core.StateDisconnecting)
		if h != nil {
			t.teardown(h)
		}
		t.step(core.StateDisconnected)
		return nil, core.ErrCancelled
	}

	if err != nil {
		terr := core.AsTransportError("establish", err)
		if h != nil {
			t.teardown(h)
		}
		t.mu.Lock()
		t.lastError = terr
		t.transitionLocked(core.StateFailed)
		t.transitionLocked(core.StateDisconnected)
		t.mu.Unlock()
		t.log.WithField("endpoint", ep.ID).Warnf("handshake failed: %v", terr)
		return nil, terr
	}

	t.mu.Lock()
	t.handle = h
	t.transitionLocked(core.StateConnected)
	t.mu.Unlock()
	return h, nil
}

// Disconnect tears down a connected session. It is a no-op when already
// disconnected. Teardown errors are logged and do not stop the transition.
func (t *Tunnel) Disconnect() error {
	t.mu.Lock()
	switch t.state {
	case core.StateDisconnected:
		t.mu.Unlock()
		return nil
	case core.StateConnected:
	default:
		st := t.state
		t.mu.Unlock()
		return fmt.Errorf("%w: disconnect while %s", core.ErrInvalidTransition, st)
	}
	h := t.handle
	t.handle = nil
	t.transitionLocked(core.StateDisconnecting)
	t.mu.Unlock()

	t.teardown(h)
	t.step(core.StateDisconnected)
	return nil
}

// Drop handles an external loss of h. It returns false when h is not the
// live handle, which makes stale loss notifications harmless.
func (t *Tunnel) Drop(h core.TunnelHandle, reason error) bool {
	if reason == nil {
		reason = errTunnelLost
	}
	t.mu.Lock()
	if t.state != core.StateConnected || t.handle != h {
		t.mu.Unlock()
		return false
	}
	t.handle = nil
	t.lastError = reason
	t.transitionLocked(core.StateDisconnecting)
	t.mu.Unlock()

	t.log.WithField("endpoint", h.EndpointID()).Warnf("tunnel dropped: %v", reason)
	t.teardown(h)
	t.step(core.StateDisconnected)
	return true
}

func (t *Tunnel) step(next core.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transitionLocked(next)
}

// transitionLocked must be called with t.mu held. The edges taken by this
// package are all legal, so a refused edge is a programming error and is
// only logged.
func (t *Tunnel) transitionLocked(next core.State) {
	from := t.state
	if !from.Allowed(next) {
		t.log.Errorf("refusing transition %s -> %s", from, next)
		return
	}
	switch {
	case next == core.StateConnected:
		t.startedAt = t.now()
	case from == core.StateConnected:
		t.startedAt = time.Time{}
	}
	t.state = next
	t.seq++

	ev := core.Event{
		Seq:        t.seq,
		SessionID:  t.sessionID,
		From:       from,
		To:         next,
		EndpointID: t.endpoint,
		StartedAt:  t.startedAt,
		At:         t.now(),
	}
	if t.lastError != nil {
		ev.LastError = t.lastError.Error()
	}
	t.log.WithFields(logrus.Fields{
		"session":  t.sessionID,
		"endpoint": t.endpoint,
	}).Infof("%s -> %s", from, next)
	if t.publish != nil {
		t.publish(ev)
	}
}

func (t *Tunnel) teardown(h core.TunnelHandle) {
	if err := t.driver.Teardown(h); err != nil {
		t.log.WithField("endpoint", h.EndpointID()).Warnf("teardown: %v", core.AsTransportError("teardown", err))
	}
}

func aborted(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	cause := context.Cause(ctx)
	return errors.Is(cause, core.ErrCancelled) || errors.Is(cause, context.Canceled)
}
