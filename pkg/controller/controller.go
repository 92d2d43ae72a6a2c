// Package controller is the facade a UI drives: server selection, connect
// and disconnect, status, and state change subscriptions. It composes the
// catalog, the tunnel session and the usage meter over one TransportDriver.
package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/irctrakz/vpnengine/pkg/catalog"
	"github.com/irctrakz/vpnengine/pkg/core"
	"github.com/irctrakz/vpnengine/pkg/logging"
	"github.com/irctrakz/vpnengine/pkg/session"
	"github.com/irctrakz/vpnengine/pkg/usage"
)

// DefaultConnectTimeout bounds a handshake when Options.ConnectTimeout is zero.
const DefaultConnectTimeout = 30 * time.Second

// Options configure a Controller.
type Options struct {
	// SampleInterval is the usage sampling period. Zero means usage.DefaultInterval.
	SampleInterval time.Duration

	// ConnectTimeout bounds each handshake. Negative disables the bound.
	ConnectTimeout time.Duration

	// DefaultEndpointID is the initial selection. Empty leaves nothing selected.
	DefaultEndpointID string

	// OnUsage, if set, receives every usage sample of the live session. It
	// may read CurrentStatus but must not call Connect, Disconnect or Close.
	OnUsage func(core.UsageSample)

	Now func() time.Time
}

// Controller is safe for concurrent use.
type Controller struct {
	catalog *catalog.Catalog
	driver  core.TransportDriver
	tunnel  *session.Tunnel
	hub     *hub
	opts    Options
	log     *logrus.Entry

	// opMu serializes everything that touches the driver, so at most one
	// handshake or tunnel is alive at a time.
	opMu sync.Mutex

	mu            sync.Mutex
	selected      string
	active        *activeTunnel
	lastUsage     core.UsageSample
	cancelAttempt context.CancelCauseFunc
	closed        bool
}

type activeTunnel struct {
	handle core.TunnelHandle
	meter  *usage.Meter
	stop   chan struct{}
}

// New returns a disconnected controller.
func New(cat *catalog.Catalog, driver core.TransportDriver, opts Options) (*Controller, error) {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultEndpointID != "" {
		if _, err := cat.Get(opts.DefaultEndpointID); err != nil {
			return nil, err
		}
	}
	c := &Controller{
		catalog:  cat,
		driver:   driver,
		hub:      newHub(),
		opts:     opts,
		log:      logging.WithComponent("controller"),
		selected: opts.DefaultEndpointID,
	}
	c.tunnel = session.New(driver, session.Options{Publish: c.hub.publish, Now: opts.Now})
	return c, nil
}

// Catalog returns the endpoint catalog the controller reads from.
func (c *Controller) Catalog() *catalog.Catalog {
	return c.catalog
}

// Servers lists the catalog with current latency measurements.
func (c *Controller) Servers() []core.ServerEndpoint {
	return c.catalog.List()
}

// SelectServer records id as the endpoint QuickConnect uses.
func (c *Controller) SelectServer(id string) error {
	if _, err := c.catalog.Get(id); err != nil {
		return err
	}
	c.mu.Lock()
	c.selected = id
	c.mu.Unlock()
	c.log.WithField("endpoint", id).Info("server selected")
	return nil
}

// Selected returns the selected endpoint id, or "".
func (c *Controller) Selected() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// QuickConnect connects to the selected endpoint, else the fastest measured
// one, else the first in the catalog.
func (c *Controller) QuickConnect(ctx context.Context) (core.Status, error) {
	id := c.Selected()
	if id == "" {
		if ep, ok := c.catalog.Fastest(); ok {
			id = ep.ID
		} else if list := c.catalog.List(); len(list) > 0 {
			id = list[0].ID
		}
	}
	if id == "" {
		return c.CurrentStatus(), &core.UnknownEndpointError{}
	}
	return c.Connect(ctx, id)
}

// Connect establishes a tunnel to id and blocks until it is connected, has
// failed, or was cancelled.
//
// Connecting to the endpoint that is already connecting or connected is a
// no-op. A pending attempt to another endpoint is cancelled, and a live
// tunnel to another endpoint is torn down before the new handshake starts.
func (c *Controller) Connect(ctx context.Context, id string) (core.Status, error) {
	if c.isClosed() {
		return c.CurrentStatus(), core.ErrClosed
	}
	ep, err := c.catalog.Get(id)
	if err != nil {
		return c.CurrentStatus(), err
	}

	snap := c.tunnel.Snapshot()
	if snap.EndpointID == id && (snap.State == core.StateConnecting || snap.State == core.StateConnected) {
		return c.CurrentStatus(), nil
	}
	// The attempt's cancel func is installed before the session enters
	// connecting, so cancel regardless of the state just observed.
	c.cancelPending()

	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.isClosed() {
		return c.CurrentStatus(), core.ErrClosed
	}
	snap = c.tunnel.Snapshot()
	if snap.State == core.StateConnected {
		if snap.EndpointID == id {
			return c.CurrentStatus(), nil
		}
		c.teardownLocked()
	}

	c.mu.Lock()
	c.selected = id
	c.mu.Unlock()
	return c.connectLocked(ctx, ep)
}

// Disconnect cancels a pending handshake or tears down the live tunnel. It
// is a no-op when already disconnected.
func (c *Controller) Disconnect() (core.Status, error) {
	if c.isClosed() {
		return c.CurrentStatus(), core.ErrClosed
	}
	c.disconnect()
	return c.CurrentStatus(), nil
}

// Cancel aborts a pending handshake. It reports whether there was one.
func (c *Controller) Cancel() bool {
	return c.cancelPending()
}

// CurrentStatus returns the view a UI renders.
func (c *Controller) CurrentStatus() core.Status {
	snap := c.tunnel.Snapshot()

	c.mu.Lock()
	selected := c.selected
	active := c.active
	last := c.lastUsage
	c.mu.Unlock()

	st := core.Status{
		State:              snap.State,
		SessionID:          snap.SessionID,
		SelectedEndpointID: selected,
		StartedAt:          snap.StartedAt,
		Usage:              last,
	}
	id := snap.EndpointID
	if id == "" {
		id = selected
	}
	if id != "" {
		if ep, err := c.catalog.Get(id); err == nil {
			st.Endpoint = ep
		}
	}
	if snap.State == core.StateConnected && !snap.StartedAt.IsZero() {
		st.Elapsed = c.opts.Now().Sub(snap.StartedAt)
	}
	if active != nil {
		st.Usage = active.meter.Latest()
	}
	if snap.LastError != nil {
		st.LastError = snap.LastError.Error()
	}
	return st
}

// Subscribe registers fn for every state transition from now on. Each
// listener sees events exactly once and in order, on its own goroutine.
// Events still queued when unsubscribe is called are discarded.
func (c *Controller) Subscribe(fn func(core.Event)) (unsubscribe func()) {
	return c.hub.subscribe(fn)
}

// Close disconnects and releases all listeners once they have received every
// transition published before Close. Later calls fail with core.ErrClosed.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.disconnect()
	c.hub.close()
	c.log.Info("controller closed")
	return nil
}

func (c *Controller) disconnect() {
	c.cancelPending()
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.tunnel.State() == core.StateConnected {
		c.teardownLocked()
	}
}

// connectLocked must be called with opMu held.
func (c *Controller) connectLocked(ctx context.Context, ep core.ServerEndpoint) (core.Status, error) {
	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if c.opts.ConnectTimeout > 0 {
		var stop context.CancelFunc
		attemptCtx, stop = context.WithTimeout(attemptCtx, c.opts.ConnectTimeout)
		defer stop()
	}

	c.mu.Lock()
	c.cancelAttempt = cancel
	c.lastUsage = core.UsageSample{}
	c.mu.Unlock()

	h, err := c.tunnel.Connect(attemptCtx, ep, newSessionID())

	c.mu.Lock()
	c.cancelAttempt = nil
	c.mu.Unlock()
	if err != nil {
		return c.CurrentStatus(), err
	}

	c.startActiveLocked(h)
	return c.CurrentStatus(), nil
}

func (c *Controller) startActiveLocked(h core.TunnelHandle) {
	m := usage.New(c.driver, h, usage.Options{
		Interval: c.opts.SampleInterval,
		Now:      c.opts.Now,
		OnSample: c.opts.OnUsage,
	})
	a := &activeTunnel{handle: h, meter: m, stop: make(chan struct{})}
	c.mu.Lock()
	c.active = a
	c.mu.Unlock()
	m.Start()
	go c.watchLoss(a)
}

// teardownLocked must be called with opMu held.
func (c *Controller) teardownLocked() {
	c.retire(c.takeActive(nil))
	if err := c.tunnel.Disconnect(); err != nil {
		c.log.Warnf("disconnect: %v", err)
	}
}

// takeActive detaches the live tunnel. When want is non-nil it only detaches
// that one.
func (c *Controller) takeActive(want *activeTunnel) *activeTunnel {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := c.active
	if a == nil || (want != nil && a != want) {
		return nil
	}
	c.active = nil
	return a
}

// retire stops the meter before the handle is released so no sample is read
// from a torn down tunnel.
func (c *Controller) retire(a *activeTunnel) {
	if a == nil {
		return
	}
	close(a.stop)
	a.meter.Stop()
	c.mu.Lock()
	c.lastUsage = a.meter.Latest()
	c.mu.Unlock()
}

func (c *Controller) watchLoss(a *activeTunnel) {
	var reason error
	select {
	case <-a.stop:
		return
	case r, ok := <-a.handle.Lost():
		if !ok {
			r = errors.New("tunnel closed by driver")
		}
		reason = r
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.takeActive(a) == nil {
		return
	}
	c.retire(a)
	c.tunnel.Drop(a.handle, reason)
}

func (c *Controller) cancelPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelAttempt == nil {
		return false
	}
	c.cancelAttempt(core.ErrCancelled)
	return true
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newSessionID() string {
	return "ses_" + uuid.NewString()
}
