// Package catalog holds the set of VPN endpoints the client knows about and
// their live latency. Readers get copies; only UpdateLatency mutates an
// entry after it is added.
package catalog

import (
	"fmt"
	"sync"
	"time"

	"github.com/irctrakz/vpnengine/pkg/core"
	"github.com/irctrakz/vpnengine/pkg/logging"
)

// Catalog is safe for concurrent use.
type Catalog struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]*core.ServerEndpoint
	now   func() time.Time
}

// New builds a catalog from endpoints, preserving their order.
func New(endpoints ...core.ServerEndpoint) (*Catalog, error) {
	c := &Catalog{
		byID: make(map[string]*core.ServerEndpoint, len(endpoints)),
		now:  time.Now,
	}
	for _, ep := range endpoints {
		if err := c.Add(ep); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add appends ep. The id must be non-empty and not already present.
func (c *Catalog) Add(ep core.ServerEndpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byID[ep.ID]; exists {
		return fmt.Errorf("%w: %s", core.ErrDuplicateEndpoint, ep.ID)
	}
	stored := ep
	c.byID[ep.ID] = &stored
	c.order = append(c.order, ep.ID)
	return nil
}

// Len returns the number of endpoints.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// List returns all endpoints in insertion order.
func (c *Catalog) List() []core.ServerEndpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]core.ServerEndpoint, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.byID[id])
	}
	return out
}

// Get returns the endpoint with the given id.
func (c *Catalog) Get(id string) (core.ServerEndpoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ep, ok := c.byID[id]
	if !ok {
		return core.ServerEndpoint{}, &core.UnknownEndpointError{ID: id}
	}
	return *ep, nil
}

// UpdateLatency overwrites the measured latency of id in place.
func (c *Catalog) UpdateLatency(id string, ms int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep, ok := c.byID[id]
	if !ok {
		return &core.UnknownEndpointError{ID: id}
	}
	ep.MeasuredLatencyMs = ms
	ep.LatencyUpdatedAt = c.now()
	logging.WithComponent("catalog").WithField("endpoint", id).Debugf("latency %dms", ms)
	return nil
}

// Fastest returns the measured endpoint with the lowest latency. Ties go to
// the earlier entry. ok is false when nothing has been measured.
func (c *Catalog) Fastest() (ep core.ServerEndpoint, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range c.order {
		cand := c.byID[id]
		if !cand.Measured() {
			continue
		}
		if !ok || cand.MeasuredLatencyMs < ep.MeasuredLatencyMs {
			ep, ok = *cand, true
		}
	}
	return ep, ok
}
