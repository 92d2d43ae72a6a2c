// Package prober measures endpoint latency in the background and writes it
// into the catalog.
package prober

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/irctrakz/vpnengine/pkg/catalog"
	"github.com/irctrakz/vpnengine/pkg/logging"
)

// Defaults for Options.
const (
	DefaultInterval    = time.Minute
	DefaultConcurrency = 4
	DefaultTimeout     = 2 * time.Second
)

// Pinger measures round-trip time to a host.
type Pinger interface {
	Ping(ctx context.Context, host string) (time.Duration, error)
}

// Options configure a Prober.
type Options struct {
	Interval    time.Duration
	Concurrency int
	Timeout     time.Duration // per probe
}

// Result is the outcome of probing one endpoint.
type Result struct {
	EndpointID string
	Latency    time.Duration
	Err        error
}

// Prober probes every catalog endpoint on an interval.
type Prober struct {
	catalog *catalog.Catalog
	pinger  Pinger
	opts    Options
	log     *logrus.Entry
}

// New returns a prober. Zero options take the package defaults.
func New(cat *catalog.Catalog, pinger Pinger, opts Options) *Prober {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Prober{catalog: cat, pinger: pinger, opts: opts, log: logging.WithComponent("prober")}
}

// ProbeOnce probes every endpoint and records successful measurements.
// Failed probes leave the previous measurement in place. Results follow
// catalog order.
func (p *Prober) ProbeOnce(ctx context.Context) []Result {
	endpoints := p.catalog.List()
	results := make([]Result, len(endpoints))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for i, ep := range endpoints {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, p.opts.Timeout)
			defer cancel()
			rtt, err := p.pinger.Ping(pctx, ep.Host)
			results[i] = Result{EndpointID: ep.ID, Latency: rtt, Err: err}
			if err != nil {
				p.log.WithField("endpoint", ep.ID).Debugf("probe failed: %v", err)
				return nil
			}
			if err := p.catalog.UpdateLatency(ep.ID, rtt.Milliseconds()); err != nil {
				results[i].Err = err
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Run probes immediately and then every Interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		results := p.ProbeOnce(ctx)
		ok := 0
		for _, r := range results {
			if r.Err == nil {
				ok++
			}
		}
		p.log.Debugf("probed %d endpoints, %d answered", len(results), ok)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
