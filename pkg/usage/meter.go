// Package usage samples a live tunnel's byte counters on a fixed interval.
package usage

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/vpnengine/pkg/core"
	"github.com/irctrakz/vpnengine/pkg/logging"
)

// DefaultInterval is the sampling period when Options.Interval is zero.
const DefaultInterval = time.Second

// ErrStopped is returned by Sample after Stop.
var ErrStopped = errors.New("usage meter stopped")

// Options configure a Meter.
type Options struct {
	Interval time.Duration
	Now      func() time.Time

	// OnSample is called after each accepted sample, one call at a time and
	// outside the meter lock. It may call Latest or Resets but not Stop.
	OnSample func(core.UsageSample)
}

// Meter polls TransportDriver.Counters for one handle. A Meter belongs to a
// single session and is never restarted once stopped.
type Meter struct {
	driver   core.TransportDriver
	handle   core.TunnelHandle
	interval time.Duration
	now      func() time.Time
	onSample func(core.UsageSample)
	log      *logrus.Entry

	// deliverMu orders Sample calls and their OnSample delivery. Stop takes
	// it to wait out a delivery in progress.
	deliverMu sync.Mutex

	mu      sync.Mutex
	latest  core.UsageSample
	resets  uint64
	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New returns a meter whose latest sample is zero.
func New(driver core.TransportDriver, h core.TunnelHandle, opts Options) *Meter {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Meter{
		driver:   driver,
		handle:   h,
		interval: opts.Interval,
		now:      opts.Now,
		onSample: opts.OnSample,
		log:      logging.WithComponent("usage").WithField("endpoint", h.EndpointID()),
		latest:   core.UsageSample{SampledAt: opts.Now()},
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic sampling. Calling it again, or after Stop, does
// nothing.
func (m *Meter) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true
	m.wg.Add(1)
	go m.loop()
}

// Stop ends sampling. When it returns no further sample is recorded or
// delivered.
func (m *Meter) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.stopCh)
	m.mu.Unlock()
	m.deliverMu.Lock()
	m.deliverMu.Unlock()
	m.wg.Wait()
}

// Sample reads the driver counters once. A reading lower than the previous
// one on either axis means the driver reset its counters; it is accepted as
// the new baseline and counted in Resets.
func (m *Meter) Sample() (core.UsageSample, error) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	if m.isStopped() {
		return core.UsageSample{}, ErrStopped
	}
	c, err := m.driver.Counters(m.handle)
	if err != nil {
		return core.UsageSample{}, err
	}
	s := core.UsageSample{BytesDown: c.BytesDown, BytesUp: c.BytesUp, SampledAt: m.now()}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return core.UsageSample{}, ErrStopped
	}
	if s.BytesDown < m.latest.BytesDown || s.BytesUp < m.latest.BytesUp {
		m.resets++
		m.log.Warnf("counters went backwards (down %d -> %d, up %d -> %d)",
			m.latest.BytesDown, s.BytesDown, m.latest.BytesUp, s.BytesUp)
	}
	m.latest = s
	m.mu.Unlock()

	if m.onSample != nil {
		m.onSample(s)
	}
	return s, nil
}

// Latest returns the most recent accepted sample.
func (m *Meter) Latest() core.UsageSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

// Resets returns how many counter resets were observed.
func (m *Meter) Resets() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

func (m *Meter) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *Meter) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if _, err := m.Sample(); err != nil && !errors.Is(err, ErrStopped) {
				m.log.Debugf("sample skipped: %v", err)
			}
		}
	}
}

// Delta returns the bytes transferred between two samples. An axis that went
// backwards yields zero.
func Delta(prev, cur core.UsageSample) (down, up uint64) {
	if cur.BytesDown > prev.BytesDown {
		down = cur.BytesDown - prev.BytesDown
	}
	if cur.BytesUp > prev.BytesUp {
		up = cur.BytesUp - prev.BytesUp
	}
	return down, up
}
