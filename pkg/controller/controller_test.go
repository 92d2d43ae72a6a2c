package controller

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/vpnengine/pkg/catalog"
	"github.com/irctrakz/vpnengine/pkg/core"
	"github.com/irctrakz/vpnengine/pkg/core/coretest"
)

const waitFor = 2 * time.Second

type collector struct {
	mu     sync.Mutex
	events []core.Event
}

func (c *collector) add(ev core.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) all() []core.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Event(nil), c.events...)
}

func (c *collector) states() []core.State {
	var out []core.State
	for _, ev := range c.all() {
		out = append(out, ev.To)
	}
	return out
}

func (c *collector) waitLen(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.all()) >= n }, waitFor, time.Millisecond,
		"wanted %d events", n)
}

func newTestController(t *testing.T, opts Options) (*Controller, *coretest.Driver) {
	t.Helper()
	cat, err := catalog.New(
		core.ServerEndpoint{ID: "us-east", DisplayName: "United States", Host: "198.51.100.10", Port: 51820},
		core.ServerEndpoint{ID: "eu-west", DisplayName: "Ireland", Host: "203.0.113.7", Port: 51820},
		core.ServerEndpoint{ID: "ap-south", DisplayName: "India", Host: "192.0.2.5", Port: 51820},
	)
	require.NoError(t, err)
	if opts.SampleInterval == 0 {
		opts.SampleInterval = 5 * time.Millisecond
	}
	d := coretest.NewDriver()
	c, err := New(cat, d, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, d
}

func TestConnectSuccess(t *testing.T) {
	var samples atomic.Int64
	c, d := newTestController(t, Options{OnUsage: func(core.UsageSample) { samples.Add(1) }})
	events := &collector{}
	c.Subscribe(events.add)

	st, err := c.Connect(context.Background(), "us-east")
	require.NoError(t, err)
	assert.Equal(t, core.StateConnected, st.State)
	assert.Equal(t, "us-east", st.Endpoint.ID)
	assert.Equal(t, "United States", st.Endpoint.DisplayName)
	assert.Equal(t, "us-east", st.SelectedEndpointID)
	assert.Regexp(t, `^ses_[0-9a-f-]{36}$`, st.SessionID)
	assert.False(t, st.StartedAt.IsZero())
	assert.Empty(t, st.LastError)

	events.waitLen(t, 2)
	assert.Equal(t, []core.State{core.StateConnecting, core.StateConnected}, events.states())

	d.LastHandle().SetCounters(4096, 1024)
	require.Eventually(t, func() bool {
		u := c.CurrentStatus().Usage
		return u.BytesDown == 4096 && u.BytesUp == 1024
	}, waitFor, time.Millisecond)
	assert.Positive(t, samples.Load())

	time.Sleep(2 * time.Millisecond)
	assert.Positive(t, c.CurrentStatus().Elapsed)

	st, err = c.Disconnect()
	require.NoError(t, err)
	assert.Equal(t, core.StateDisconnected, st.State)
	assert.True(t, st.StartedAt.IsZero())
	assert.Zero(t, st.Elapsed)
	assert.Equal(t, uint64(4096), st.Usage.BytesDown)

	events.waitLen(t, 4)
	assert.Equal(t, []core.State{
		core.StateConnecting, core.StateConnected, core.StateDisconnecting, core.StateDisconnected,
	}, events.states())
	assert.Equal(t, []string{"establish:us-east", "teardown:us-east"}, d.Calls())

	// Sampling stopped with the session.
	n := samples.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, samples.Load())
}

func TestConnectTimeoutFailure(t *testing.T) {
	var samples atomic.Int64
	c, d := newTestController(t, Options{OnUsage: func(core.UsageSample) { samples.Add(1) }})
	d.FailEstablish("eu-west", core.NewTransportError("establish", "timeout"))
	events := &collector{}
	c.Subscribe(events.add)

	st, err := c.Connect(context.Background(), "eu-west")
	var te *core.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "timeout", te.Reason)
	assert.Equal(t, core.StateDisconnected, st.State)
	assert.Equal(t, "timeout", st.LastError)
	assert.Equal(t, "eu-west", st.Endpoint.ID)

	events.waitLen(t, 3)
	evs := events.all()
	assert.Equal(t, []core.State{core.StateConnecting, core.StateFailed, core.StateDisconnected}, events.states())
	assert.Equal(t, "timeout", evs[1].LastError)
	assert.Equal(t, core.StateConnecting, evs[1].From)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, samples.Load())
	assert.Equal(t, 0, d.Active())
}

func TestConnectDeadline(t *testing.T) {
	c, d := newTestController(t, Options{ConnectTimeout: 20 * time.Millisecond})
	release := d.Block("us-east")
	defer release()

	st, err := c.Connect(context.Background(), "us-east")
	var te *core.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "timeout", st.LastError)
	assert.Equal(t, []string{"establish:us-east", "abort:us-east"}, d.Calls())
}

func TestUnknownEndpoint(t *testing.T) {
	c, d := newTestController(t, Options{})
	events := &collector{}
	c.Subscribe(events.add)

	st, err := c.Connect(context.Background(), "mars-1")
	assert.ErrorIs(t, err, core.ErrUnknownEndpoint)
	assert.Equal(t, core.StateDisconnected, st.State)
	assert.ErrorIs(t, c.SelectServer("mars-1"), core.ErrUnknownEndpoint)

	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, events.all())
	assert.Empty(t, d.Calls())
}

func TestSwitchEndpointTearsDownFirst(t *testing.T) {
	c, d := newTestController(t, Options{})
	events := &collector{}
	c.Subscribe(events.add)

	_, err := c.Connect(context.Background(), "us-east")
	require.NoError(t, err)
	st, err := c.Connect(context.Background(), "eu-west")
	require.NoError(t, err)
	assert.Equal(t, "eu-west", st.Endpoint.ID)

	assert.Equal(t, []string{"establish:us-east", "teardown:us-east", "establish:eu-west"}, d.Calls())
	assert.Equal(t, 1, d.MaxActive())

	events.waitLen(t, 6)
	evs := events.all()
	assert.Equal(t, []core.State{
		core.StateConnecting, core.StateConnected, core.StateDisconnecting, core.StateDisconnected,
		core.StateConnecting, core.StateConnected,
	}, events.states())
	assert.NotEqual(t, evs[0].SessionID, evs[5].SessionID)
}

func TestConnectSameEndpointIsNoop(t *testing.T) {
	c, d := newTestController(t, Options{})
	first, err := c.Connect(context.Background(), "us-east")
	require.NoError(t, err)
	again, err := c.Connect(context.Background(), "us-east")
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, again.SessionID)
	assert.Equal(t, []string{"establish:us-east"}, d.Calls())
}

func TestConnectCancelsPendingAttempt(t *testing.T) {
	c, d := newTestController(t, Options{})
	release := d.Block("us-east")
	defer release()

	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Connect(context.Background(), "us-east")
		firstErr <- err
	}()
	<-d.Started()

	st, err := c.Connect(context.Background(), "eu-west")
	require.NoError(t, err)
	assert.Equal(t, core.StateConnected, st.State)
	assert.Equal(t, "eu-west", st.Endpoint.ID)

	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, core.ErrCancelled)
	case <-time.After(waitFor):
		t.Fatal("first connect did not return")
	}
	assert.Equal(t, []string{"establish:us-east", "abort:us-east", "establish:eu-west"}, d.Calls())
	assert.Equal(t, 1, d.MaxActive())
}

func TestDisconnectCancelsHandshake(t *testing.T) {
	c, d := newTestController(t, Options{})
	release := d.Block("us-east")
	defer release()
	events := &collector{}
	c.Subscribe(events.add)

	done := make(chan error, 1)
	go func() {
		_, err := c.Connect(context.Background(), "us-east")
		done <- err
	}()
	<-d.Started()
	assert.Equal(t, core.StateConnecting, c.CurrentStatus().State)

	st, err := c.Disconnect()
	require.NoError(t, err)
	assert.Equal(t, core.StateDisconnected, st.State)
	assert.Empty(t, st.LastError)
	assert.ErrorIs(t, <-done, core.ErrCancelled)

	events.waitLen(t, 3)
	assert.Equal(t, []core.State{core.StateConnecting, core.StateDisconnecting, core.StateDisconnected}, events.states())
	assert.Equal(t, 0, d.Active())
	assert.Contains(t, d.Calls(), "abort:us-east")
	assert.False(t, c.Cancel())
}

func TestCallerContextCancel(t *testing.T) {
	c, d := newTestController(t, Options{})
	release := d.Block("us-east")
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Connect(ctx, "us-east")
		done <- err
	}()
	<-d.Started()
	cancel()
	assert.ErrorIs(t, <-done, core.ErrCancelled)
	assert.Empty(t, c.CurrentStatus().LastError)
	assert.Equal(t, 0, d.Active())
}

func TestTunnelLost(t *testing.T) {
	c, d := newTestController(t, Options{})
	events := &collector{}
	c.Subscribe(events.add)

	_, err := c.Connect(context.Background(), "us-east")
	require.NoError(t, err)
	h := d.LastHandle()
	h.Lose(errors.New("peer unreachable"))

	events.waitLen(t, 4)
	assert.Equal(t, []core.State{
		core.StateConnecting, core.StateConnected, core.StateDisconnecting, core.StateDisconnected,
	}, events.states())
	st := c.CurrentStatus()
	assert.Equal(t, core.StateDisconnected, st.State)
	assert.Equal(t, "peer unreachable", st.LastError)
	assert.True(t, h.Closed())

	// A new session starts clean.
	st, err = c.Connect(context.Background(), "us-east")
	require.NoError(t, err)
	assert.Empty(t, st.LastError)
	assert.Zero(t, st.Usage.BytesDown)
}

func TestUsageResetsBetweenSessions(t *testing.T) {
	c, d := newTestController(t, Options{})
	_, err := c.Connect(context.Background(), "us-east")
	require.NoError(t, err)
	d.LastHandle().SetCounters(9000, 9000)
	require.Eventually(t, func() bool { return c.CurrentStatus().Usage.BytesDown == 9000 }, waitFor, time.Millisecond)

	st, err := c.Connect(context.Background(), "eu-west")
	require.NoError(t, err)
	assert.Zero(t, st.Usage.BytesDown)
	assert.Zero(t, st.Usage.BytesUp)
}

func TestSubscribersSeeEventsOnceInOrder(t *testing.T) {
	c, _ := newTestController(t, Options{})

	fast := &collector{}
	c.Subscribe(fast.add)

	gate := make(chan struct{})
	slow := &collector{}
	c.Subscribe(func(ev core.Event) {
		<-gate
		slow.add(ev)
	})

	dropped := &collector{}
	unsubscribe := c.Subscribe(dropped.add)
	unsubscribe()
	unsubscribe()

	for i := 0; i < 5; i++ {
		_, err := c.Connect(context.Background(), "us-east")
		require.NoError(t, err)
		_, err = c.Disconnect()
		require.NoError(t, err)
	}

	// The blocked listener did not hold anyone up.
	fast.waitLen(t, 20)
	assert.Empty(t, slow.all())
	close(gate)
	slow.waitLen(t, 20)

	for _, got := range [][]core.Event{fast.all(), slow.all()} {
		require.Len(t, got, 20)
		for i, ev := range got {
			assert.Equal(t, uint64(i+1), ev.Seq)
		}
	}
	assert.Empty(t, dropped.all())
	assert.Equal(t, 2, c.hub.len())
}

func TestQuickConnect(t *testing.T) {
	c, _ := newTestController(t, Options{})

	st, err := c.QuickConnect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "us-east", st.Endpoint.ID)

	require.NoError(t, c.Catalog().UpdateLatency("ap-south", 40))
	require.NoError(t, c.Catalog().UpdateLatency("eu-west", 12))
	_, _ = c.Disconnect()
	c.mu.Lock()
	c.selected = ""
	c.mu.Unlock()
	st, err = c.QuickConnect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "eu-west", st.Endpoint.ID)

	require.NoError(t, c.SelectServer("ap-south"))
	st, err = c.QuickConnect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ap-south", st.Endpoint.ID)
}

func TestQuickConnectEmptyCatalog(t *testing.T) {
	cat, err := catalog.New()
	require.NoError(t, err)
	c, err := New(cat, coretest.NewDriver(), Options{})
	require.NoError(t, err)
	_, err = c.QuickConnect(context.Background())
	assert.ErrorIs(t, err, core.ErrUnknownEndpoint)
}

func TestDefaultEndpoint(t *testing.T) {
	cat, err := catalog.New(core.ServerEndpoint{ID: "us-east", Host: "198.51.100.10"})
	require.NoError(t, err)

	_, err = New(cat, coretest.NewDriver(), Options{DefaultEndpointID: "nope"})
	assert.ErrorIs(t, err, core.ErrUnknownEndpoint)

	c, err := New(cat, coretest.NewDriver(), Options{DefaultEndpointID: "us-east"})
	require.NoError(t, err)
	st := c.CurrentStatus()
	assert.Equal(t, core.StateDisconnected, st.State)
	assert.Equal(t, "us-east", st.SelectedEndpointID)
	assert.Equal(t, "us-east", st.Endpoint.ID)
}

func TestTeardownErrorIsNotFatal(t *testing.T) {
	c, d := newTestController(t, Options{})
	_, err := c.Connect(context.Background(), "us-east")
	require.NoError(t, err)
	d.FailTeardown(errors.New("device busy"))

	st, err := c.Disconnect()
	require.NoError(t, err)
	assert.Equal(t, core.StateDisconnected, st.State)
}

func TestClose(t *testing.T) {
	c, d := newTestController(t, Options{})
	_, err := c.Connect(context.Background(), "us-east")
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, core.StateDisconnected, c.CurrentStatus().State)
	assert.Equal(t, 0, d.Active())

	_, err = c.Connect(context.Background(), "us-east")
	assert.ErrorIs(t, err, core.ErrClosed)
	_, err = c.Disconnect()
	assert.ErrorIs(t, err, core.ErrClosed)
	assert.Equal(t, 0, c.hub.len())
}

func TestConcurrentOperations(t *testing.T) {
	c, d := newTestController(t, Options{})
	events := &collector{}
	c.Subscribe(events.add)
	ids := []string{"us-east", "eu-west", "ap-south"}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 25; i++ {
				switch r.Intn(4) {
				case 0, 1:
					_, _ = c.Connect(context.Background(), ids[r.Intn(len(ids))])
				case 2:
					_, _ = c.Disconnect()
				default:
					st := c.CurrentStatus()
					assert.True(t, st.State.Valid())
				}
			}
		}(int64(g))
	}
	wg.Wait()
	_, err := c.Disconnect()
	require.NoError(t, err)

	assert.LessOrEqual(t, d.MaxActive(), 1)
	assert.Equal(t, 0, d.Active())

	require.Eventually(t, func() bool {
		evs := events.all()
		return len(evs) > 0 && evs[len(evs)-1].To == core.StateDisconnected
	}, waitFor, time.Millisecond)
	evs := events.all()
	assert.Equal(t, core.StateDisconnected, evs[0].From)
	for i := 1; i < len(evs); i++ {
		assert.Equal(t, evs[i-1].To, evs[i].From, "event %d", i)
		assert.True(t, evs[i].From.Allowed(evs[i].To))
		assert.Equal(t, evs[i-1].Seq+1, evs[i].Seq)
	}
	assert.Equal(t, core.StateDisconnected, evs[len(evs)-1].To)
}

func TestCloseDeliversQueuedEvents(t *testing.T) {
	c, _ := newTestController(t, Options{})
	slow := &collector{}
	c.Subscribe(func(ev core.Event) {
		time.Sleep(20 * time.Millisecond)
		slow.add(ev)
	})

	_, err := c.Connect(context.Background(), "us-east")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	slow.waitLen(t, 4)
	assert.Equal(t, []core.State{
		core.StateConnecting, core.StateConnected, core.StateDisconnecting, core.StateDisconnected,
	}, slow.states())

	// Nothing is accepted after Close.
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, slow.all(), 4)
	assert.Equal(t, 0, c.hub.len())
}

func TestOnUsageMayReadStatus(t *testing.T) {
	var ctrl atomic.Pointer[Controller]
	seen := make(chan core.Status, 1)
	c, d := newTestController(t, Options{OnUsage: func(core.UsageSample) {
		if c := ctrl.Load(); c != nil {
			select {
			case seen <- c.CurrentStatus():
			default:
			}
		}
	}})
	ctrl.Store(c)

	_, err := c.Connect(context.Background(), "us-east")
	require.NoError(t, err)
	d.LastHandle().SetCounters(100, 10)

	select {
	case st := <-seen:
		assert.Equal(t, core.StateConnected, st.State)
	case <-time.After(waitFor):
		t.Fatal("OnUsage never delivered")
	}

	done := make(chan core.Status, 1)
	go func() {
		st, _ := c.Disconnect()
		done <- st
	}()
	select {
	case st := <-done:
		assert.Equal(t, core.StateDisconnected, st.State)
	case <-time.After(waitFor):
		t.Fatal("disconnect blocked")
	}
}

func TestDisconnectCancelsAttemptBeforeConnecting(t *testing.T) {
	c, d := newTestController(t, Options{})

	// An attempt whose cancel func is installed but whose session has not
	// entered connecting yet.
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	c.mu.Lock()
	c.cancelAttempt = cancel
	c.mu.Unlock()
	assert.Equal(t, core.StateDisconnected, c.CurrentStatus().State)

	_, err := c.Disconnect()
	require.NoError(t, err)
	assert.ErrorIs(t, context.Cause(ctx), core.ErrCancelled)
	assert.Empty(t, d.Calls())
}
