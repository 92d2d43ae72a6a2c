package catalog

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/vpnengine/pkg/core"
)

func testEndpoints() []core.ServerEndpoint {
	return []core.ServerEndpoint{
		{ID: "us-east", DisplayName: "United States", Region: "na", Host: "198.51.100.10", Port: 51820},
		{ID: "uk-london", DisplayName: "United Kingdom", Region: "eu", Host: "198.51.100.20", Port: 51820},
		{ID: "de-frankfurt", DisplayName: "Germany", Region: "eu", Host: "198.51.100.30", Port: 51820},
		{ID: "jp-tokyo", DisplayName: "Japan", Region: "apac", Host: "198.51.100.40", Port: 51820},
	}
}

func TestListPreservesInsertionOrder(t *testing.T) {
	c, err := New(testEndpoints()...)
	require.NoError(t, err)

	var ids []string
	for _, ep := range c.List() {
		ids = append(ids, ep.ID)
	}
	assert.Equal(t, []string{"us-east", "uk-london", "de-frankfurt", "jp-tokyo"}, ids)
	assert.Equal(t, 4, c.Len())

	require.NoError(t, c.Add(core.ServerEndpoint{ID: "ca-toronto", Host: "198.51.100.50"}))
	list := c.List()
	assert.Equal(t, "ca-toronto", list[len(list)-1].ID)
}

func TestDuplicateAndInvalid(t *testing.T) {
	eps := testEndpoints()
	_, err := New(append(eps, eps[0])...)
	assert.True(t, errors.Is(err, core.ErrDuplicateEndpoint))

	c, err := New()
	require.NoError(t, err)
	assert.Error(t, c.Add(core.ServerEndpoint{Host: "198.51.100.1"}))
	assert.Equal(t, 0, c.Len())
}

func TestUnknownEndpoint(t *testing.T) {
	c, err := New(testEndpoints()...)
	require.NoError(t, err)

	for _, id := range []string{"", "mars-1", "US-EAST", "us-east "} {
		_, err := c.Get(id)
		assert.True(t, errors.Is(err, core.ErrUnknownEndpoint), "get %q", id)

		err = c.UpdateLatency(id, 10)
		assert.True(t, errors.Is(err, core.ErrUnknownEndpoint), "update %q", id)
	}
}

func TestUpdateLatencyPreservesIdentity(t *testing.T) {
	c, err := New(testEndpoints()...)
	require.NoError(t, err)
	at := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return at }

	before, err := c.Get("uk-london")
	require.NoError(t, err)
	assert.False(t, before.Measured())

	require.NoError(t, c.UpdateLatency("uk-london", 32))

	after, err := c.Get("uk-london")
	require.NoError(t, err)
	assert.Equal(t, int64(32), after.MeasuredLatencyMs)
	assert.Equal(t, at, after.LatencyUpdatedAt)

	after.MeasuredLatencyMs, after.LatencyUpdatedAt = before.MeasuredLatencyMs, before.LatencyUpdatedAt
	assert.Equal(t, before, after)
	assert.Equal(t, "uk-london", c.List()[1].ID)
}

func TestReturnedValuesAreCopies(t *testing.T) {
	c, err := New(testEndpoints()...)
	require.NoError(t, err)

	list := c.List()
	list[0].Host = "tampered"
	ep, err := c.Get("us-east")
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.10", ep.Host)
}

func TestFastest(t *testing.T) {
	c, err := New(testEndpoints()...)
	require.NoError(t, err)

	_, ok := c.Fastest()
	assert.False(t, ok)

	require.NoError(t, c.UpdateLatency("jp-tokyo", 89))
	require.NoError(t, c.UpdateLatency("de-frankfurt", 28))
	require.NoError(t, c.UpdateLatency("uk-london", 28))

	ep, ok := c.Fastest()
	require.True(t, ok)
	assert.Equal(t, "uk-london", ep.ID)
}

func TestConcurrentReadersAndProber(t *testing.T) {
	c, err := New(testEndpoints()...)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = c.UpdateLatency("us-east", int64(n*100+j))
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = c.List()
				_, _ = c.Fastest()
			}
		}()
	}
	wg.Wait()

	ep, err := c.Get("us-east")
	require.NoError(t, err)
	assert.True(t, ep.Measured())
}
