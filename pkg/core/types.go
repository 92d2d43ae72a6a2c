// Package core holds the types shared by the session engine and its
// transport drivers: endpoints, states, events, and the driver contract.
package core

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// ServerEndpoint is a VPN server the client can connect to.
type ServerEndpoint struct {
	// ID uniquely identifies the endpoint within a catalog (e.g. "us-east").
	ID string `json:"id" yaml:"id"`

	// DisplayName is the human-readable name (e.g. "United States").
	DisplayName string `json:"display_name" yaml:"displayName"`

	// Region is a coarse location label.
	Region string `json:"region" yaml:"region"`

	// Host is the server hostname or IP address.
	Host string `json:"host" yaml:"host"`

	// Port is the transport port. Drivers that do not need it ignore it.
	Port int `json:"port,omitempty" yaml:"port"`

	// PublicKey is the server's static public key (base64) for drivers
	// that authenticate peers by key.
	PublicKey string `json:"public_key,omitempty" yaml:"publicKey"`

	// MeasuredLatencyMs is the last measured round-trip time in milliseconds.
	MeasuredLatencyMs int64 `json:"measured_latency_ms" yaml:"-"`

	// LatencyUpdatedAt is when MeasuredLatencyMs was last written. Zero
	// means the endpoint has never been measured.
	LatencyUpdatedAt time.Time `json:"latency_updated_at,omitempty" yaml:"-"`
}

// Address returns host:port, or the bare host when no port is set.
func (e ServerEndpoint) Address() string {
	if e.Port == 0 {
		return e.Host
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Measured reports whether the endpoint has a latency measurement.
func (e ServerEndpoint) Measured() bool {
	return !e.LatencyUpdatedAt.IsZero()
}

// Validate checks the identity fields.
func (e ServerEndpoint) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("endpoint id cannot be empty")
	}
	if e.Host == "" {
		return fmt.Errorf("endpoint %s: host cannot be empty", e.ID)
	}
	if e.Port < 0 || e.Port > 65535 {
		return fmt.Errorf("endpoint %s: invalid port %d", e.ID, e.Port)
	}
	return nil
}

// Counters are cumulative byte counters reported by a transport since the
// tunnel was established.
type Counters struct {
	BytesDown uint64
	BytesUp   uint64
}

// UsageSample is one observation of the session's byte counters.
type UsageSample struct {
	BytesDown uint64    `json:"bytes_down"`
	BytesUp   uint64    `json:"bytes_up"`
	SampledAt time.Time `json:"sampled_at"`
}

// SessionSnapshot is a copy of the tunnel session fields.
type SessionSnapshot struct {
	SessionID  string
	State      State
	EndpointID string
	StartedAt  time.Time
	LastError  error
}

// Event describes one state transition. Seq increases by one per transition
// over the lifetime of the process.
type Event struct {
	Seq        uint64    `json:"seq"`
	SessionID  string    `json:"session_id"`
	From       State     `json:"from"`
	To         State     `json:"to"`
	EndpointID string    `json:"endpoint_id"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	At         time.Time `json:"at"`
}

// Status is the observable view a UI renders.
type Status struct {
	State              State          `json:"state"`
	SessionID          string         `json:"session_id,omitempty"`
	Endpoint           ServerEndpoint `json:"endpoint"`
	SelectedEndpointID string         `json:"selected_endpoint_id"`
	StartedAt          time.Time      `json:"started_at,omitempty"`
	Elapsed            time.Duration  `json:"elapsed_ns"`
	Usage              UsageSample    `json:"usage"`
	LastError          string         `json:"last_error,omitempty"`
}
