package core

import "context"

// TunnelHandle identifies one established tunnel owned by a TransportDriver.
type TunnelHandle interface {
	// EndpointID returns the endpoint the tunnel was established to.
	EndpointID() string

	// Lost delivers a reason when the tunnel drops for reasons outside the
	// client's control (network change, peer gone). At most one value is
	// sent.
	Lost() <-chan error
}

// TransportDriver performs the protocol-specific handshake and tunneling.
// The session engine depends only on this contract.
type TransportDriver interface {
	// Establish performs the handshake with ep. It must return promptly
	// when ctx is done and release anything it allocated before returning.
	// ctx bounds the handshake only; an established tunnel outlives it.
	Establish(ctx context.Context, ep ServerEndpoint) (TunnelHandle, error)

	// Teardown releases the tunnel. Calling it twice is not an error.
	Teardown(h TunnelHandle) error

	// Counters returns cumulative byte counters for the tunnel.
	Counters(h TunnelHandle) (Counters, error)
}
