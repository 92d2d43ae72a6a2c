package wireguard

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/irctrakz/vpnengine/pkg/tun"
)

// Defaults applied by DriverConfig.withDefaults.
const (
	DefaultPort             = 51820
	DefaultInterfaceName    = "vpn0"
	DefaultKeepaliveSec     = 25
	DefaultHandshakeTimeout = 15 * time.Second
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultMonitorInterval  = 5 * time.Second
	DefaultStaleAfter       = 180 * time.Second
)

// DefaultAllowedIPs routes everything through the tunnel.
var DefaultAllowedIPs = []string{"0.0.0.0/0", "::/0"}

// DriverConfig configures the client side of every tunnel the driver opens.
type DriverConfig struct {
	PrivateKey    string   // base64, 32 bytes
	InterfaceName string   // TUN interface name
	MTU           int      // plaintext MTU
	ListenPort    int      // 0 picks a random port
	AllowedIPs    []string // CIDRs routed to the server
	KeepaliveSec  int      // persistent keepalive; also triggers the first handshake

	HandshakeTimeout time.Duration // upper bound inside Establish
	PollInterval     time.Duration // handshake completion polling
	MonitorInterval  time.Duration // loss detection polling
	StaleAfter       time.Duration // handshake age that counts as lost

	TUN tun.Factory // defaults to tun.Kernel
}

func (c DriverConfig) withDefaults() DriverConfig {
	if c.InterfaceName == "" {
		c.InterfaceName = DefaultInterfaceName
	}
	if c.MTU <= 0 {
		c.MTU = tun.DefaultMTU
	}
	if len(c.AllowedIPs) == 0 {
		c.AllowedIPs = DefaultAllowedIPs
	}
	if c.KeepaliveSec <= 0 {
		c.KeepaliveSec = DefaultKeepaliveSec
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = DefaultMonitorInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.TUN == nil {
		c.TUN = tun.Kernel
	}
	return c
}

// Validate checks the private key, port, and AllowedIPs.
func (c DriverConfig) Validate() error {
	if _, err := keyToHex(c.PrivateKey); err != nil {
		return fmt.Errorf("private key: %w", err)
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port %d", c.ListenPort)
	}
	for _, p := range c.AllowedIPs {
		if _, err := netip.ParsePrefix(strings.TrimSpace(p)); err != nil {
			return fmt.Errorf("allowed ip %q: %w", p, err)
		}
	}
	return nil
}
