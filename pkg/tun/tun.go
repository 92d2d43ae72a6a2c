// Package tun provides the TUN devices the WireGuard driver can run on: the
// host kernel interface, and an in-memory device whose packet queues are
// driven by the caller.
package tun

import (
	"fmt"

	wgtun "golang.zx2c4.com/wireguard/tun"

	"github.com/irctrakz/vpnengine/pkg/logging"
)

// DefaultMTU leaves room for WireGuard overhead on a 1500 byte path.
const DefaultMTU = 1420

// Factory opens a TUN device. The WireGuard device takes ownership of the
// result and closes it on teardown.
type Factory func(name string, mtu int) (wgtun.Device, error)

// Kernel opens a host TUN interface. It needs CAP_NET_ADMIN on Linux.
func Kernel(name string, mtu int) (wgtun.Device, error) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	dev, err := wgtun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("create tun %s: %w", name, err)
	}
	ifname, err := dev.Name()
	if err != nil {
		ifname = name
	}
	logging.WithComponent("tun").Infof("opened %s (mtu %d)", ifname, mtu)
	return dev, nil
}
