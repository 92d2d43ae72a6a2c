// Package wireguard implements core.TransportDriver on wireguard-go. Each
// Establish brings up a userspace WireGuard device with the endpoint as its
// only peer and waits for the first completed handshake.
package wireguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/conn"
	wgdev "golang.zx2c4.com/wireguard/device"

	"github.com/irctrakz/vpnengine/pkg/core"
	"github.com/irctrakz/vpnengine/pkg/logging"
)

var errForeignHandle = errors.New("wireguard: handle not created by this driver")

// Driver is safe for concurrent use, though the controller only ever keeps
// one tunnel alive.
type Driver struct {
	cfg       DriverConfig
	privHex   string
	publicKey string
	log       *logrus.Entry
	now       func() time.Time
	resolver  *net.Resolver
}

var _ core.TransportDriver = (*Driver)(nil)

// NewDriver validates cfg and returns a driver.
func NewDriver(cfg DriverConfig) (*Driver, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	privHex, _ := keyToHex(cfg.PrivateKey)
	pub, err := PublicKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	d := &Driver{
		cfg:       cfg,
		privHex:   privHex,
		publicKey: pub,
		log:       logging.WithComponent("wireguard"),
		now:       time.Now,
		resolver:  net.DefaultResolver,
	}
	d.log.Infof("client public key %s", shortKey(pub))
	return d, nil
}

// PublicKey returns the client's base64 public key, which the server must
// list as a peer.
func (d *Driver) PublicKey() string {
	return d.publicKey
}

type tunnel struct {
	endpointID string
	peerHex    string
	dev        *wgdev.Device

	lost      chan error
	lostOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

func (t *tunnel) EndpointID() string { return t.endpointID }

func (t *tunnel) Lost() <-chan error { return t.lost }

func (t *tunnel) reportLost(reason error) {
	t.lostOnce.Do(func() { t.lost <- reason })
}

func (t *tunnel) close() bool {
	closed := false
	t.closeOnce.Do(func() {
		close(t.done)
		t.dev.Close()
		closed = true
	})
	return closed
}

// Establish implements core.TransportDriver.
func (d *Driver) Establish(ctx context.Context, ep core.ServerEndpoint) (core.TunnelHandle, error) {
	log := d.log.WithField("endpoint", ep.ID)

	peerHex, err := keyToHex(ep.PublicKey)
	if err != nil {
		return nil, &core.TransportError{Op: "establish", Reason: "invalid server public key", Err: err}
	}
	addr, err := d.resolve(ctx, ep)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &core.TransportError{Op: "establish", Reason: "resolve " + ep.Host, Err: err}
	}

	tdev, err := d.cfg.TUN(d.cfg.InterfaceName, d.cfg.MTU)
	if err != nil {
		return nil, &core.TransportError{Op: "establish", Reason: "tun unavailable", Err: err}
	}
	dev := wgdev.NewDevice(tdev, conn.NewDefaultBind(), deviceLogger(log))

	conf := buildUAPI(d.privHex, d.cfg.ListenPort, peerHex, addr.String(), d.cfg.KeepaliveSec, d.cfg.AllowedIPs)
	log.Debugf("UAPI IpcSet applying:\n%s", maskUAPI(conf, d.privHex))
	if err := dev.IpcSet(conf); err != nil {
		dev.Close()
		return nil, &core.TransportError{Op: "establish", Reason: "device configuration rejected", Err: err}
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, &core.TransportError{Op: "establish", Reason: "device up failed", Err: err}
	}
	log.Infof("handshake with %s", addr)

	hsCtx, cancel := context.WithTimeout(ctx, d.cfg.HandshakeTimeout)
	defer cancel()
	if err := d.awaitHandshake(hsCtx, dev, peerHex); err != nil {
		dev.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &core.TransportError{Op: "establish", Reason: "timeout", Err: err}
	}

	t := &tunnel{
		endpointID: ep.ID,
		peerHex:    peerHex,
		dev:        dev,
		lost:       make(chan error, 1),
		done:       make(chan struct{}),
	}
	go d.monitor(t, log)
	log.Info("tunnel up")
	return t, nil
}

// Teardown implements core.TransportDriver.
func (d *Driver) Teardown(h core.TunnelHandle) error {
	t, ok := h.(*tunnel)
	if !ok {
		return errForeignHandle
	}
	if t.close() {
		d.log.WithField("endpoint", t.endpointID).Info("tunnel down")
	}
	return nil
}

// Counters implements core.TransportDriver. Received bytes count as down.
func (d *Driver) Counters(h core.TunnelHandle) (core.Counters, error) {
	t, ok := h.(*tunnel)
	if !ok {
		return core.Counters{}, errForeignHandle
	}
	p, err := d.peer(t.dev, t.peerHex)
	if err != nil {
		return core.Counters{}, err
	}
	return core.Counters{BytesDown: p.RxBytes, BytesUp: p.TxBytes}, nil
}

func (d *Driver) resolve(ctx context.Context, ep core.ServerEndpoint) (netip.AddrPort, error) {
	port := ep.Port
	if port == 0 {
		port = DefaultPort
	}
	if ip, err := netip.ParseAddr(ep.Host); err == nil {
		return netip.AddrPortFrom(ip, uint16(port)), nil
	}
	ips, err := d.resolver.LookupNetIP(ctx, "ip", ep.Host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("no addresses for %s", net.JoinHostPort(ep.Host, strconv.Itoa(port)))
	}
	return netip.AddrPortFrom(ips[0].Unmap(), uint16(port)), nil
}

func (d *Driver) peer(dev *wgdev.Device, peerHex string) (peerState, error) {
	state, err := dev.IpcGet()
	if err != nil {
		return peerState{}, fmt.Errorf("ipc get: %w", err)
	}
	p, ok := findPeer(state, peerHex)
	if !ok {
		return peerState{}, errors.New("peer missing from device state")
	}
	return p, nil
}

func (d *Driver) awaitHandshake(ctx context.Context, dev *wgdev.Device, peerHex string) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if p, err := d.peer(dev, peerHex); err == nil && p.HandshakeDone() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// monitor reports the tunnel lost once the device stops answering or the
// last handshake is older than StaleAfter.
func (d *Driver) monitor(t *tunnel, log *logrus.Entry) {
	ticker := time.NewTicker(d.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		p, err := d.peer(t.dev, t.peerHex)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			t.reportLost(err)
			return
		}
		if reason := staleness(p, d.now(), d.cfg.StaleAfter); reason != nil {
			t.reportLost(reason)
			return
		}
		log.Debugf("peer %s: handshake=%s transfer=rx:%d/tx:%d bytes",
			shortKey(t.peerHex), describeHandshake(p.LastHandshake, d.now()), p.RxBytes, p.TxBytes)
	}
}

func staleness(p peerState, now time.Time, after time.Duration) error {
	if !p.HandshakeDone() {
		return errors.New("handshake lost")
	}
	if age := now.Sub(p.LastHandshake); age > after {
		return fmt.Errorf("no handshake for %s", age.Truncate(time.Second))
	}
	return nil
}

// deviceLogger routes wireguard-go logs into logrus. Verbose output only
// shows at debug level.
func deviceLogger(log *logrus.Entry) *wgdev.Logger {
	return &wgdev.Logger{
		Verbosef: log.Debugf,
		Errorf:   log.Warnf,
	}
}
