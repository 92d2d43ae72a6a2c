package prober

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const protocolICMP = 1

// ICMPPinger measures round-trip time with ICMP echo. Unprivileged mode uses
// datagram ICMP sockets (net.ipv4.ping_group_range on Linux); privileged mode
// needs CAP_NET_RAW.
type ICMPPinger struct {
	Privileged bool
	Timeout    time.Duration

	seq atomic.Uint32
}

// Ping sends one echo request to host and waits for the matching reply.
func (p *ICMPPinger) Ping(ctx context.Context, host string) (time.Duration, error) {
	ip, err := resolveIPv4(ctx, host)
	if err != nil {
		return 0, err
	}

	network, dst := "udp4", net.Addr(&net.UDPAddr{IP: ip})
	if p.Privileged {
		network, dst = "ip4:icmp", &net.IPAddr{IP: ip}
	}
	c, err := icmp.ListenPacket(network, "0.0.0.0")
	if err != nil {
		return 0, fmt.Errorf("icmp listen: %w", err)
	}
	defer c.Close()

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.SetDeadline(deadline); err != nil {
		return 0, err
	}
	stop := context.AfterFunc(ctx, func() { _ = c.SetDeadline(time.Now()) })
	defer stop()

	id := os.Getpid() & 0xffff
	seq := int(p.seq.Add(1) & 0xffff)
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte("vpnengine-probe")},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return 0, fmt.Errorf("icmp marshal: %w", err)
	}

	start := time.Now()
	if _, err := c.WriteTo(wire, dst); err != nil {
		return 0, fmt.Errorf("icmp send: %w", err)
	}
	buf := make([]byte, 1500)
	for {
		n, _, err := c.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("icmp read: %w", err)
		}
		rtt := time.Since(start)
		rm, err := icmp.ParseMessage(protocolICMP, buf[:n])
		if err != nil || rm.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := rm.Body.(*icmp.Echo)
		if !ok || echo.Seq != seq {
			continue
		}
		// The kernel rewrites the id on datagram sockets.
		if p.Privileged && echo.ID != id {
			continue
		}
		return rtt, nil
	}
}

func resolveIPv4(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
		return nil, errors.New("icmp probe supports IPv4 only")
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("no IPv4 address for %s", host)
}
