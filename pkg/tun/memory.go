package tun

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"

	wgtun "golang.zx2c4.com/wireguard/tun"
)

// ErrClosed is returned by a closed Memory device.
var ErrClosed = errors.New("tun closed")

// DefaultQueueCap bounds each Memory queue.
const DefaultQueueCap = 1024

// Stats counts plaintext traffic through a Memory device.
type Stats struct {
	Injected   uint64 // packets handed to the WireGuard device
	Delivered  uint64 // packets the WireGuard device wrote back
	QueueDrops uint64 // packets dropped on a full queue
}

// Memory is a userspace wgtun.Device. Packets passed to Inject are read by
// WireGuard and sent to the peer; packets WireGuard decrypts arrive on
// Delivered.
type Memory struct {
	name string
	mtu  int

	in        chan []byte
	out       chan []byte
	events    chan wgtun.Event
	closed    chan struct{}
	closeOnce sync.Once

	injected   atomic.Uint64
	delivered  atomic.Uint64
	queueDrops atomic.Uint64
}

var _ wgtun.Device = (*Memory)(nil)

// NewMemory returns an up Memory device.
func NewMemory(name string, mtu int) *Memory {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	m := &Memory{
		name:   name,
		mtu:    mtu,
		in:     make(chan []byte, DefaultQueueCap),
		out:    make(chan []byte, DefaultQueueCap),
		events: make(chan wgtun.Event, 2),
		closed: make(chan struct{}),
	}
	m.events <- wgtun.EventUp
	return m
}

// MemoryFactory is a Factory producing Memory devices. Each call to the
// returned Factory also hands the device to created when it is non-nil.
func MemoryFactory(created func(*Memory)) Factory {
	return func(name string, mtu int) (wgtun.Device, error) {
		m := NewMemory(name, mtu)
		if created != nil {
			created(m)
		}
		return m, nil
	}
}

// Inject queues a plaintext IP packet for WireGuard to encrypt.
func (m *Memory) Inject(pkt []byte) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	cp := append([]byte(nil), pkt...)
	select {
	case m.in <- cp:
		m.injected.Add(1)
		return nil
	default:
		m.queueDrops.Add(1)
		return errors.New("tun queue full")
	}
}

// Delivered returns packets WireGuard decrypted from the peer.
func (m *Memory) Delivered() <-chan []byte { return m.out }

// Stats returns a snapshot of the counters.
func (m *Memory) Stats() Stats {
	return Stats{
		Injected:   m.injected.Load(),
		Delivered:  m.delivered.Load(),
		QueueDrops: m.queueDrops.Load(),
	}
}

// File returns nil; Memory is not backed by a descriptor.
func (m *Memory) File() *os.File { return nil }

// Read implements wgtun.Device. It delivers one packet per call.
func (m *Memory) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	select {
	case <-m.closed:
		return 0, os.ErrClosed
	case pkt := <-m.in:
		if len(bufs) == 0 {
			return 0, nil
		}
		if offset >= len(bufs[0]) {
			return 0, errors.New("offset beyond buffer")
		}
		sizes[0] = copy(bufs[0][offset:], pkt)
		return 1, nil
	}
}

// Write implements wgtun.Device.
func (m *Memory) Write(bufs [][]byte, offset int) (int, error) {
	select {
	case <-m.closed:
		return 0, os.ErrClosed
	default:
	}
	for _, b := range bufs {
		if offset >= len(b) {
			continue
		}
		cp := append([]byte(nil), b[offset:]...)
		select {
		case m.out <- cp:
			m.delivered.Add(1)
		default:
			m.queueDrops.Add(1)
		}
	}
	return len(bufs), nil
}

// MTU implements wgtun.Device.
func (m *Memory) MTU() (int, error) { return m.mtu, nil }

// Name implements wgtun.Device.
func (m *Memory) Name() (string, error) { return m.name, nil }

// Events implements wgtun.Device.
func (m *Memory) Events() <-chan wgtun.Event { return m.events }

// BatchSize implements wgtun.Device.
func (m *Memory) BatchSize() int { return 1 }

// Close implements wgtun.Device. It is safe to call more than once.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.events <- wgtun.EventDown
		close(m.events)
	})
	return nil
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}
