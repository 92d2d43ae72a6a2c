package tun

import "net"

// isIPv4 reports whether b looks like an IPv4 packet.
func isIPv4(b []byte) bool { return len(b) >= 20 && b[0]>>4 == 4 }

// makeIPv4 builds a minimal IPv4 packet with a valid header checksum.
func makeIPv4(src, dst net.IP, proto byte, payload []byte) []byte {
	const ihl = 20
	total := ihl + len(payload)
	p := make([]byte, total)
	p[0] = 0x45
	p[2] = byte(total >> 8)
	p[3] = byte(total)
	p[8] = 64
	p[9] = proto
	copy(p[12:16], src.To4())
	copy(p[16:20], dst.To4())
	var sum uint32
	for i := 0; i < ihl; i += 2 {
		sum += uint32(p[i])<<8 | uint32(p[i+1])
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	cs := ^uint16(sum)
	p[10] = byte(cs >> 8)
	p[11] = byte(cs)
	copy(p[ihl:], payload)
	return p
}
