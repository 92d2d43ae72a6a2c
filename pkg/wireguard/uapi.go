package wireguard

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// peerState is one peer's section of an IpcGet dump.
type peerState struct {
	PublicKey     string // hex
	Endpoint      string
	LastHandshake time.Time
	RxBytes       uint64
	TxBytes       uint64
}

// HandshakeDone reports whether at least one handshake completed.
func (p peerState) HandshakeDone() bool {
	return !p.LastHandshake.IsZero()
}

// buildUAPI renders the IpcSet configuration for a single server peer.
func buildUAPI(privHex string, listenPort int, peerHex, endpoint string, keepalive int, allowed []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\n", privHex)
	fmt.Fprintf(&b, "listen_port=%d\n", listenPort)
	b.WriteString("replace_peers=true\n")
	fmt.Fprintf(&b, "public_key=%s\n", peerHex)
	fmt.Fprintf(&b, "endpoint=%s\n", endpoint)
	fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", keepalive)
	b.WriteString("replace_allowed_ips=true\n")
	for _, ip := range allowed {
		fmt.Fprintf(&b, "allowed_ip=%s\n", strings.TrimSpace(ip))
	}
	return b.String()
}

// maskUAPI hides the private key in a config for logging.
func maskUAPI(conf, privHex string) string {
	if len(privHex) < 6 {
		return conf
	}
	masked := strings.Repeat("*", len(privHex)-6) + privHex[len(privHex)-6:]
	return strings.ReplaceAll(conf, privHex, masked)
}

// parsePeers reads the peer sections of an IpcGet dump. Device-level keys
// before the first public_key are ignored.
func parsePeers(state string) []peerState {
	var peers []peerState
	var cur *peerState
	var sec, nsec int64
	flush := func() {
		if cur == nil {
			return
		}
		if sec != 0 || nsec != 0 {
			cur.LastHandshake = time.Unix(sec, nsec)
		}
		peers = append(peers, *cur)
	}
	for _, line := range strings.Split(state, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		if key == "public_key" {
			flush()
			cur = &peerState{PublicKey: value}
			sec, nsec = 0, 0
			continue
		}
		if cur == nil {
			continue
		}
		switch key {
		case "endpoint":
			cur.Endpoint = value
		case "last_handshake_time_sec":
			sec, _ = strconv.ParseInt(value, 10, 64)
		case "last_handshake_time_nsec":
			nsec, _ = strconv.ParseInt(value, 10, 64)
		case "rx_bytes":
			cur.RxBytes, _ = strconv.ParseUint(value, 10, 64)
		case "tx_bytes":
			cur.TxBytes, _ = strconv.ParseUint(value, 10, 64)
		}
	}
	flush()
	return peers
}

// findPeer returns the section for peerHex.
func findPeer(state, peerHex string) (peerState, bool) {
	for _, p := range parsePeers(state) {
		if p.PublicKey == peerHex {
			return p, true
		}
	}
	return peerState{}, false
}

// describeHandshake renders a handshake age for status logs.
func describeHandshake(last, now time.Time) string {
	if last.IsZero() {
		return "never"
	}
	age := now.Sub(last)
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%d seconds ago", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%d minutes ago", int(age.Minutes()))
	default:
		return fmt.Sprintf("%d hours ago", int(age.Hours()))
	}
}
