package wireguard

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/curve25519"
)

// KeyLen is the size of a Curve25519 key.
const KeyLen = curve25519.PointSize

var errBadKey = errors.New("must be base64 of 32 bytes")

// GeneratePrivateKey returns a new clamped private key in base64.
func GeneratePrivateKey() (string, error) {
	k := make([]byte, KeyLen)
	if _, err := rand.Read(k); err != nil {
		return "", err
	}
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
	return base64.StdEncoding.EncodeToString(k), nil
}

// PublicKey derives the base64 public key for a base64 private key.
func PublicKey(private string) (string, error) {
	raw, err := decodeKey(private)
	if err != nil {
		return "", err
	}
	pub, err := curve25519.X25519(raw, curve25519.Basepoint)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(pub), nil
}

func decodeKey(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != KeyLen {
		return nil, errBadKey
	}
	return raw, nil
}

// keyToHex converts a base64 key to the hex form UAPI expects.
func keyToHex(s string) (string, error) {
	raw, err := decodeKey(s)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

func shortKey(k string) string {
	if len(k) > 16 {
		return k[:8] + "..." + k[len(k)-8:]
	}
	return k
}
