package wireguard

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RFC 7748 section 6.1 test vector.
const (
	alicePrivate = "dwdtCnMYpX08FsFyUbJmRd9ML4frwJkqsXf7pR25LCo="
	alicePublic  = "hSDwCYkwp1R0i33ctD73Wg2/Og0mOBr066SpjqqbTmo="
)

func TestPublicKey(t *testing.T) {
	pub, err := PublicKey(alicePrivate)
	require.NoError(t, err)
	assert.Equal(t, alicePublic, pub)

	_, err = PublicKey("not-a-key")
	assert.Error(t, err)
	_, err = PublicKey(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestGeneratePrivateKey(t *testing.T) {
	k, err := GeneratePrivateKey()
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(k)
	require.NoError(t, err)
	require.Len(t, raw, KeyLen)
	assert.Zero(t, raw[0]&7)
	assert.Equal(t, byte(64), raw[31]&0xc0)

	other, err := GeneratePrivateKey()
	require.NoError(t, err)
	assert.NotEqual(t, k, other)
}

func TestKeyToHex(t *testing.T) {
	h, err := keyToHex(alicePrivate)
	require.NoError(t, err)
	assert.Equal(t, "77076d0a7318a57d3c16c17251b26645df4c2f87ebc0992ab177fba51db92c2a", h)
	assert.Equal(t, "77076d0a...1db92c2a", shortKey(h))
}
