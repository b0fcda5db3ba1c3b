package codec

import (
	"bytes"
	"crypto/elliptic"
	"encoding/base64"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khaliullov/scanmycar-agent/internal/domain"
)

func TestDecodeKeyRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for n := 0; n < 70; n++ {
		b := make([]byte, n)
		r.Read(b)

		got, err := DecodeKey(base64.RawURLEncoding.EncodeToString(b))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(b, got), "length %d", n)

		got, err = DecodeKey(base64.URLEncoding.EncodeToString(b))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(b, got), "padded length %d", n)
	}
}

func TestDecodeKeyTranslatesAlphabet(t *testing.T) {
	// 0xfb 0xff encodes to "-_8" in the URL alphabet and "+/8=" in the standard one.
	got, err := DecodeKey("-_8")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xfb, 0xff}, got)
}

func TestDecodeKeyMalformed(t *testing.T) {
	for _, in := range []string{"a", "ab$d", "!!!!", "abcde"} {
		_, err := DecodeKey(in)
		assert.ErrorIs(t, err, domain.ErrDecode, in)
	}
}

func TestGenerateKeyPairMatchesPrivateKey(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	key, err := PrivateKeyFromRaw(priv)
	require.NoError(t, err)

	raw, err := DecodeKey(pub)
	require.NoError(t, err)
	assert.Equal(t, elliptic.Marshal(elliptic.P256(), key.X, key.Y), raw)
}

func TestPrivateKeyFromRawRejectsShortKey(t *testing.T) {
	_, err := PrivateKeyFromRaw(EncodeKey([]byte{1, 2, 3}))
	assert.ErrorIs(t, err, domain.ErrDecode)
}

func TestNewAuthSecret(t *testing.T) {
	s, err := NewAuthSecret()
	require.NoError(t, err)
	raw, err := DecodeKey(s)
	require.NoError(t, err)
	assert.Len(t, raw, authSecretLength)
}
