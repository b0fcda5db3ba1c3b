// Package codec converts the URL-safe Base64 keys used by Web Push into raw
// bytes and back, and produces the receiver key material of a push channel.
package codec

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/khaliullov/scanmycar-agent/internal/domain"
)

const authSecretLength = 16

// DecodeKey decodes a URL-safe Base64 string that may lack padding.
func DecodeKey(s string) ([]byte, error) {
	if pad := (4 - len(s)%4) % 4; pad > 0 {
		s += strings.Repeat("=", pad)
	}
	s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecode, err)
	}
	return b, nil
}

// EncodeKey is the inverse of DecodeKey: unpadded URL-safe Base64.
func EncodeKey(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// GenerateKeyPair returns the public (uncompressed point) and private halves
// of a fresh P-256 key, both encoded with EncodeKey.
func GenerateKeyPair() (string, string, error) {
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("generate p256dh key: %w", err)
	}
	return pub, priv, nil
}

// NewAuthSecret returns an encoded 16-byte authentication secret.
func NewAuthSecret() (string, error) {
	b := make([]byte, authSecretLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return EncodeKey(b), nil
}

func PrivateKeyFromRaw(privRaw string) (*ecdsa.PrivateKey, error) {
	raw, err := DecodeKey(privRaw)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: invalid private key length %d", domain.ErrDecode, len(raw))
	}
	curve := elliptic.P256()
	x, y := curve.ScalarBaseMult(raw)
	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         new(big.Int).SetBytes(raw),
	}, nil
}
