package usecase

import (
	"fmt"
	"strings"

	"github.com/xakep666/ecego"

	"github.com/khaliullov/scanmycar-agent/internal/autopush"
	"github.com/khaliullov/scanmycar-agent/internal/codec"
	"github.com/khaliullov/scanmycar-agent/internal/domain"
)

// Decrypt opens an encrypted push message with the channel's receiver keys.
// aes128gcm carries its parameters in the body; the legacy aesgcm scheme
// takes salt and dh from the encryption and crypto_key headers.
func Decrypt(rec domain.ChannelRecord, n autopush.Notification) ([]byte, error) {
	cipher, err := codec.DecodeKey(n.Data)
	if err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	priv, err := codec.PrivateKeyFromRaw(rec.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("receiver key: %w", err)
	}
	auth, err := codec.DecodeKey(rec.Auth)
	if err != nil {
		return nil, fmt.Errorf("auth secret: %w", err)
	}

	params := ecego.OperationalParams{Version: ecego.AES128GCM}
	if enc := n.Headers["encoding"]; enc != "" {
		params.Version = ecego.Version(enc)
	}
	if salt, ok := headerParam(n.Headers["encryption"], "salt"); ok {
		params.Salt = salt
	}
	if dh, ok := headerParam(n.Headers["crypto_key"], "dh"); ok {
		params.DH = dh
	}

	engine := ecego.NewEngine(ecego.SingleKey(priv), ecego.WithAuthSecret(auth))
	plain, err := engine.Decrypt(cipher, nil, params)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", params.Version, err)
	}
	return plain, nil
}

// headerParam extracts name=value from a header such as "keyid=p256dh;dh=BF...".
func headerParam(header, name string) ([]byte, bool) {
	if header == "" {
		return nil, false
	}
	parts := strings.FieldsFunc(header, func(r rune) bool { return r == ';' || r == ',' })
	for _, p := range parts {
		p = strings.TrimSpace(p)
		raw, ok := strings.CutPrefix(p, name+"=")
		if !ok {
			continue
		}
		b, err := codec.DecodeKey(strings.Trim(raw, `"`))
		if err != nil {
			return nil, false
		}
		return b, true
	}
	return nil, false
}
