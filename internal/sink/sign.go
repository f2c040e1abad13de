package sink

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SignatureHeader carries the hex HMAC of the request body.
const SignatureHeader = "X-Blerelay-Signature"

const signingInfo = "blerelay-sink-v1"

// DeriveSigningKey stretches a configured secret into a 32-byte HMAC key
// with HKDF-SHA256.
func DeriveSigningKey(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("sink: signing secret must not be empty")
	}
	r := hkdf.New(sha256.New, secret, nil, []byte(signingInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("sink: derive signing key: %w", err)
	}
	return key, nil
}

// Sign returns hex(HMAC-SHA256(key, body)).
func Sign(key, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(key, body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
