package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrInvalidSignature indicates a signature that does not verify.
var ErrInvalidSignature = errors.New("crypto: invalid signature")

// Sign returns the base64 Ed25519 signature of data.
func (i *Identity) Sign(data []byte) (string, error) {
	if i == nil || len(i.PrivateKey) != ed25519.PrivateKeySize {
		return "", errors.New("device identity has no private key")
	}
	if len(data) == 0 {
		return "", errors.New("data is required")
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(i.PrivateKey, data)), nil
}

// Verify checks a base64 signature produced by Identity.Sign.
func Verify(publicKey ed25519.PublicKey, data []byte, signature string) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("verify: invalid public key length %d", len(publicKey))
	}
	if len(data) == 0 {
		return errors.New("verify: data is required")
	}
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(raw) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(publicKey, data, raw) {
		return ErrInvalidSignature
	}
	return nil
}
