package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	identityPrivatePEMType = "MSGSYNC DEVICE PRIVATE KEY"
	identityPublicPEMType  = "MSGSYNC DEVICE PUBLIC KEY"

	// PrivateKeyFileName is the device signing key file under the data dir.
	PrivateKeyFileName = "device_ed25519.pem"
	// PublicKeyFileName is the exported device public key under the data dir.
	PublicKeyFileName = "device_ed25519.pub.pem"
)

// Identity is the signing key of this device. Linked devices verify sync
// frames against the public key they learned during discovery.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// LoadOrCreateIdentity loads the device key pair from dataDir, generating it on first run.
func LoadOrCreateIdentity(dataDir string) (*Identity, error) {
	privatePath := filepath.Join(dataDir, PrivateKeyFileName)
	publicPath := filepath.Join(dataDir, PublicKeyFileName)

	privateKey, err := loadKey(privatePath, identityPrivatePEMType, ed25519.PrivateKeySize)
	if err == nil {
		identity := &Identity{
			PrivateKey: ed25519.PrivateKey(privateKey),
			PublicKey:  ed25519.PrivateKey(privateKey).Public().(ed25519.PublicKey),
		}
		stored, pubErr := loadKey(publicPath, identityPublicPEMType, ed25519.PublicKeySize)
		if pubErr != nil || !bytes.Equal(stored, identity.PublicKey) {
			if err := saveKey(publicPath, identityPublicPEMType, identity.PublicKey, 0o644); err != nil {
				return nil, err
			}
		}
		return identity, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	publicKey, generated, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate device key: %w", err)
	}
	if err := saveKey(privatePath, identityPrivatePEMType, generated, 0o600); err != nil {
		return nil, err
	}
	if err := saveKey(publicPath, identityPublicPEMType, publicKey, 0o644); err != nil {
		return nil, err
	}
	return &Identity{PrivateKey: generated, PublicKey: publicKey}, nil
}

// Fingerprint returns the truncated SHA-256 hex fingerprint of the public key.
func (i *Identity) Fingerprint() string {
	return Fingerprint(i.PublicKey)
}

// EncodedPublicKey returns the base64 public key advertised to linked devices.
func (i *Identity) EncodedPublicKey() string {
	return EncodePublicKey(i.PublicKey)
}

// Fingerprint returns the truncated SHA-256 hex fingerprint of publicKey.
func Fingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// EncodePublicKey encodes publicKey as standard base64.
func EncodePublicKey(publicKey ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(publicKey)
}

// DecodePublicKey parses a base64 public key produced by EncodePublicKey.
func DecodePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode device public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decode device public key: invalid key size %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

func loadKey(path, pemType string, size int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s: no PEM block", filepath.Base(path))
	}
	if block.Type != pemType {
		return nil, fmt.Errorf("decode %s: unexpected type %q", filepath.Base(path), block.Type)
	}
	if len(block.Bytes) != size {
		return nil, fmt.Errorf("decode %s: invalid key size %d", filepath.Base(path), len(block.Bytes))
	}
	return block.Bytes, nil
}

func saveKey(path, pemType string, key []byte, perm os.FileMode) error {
	block := &pem.Block{Type: pemType, Bytes: key}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), perm); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
