package crypto

import (
	"bytes"
	"testing"
)

func TestLoadOrCreateIdentityIsStable(t *testing.T) {
	dataDir := t.TempDir()

	first, err := LoadOrCreateIdentity(dataDir)
	if err != nil {
		t.Fatalf("first LoadOrCreateIdentity failed: %v", err)
	}
	second, err := LoadOrCreateIdentity(dataDir)
	if err != nil {
		t.Fatalf("second LoadOrCreateIdentity failed: %v", err)
	}

	if !bytes.Equal(first.PrivateKey, second.PrivateKey) {
		t.Fatalf("expected stable private key across runs")
	}
	if first.Fingerprint() != second.Fingerprint() || len(first.Fingerprint()) != 32 {
		t.Fatalf("unexpected fingerprints %q and %q", first.Fingerprint(), second.Fingerprint())
	}
}

func TestPublicKeyEncoding(t *testing.T) {
	identity, err := LoadOrCreateIdentity(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity failed: %v", err)
	}

	decoded, err := DecodePublicKey(identity.EncodedPublicKey())
	if err != nil {
		t.Fatalf("DecodePublicKey failed: %v", err)
	}
	if !bytes.Equal(decoded, identity.PublicKey) {
		t.Fatalf("decoded key does not match")
	}
	if _, err := DecodePublicKey("c2hvcnQ="); err == nil {
		t.Fatalf("expected short key to be rejected")
	}
}
