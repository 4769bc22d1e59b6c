package crypto

import (
	"errors"
	"testing"
)

func TestSignatureValidity(t *testing.T) {
	identity, err := LoadOrCreateIdentity(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity failed: %v", err)
	}

	data := []byte("sync frame")
	signature, err := identity.Sign(data)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if err := Verify(identity.PublicKey, data, signature); err != nil {
		t.Fatalf("expected signature verification to succeed, got %v", err)
	}
}

func TestSignatureTamperingRejected(t *testing.T) {
	identity, err := LoadOrCreateIdentity(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity failed: %v", err)
	}

	signature, err := identity.Sign([]byte("frame to protect"))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if err := Verify(identity.PublicKey, []byte("frame to protect!"), signature); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for tampered data, got %v", err)
	}
	if err := Verify(identity.PublicKey, []byte("frame to protect"), "not base64"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for malformed signature, got %v", err)
	}
}
