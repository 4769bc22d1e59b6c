package discovery

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"msgsync/storage"
)

func newTestDirectory(t *testing.T) (*Directory, *storage.Store) {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return NewDirectory(store, testAccount, nil), store
}

func TestDirectoryRegisterAndResolve(t *testing.T) {
	directory, _ := newTestDirectory(t)
	keys := testKeys(t)

	device := DiscoveredDevice{
		DeviceID:       "tablet",
		DeviceName:     "Tablet",
		AccountAddress: testAccount,
		PublicKey:      keys.EncodedPublicKey(),
		Port:           9998,
		Addresses:      []string{"10.0.0.2", "fe80::1"},
		LastSeen:       time.UnixMilli(1_700_000_000_000),
	}
	if err := directory.Register(device); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ids, err := directory.LinkedDeviceIDs(context.Background())
	if err != nil {
		t.Fatalf("LinkedDeviceIDs failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "tablet" {
		t.Fatalf("unexpected linked devices %v", ids)
	}

	address, err := directory.ResolveDevice(context.Background(), "tablet")
	if err != nil {
		t.Fatalf("ResolveDevice failed: %v", err)
	}
	if address != "10.0.0.2:9998" {
		t.Fatalf("unexpected address %q", address)
	}

	publicKey, err := directory.DevicePublicKey(context.Background(), "tablet")
	if err != nil {
		t.Fatalf("DevicePublicKey failed: %v", err)
	}
	if !bytes.Equal(publicKey, keys.PublicKey) {
		t.Fatalf("public key mismatch")
	}
}

func TestDirectoryRejectsUnknownAndForeignDevices(t *testing.T) {
	directory, store := newTestDirectory(t)

	if _, err := directory.ResolveDevice(context.Background(), "missing"); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}

	if err := store.UpsertLinkedDevice(storage.LinkedDevice{
		DeviceID:       "stranger",
		DeviceName:     "Stranger",
		AccountAddress: "+15559999",
		Port:           1,
	}); err != nil {
		t.Fatalf("UpsertLinkedDevice failed: %v", err)
	}
	if _, err := directory.DevicePublicKey(context.Background(), "stranger"); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice for foreign account, got %v", err)
	}

	if err := directory.Register(DiscoveredDevice{DeviceID: "x", DeviceName: "X", AccountAddress: "+15559999"}); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected Register to reject foreign account, got %v", err)
	}
}

func TestDirectoryObserveKeepsDevicesLinked(t *testing.T) {
	directory, _ := newTestDirectory(t)
	keys := testKeys(t)

	directory.Observe(DiscoveredDevice{
		DeviceID:       "desktop",
		DeviceName:     "Desktop",
		AccountAddress: testAccount,
		PublicKey:      keys.EncodedPublicKey(),
		Port:           9000,
		Addresses:      []string{"10.0.0.9"},
	})
	directory.Observe(DiscoveredDevice{DeviceID: "stranger", AccountAddress: "+15559999"})

	ids, err := directory.LinkedDeviceIDs(context.Background())
	if err != nil {
		t.Fatalf("LinkedDeviceIDs failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "desktop" {
		t.Fatalf("expected only desktop to be linked, got %v", ids)
	}
}
