package discovery

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"msgsync/crypto"
	"msgsync/storage"
)

// ErrUnknownDevice indicates a device that is not linked to the local account.
var ErrUnknownDevice = errors.New("discovery: unknown device")

// Directory is the persistent set of devices linked to the local account.
// It serves the sync dispatcher's device list and the transport's address
// and key lookups.
type Directory struct {
	store   *storage.Store
	account string
	logger  *slog.Logger
}

// NewDirectory returns a Directory for account backed by store.
func NewDirectory(store *storage.Store, account string, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{store: store, account: account, logger: logger}
}

// Register records device as linked, refreshing its endpoint.
func (d *Directory) Register(device DiscoveredDevice) error {
	if device.AccountAddress != d.account {
		return fmt.Errorf("register %q: %w", device.DeviceID, ErrUnknownDevice)
	}
	addresses, err := json.Marshal(device.Addresses)
	if err != nil {
		return fmt.Errorf("encode addresses for %q: %w", device.DeviceID, err)
	}

	lastSeen := int64(0)
	if !device.LastSeen.IsZero() {
		lastSeen = device.LastSeen.UnixMilli()
	}
	return d.store.UpsertLinkedDevice(storage.LinkedDevice{
		DeviceID:          device.DeviceID,
		DeviceName:        device.DeviceName,
		AccountAddress:    device.AccountAddress,
		Addresses:         string(addresses),
		Port:              device.Port,
		PublicKey:         device.PublicKey,
		LastSeenTimestamp: lastSeen,
	})
}

// Observe registers a device reported by an Announcer. Devices that stop
// announcing stay linked.
func (d *Directory) Observe(device DiscoveredDevice) {
	if err := d.Register(device); err != nil {
		d.logger.Warn("register linked device failed", "device_id", device.DeviceID, "error", err)
		return
	}
	d.logger.Info("linked device seen",
		"device_id", device.DeviceID,
		"device_name", device.DeviceName,
		"fingerprint", device.KeyFingerprint)
}

// LinkedDeviceIDs implements syncmsg.DeviceDirectory.
func (d *Directory) LinkedDeviceIDs(_ context.Context) ([]string, error) {
	devices, err := d.store.ListLinkedDevices(d.account)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(devices))
	for _, device := range devices {
		ids = append(ids, device.DeviceID)
	}
	return ids, nil
}

// ResolveDevice returns the first known host:port of deviceID.
func (d *Directory) ResolveDevice(_ context.Context, deviceID string) (string, error) {
	device, err := d.lookup(deviceID)
	if err != nil {
		return "", err
	}

	var addresses []string
	if err := json.Unmarshal([]byte(device.Addresses), &addresses); err != nil {
		return "", fmt.Errorf("decode addresses for %q: %w", deviceID, err)
	}
	if len(addresses) == 0 || device.Port <= 0 {
		return "", fmt.Errorf("device %q has no known endpoint", deviceID)
	}
	return net.JoinHostPort(addresses[0], strconv.Itoa(device.Port)), nil
}

// DevicePublicKey returns the signing key deviceID advertised.
func (d *Directory) DevicePublicKey(_ context.Context, deviceID string) (ed25519.PublicKey, error) {
	device, err := d.lookup(deviceID)
	if err != nil {
		return nil, err
	}
	if device.PublicKey == "" {
		return nil, fmt.Errorf("device %q has no public key: %w", deviceID, ErrUnknownDevice)
	}
	return crypto.DecodePublicKey(device.PublicKey)
}

func (d *Directory) lookup(deviceID string) (*storage.LinkedDevice, error) {
	device, err := d.store.GetLinkedDevice(deviceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("device %q: %w", deviceID, ErrUnknownDevice)
	}
	if err != nil {
		return nil, err
	}
	if device.AccountAddress != d.account {
		return nil, fmt.Errorf("device %q: %w", deviceID, ErrUnknownDevice)
	}
	return device, nil
}
