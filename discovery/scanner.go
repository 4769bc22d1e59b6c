package discovery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"msgsync/crypto"
)

// DiscoveredDevice is another device of the local account seen on the LAN.
type DiscoveredDevice struct {
	DeviceID       string
	DeviceName     string
	AccountAddress string
	PublicKey      string
	KeyFingerprint string
	Port           int
	Addresses      []string
	LastSeen       time.Time
}

// Run scans until ctx is done, once immediately and then every scan
// interval. found is called for devices that are new or whose
// announcement changed since the previous call. Run must not be called
// concurrently.
func (a *Announcer) Run(ctx context.Context, found func(DiscoveredDevice)) {
	ticker := time.NewTicker(a.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		devices, err := a.scan(ctx)
		if err != nil && ctx.Err() == nil {
			a.cfg.Logger.Warn("mDNS scan failed", "error", err)
		}
		for _, device := range devices {
			if previous, ok := a.seen[device.DeviceID]; ok && sameAnnouncement(previous, device) {
				continue
			}
			a.seen[device.DeviceID] = device
			found(device)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// scan browses for one scan timeout and returns the accepted devices
// ordered by ID.
func (a *Announcer) scan(ctx context.Context) ([]DiscoveredDevice, error) {
	scanCtx, cancel := context.WithTimeout(ctx, a.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	browseErr := make(chan error, 1)
	go func() {
		browseErr <- a.browse(scanCtx, a.cfg.Service, a.cfg.Domain, entries)
	}()

	found := make(map[string]DiscoveredDevice)
	for scanCtx.Err() == nil {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			if entry == nil {
				continue
			}
			if device, accepted := parseEntry(entry, a.cfg.DeviceID, a.cfg.AccountAddress); accepted {
				device.LastSeen = time.Now()
				found[device.DeviceID] = device
			}
		case <-scanCtx.Done():
		}
	}

	if err := <-browseErr; err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("browse %s: %w", a.cfg.Service, err)
	}

	devices := make([]DiscoveredDevice, 0, len(found))
	for _, device := range found {
		devices = append(devices, device)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID < devices[j].DeviceID })
	return devices, nil
}

// parseEntry accepts entries of other devices on account whose advertised
// fingerprint matches their public key.
func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID, account string) (DiscoveredDevice, bool) {
	ad := parseAdvertisement(entry.Text)
	if ad.DeviceID == "" || ad.DeviceID == selfDeviceID || ad.Account != account {
		return DiscoveredDevice{}, false
	}

	publicKey, err := crypto.DecodePublicKey(ad.PublicKey)
	if err != nil {
		return DiscoveredDevice{}, false
	}
	fingerprint := crypto.Fingerprint(publicKey)
	if ad.Fingerprint != "" && ad.Fingerprint != fingerprint {
		return DiscoveredDevice{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip != nil {
			addresses = append(addresses, ip.String())
		}
	}
	sort.Strings(addresses)
	addresses = slices.Compact(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = ad.DeviceID
	}

	return DiscoveredDevice{
		DeviceID:       ad.DeviceID,
		DeviceName:     name,
		AccountAddress: account,
		PublicKey:      ad.PublicKey,
		KeyFingerprint: fingerprint,
		Port:           entry.Port,
		Addresses:      addresses,
	}, true
}

func sameAnnouncement(a, b DiscoveredDevice) bool {
	return a.DeviceName == b.DeviceName &&
		a.PublicKey == b.PublicKey &&
		a.Port == b.Port &&
		slices.Equal(a.Addresses, b.Addresses)
}
