package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"msgsync/crypto"
)

const (
	// DefaultService is the mDNS service linked devices announce under.
	DefaultService = "_msgsync._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultScanInterval separates two scans for linked devices.
	DefaultScanInterval = 10 * time.Second
	// DefaultScanTimeout bounds one scan.
	DefaultScanTimeout = 3 * time.Second

	advertisementVersion = 1
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config describes how this device announces itself and which devices it
// accepts as linked.
type Config struct {
	Service      string
	Domain       string
	ScanInterval time.Duration
	ScanTimeout  time.Duration

	DeviceID       string
	DeviceName     string
	AccountAddress string
	Port           int
	// PublicKey is the base64 Ed25519 key linked devices verify frames with.
	PublicKey string

	Logger *slog.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = DefaultScanInterval
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = DefaultScanTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.registerFn == nil {
		c.registerFn = zeroconf.Register
	}
	return c
}

func (c Config) validate() error {
	switch {
	case strings.TrimSpace(c.DeviceID) == "":
		return errors.New("device id is required")
	case strings.TrimSpace(c.DeviceName) == "":
		return errors.New("device name is required")
	case strings.TrimSpace(c.AccountAddress) == "":
		return errors.New("account address is required")
	case c.Port <= 0:
		return errors.New("listening port must be > 0")
	}
	if _, err := crypto.DecodePublicKey(c.PublicKey); err != nil {
		return fmt.Errorf("device public key: %w", err)
	}
	return nil
}

// advertisement is the TXT payload a device publishes.
type advertisement struct {
	DeviceID    string
	Account     string
	PublicKey   string
	Fingerprint string
	Version     int
}

func (a advertisement) txt() []string {
	return []string{
		"device_id=" + a.DeviceID,
		"account=" + a.Account,
		"version=" + strconv.Itoa(a.Version),
		"public_key=" + a.PublicKey,
		"key_fingerprint=" + a.Fingerprint,
	}
}

func parseAdvertisement(text []string) advertisement {
	var a advertisement
	for _, record := range text {
		key, value, ok := strings.Cut(record, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "device_id":
			a.DeviceID = value
		case "account":
			a.Account = value
		case "public_key":
			a.PublicKey = value
		case "key_fingerprint":
			a.Fingerprint = value
		case "version":
			a.Version, _ = strconv.Atoi(value)
		}
	}
	return a
}

// Announcer publishes this device over mDNS and finds the other devices of
// the same account.
type Announcer struct {
	cfg    Config
	server *zeroconf.Server
	browse browseFunc

	// seen is owned by Run.
	seen map[string]DiscoveredDevice
}

// NewAnnouncer validates cfg and starts publishing this device.
func NewAnnouncer(config Config) (*Announcer, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	publicKey, _ := crypto.DecodePublicKey(cfg.PublicKey)
	ad := advertisement{
		DeviceID:    cfg.DeviceID,
		Account:     cfg.AccountAddress,
		PublicKey:   cfg.PublicKey,
		Fingerprint: crypto.Fingerprint(publicKey),
		Version:     advertisementVersion,
	}
	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.Port, ad.txt(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Announcer{
		cfg:    cfg,
		server: server,
		browse: browse,
		seen:   make(map[string]DiscoveredDevice),
	}, nil
}

// Close withdraws the announcement.
func (a *Announcer) Close() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}
