package discovery

import (
	"context"
	"net"
	"strings"
	"testing"

	"github.com/grandcat/zeroconf"

	"msgsync/crypto"
)

const testAccount = "+15550100"

func testKeys(t *testing.T) *crypto.Identity {
	t.Helper()
	keys, err := crypto.LoadOrCreateIdentity(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity failed: %v", err)
	}
	return keys
}

func noopRegister(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
	return nil, nil
}

func idleBrowse(ctx context.Context, _, _ string, _ chan<- *zeroconf.ServiceEntry) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestNewAnnouncerPublishesAccountAndKey(t *testing.T) {
	keys := testKeys(t)
	var (
		gotInstance string
		gotService  string
		gotPort     int
		gotTXT      []string
	)

	announcer, err := NewAnnouncer(Config{
		DeviceID:       "device-123",
		DeviceName:     "Alice Laptop",
		AccountAddress: testAccount,
		Port:           9999,
		PublicKey:      keys.EncodedPublicKey(),
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
		browseFn: idleBrowse,
	})
	if err != nil {
		t.Fatalf("NewAnnouncer failed: %v", err)
	}
	defer announcer.Close()

	if gotInstance != "Alice Laptop" || gotService != DefaultService || gotPort != 9999 {
		t.Fatalf("unexpected registration %q %q %d", gotInstance, gotService, gotPort)
	}
	ad := parseAdvertisement(gotTXT)
	if ad.DeviceID != "device-123" || ad.Account != testAccount || ad.Version != 1 {
		t.Fatalf("unexpected advertisement %+v (%s)", ad, strings.Join(gotTXT, ", "))
	}
	if ad.PublicKey != keys.EncodedPublicKey() || ad.Fingerprint != keys.Fingerprint() {
		t.Fatalf("advertised key does not match identity")
	}
}

func TestNewAnnouncerValidation(t *testing.T) {
	key := testKeys(t).EncodedPublicKey()
	cases := map[string]Config{
		"device id": {DeviceName: "x", AccountAddress: testAccount, Port: 1, PublicKey: key},
		"name":      {DeviceID: "a", AccountAddress: testAccount, Port: 1, PublicKey: key},
		"account":   {DeviceID: "a", DeviceName: "x", Port: 1, PublicKey: key},
		"port":      {DeviceID: "a", DeviceName: "x", AccountAddress: testAccount, PublicKey: key},
		"key":       {DeviceID: "a", DeviceName: "x", AccountAddress: testAccount, Port: 1, PublicKey: "not-a-key"},
	}
	for name, cfg := range cases {
		cfg.registerFn = noopRegister
		cfg.browseFn = idleBrowse
		if _, err := NewAnnouncer(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestParseAdvertisementIgnoresMalformedRecords(t *testing.T) {
	ad := parseAdvertisement([]string{"device_id= tablet ", "garbage", "=x", "version=two", "extra=1"})
	if ad.DeviceID != "tablet" || ad.Version != 0 || ad.Account != "" {
		t.Fatalf("unexpected advertisement %+v", ad)
	}
}
