package network

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"msgsync/crypto"
	"msgsync/models"
	"msgsync/syncmsg"
)

func testIdentity(t *testing.T, deviceID string) LocalIdentity {
	t.Helper()

	keys, err := crypto.LoadOrCreateIdentity(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity failed: %v", err)
	}
	return LocalIdentity{DeviceID: deviceID, Keys: keys}
}

func testPayload() *syncmsg.Payload {
	return &syncmsg.Payload{
		Kind:      syncmsg.KindReadReceipts,
		Timestamp: 1700,
		Receipts: []syncmsg.Receipt{
			{Address: models.MustParseAddress("+15550101"), MessageTimestamp: 1700, At: 20},
		},
		DedupeKey: syncmsg.DedupeKey(1700, syncmsg.KindReadReceipts),
	}
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"sync","from_device_id":"a","timestamp":1}`)

	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameRejectsOversizedHeader(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := ReadFrame(buffer); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeMessageTypeRequiresType(t *testing.T) {
	if _, err := DecodeMessageType([]byte(`{"code":"x"}`)); !errors.Is(err, ErrInvalidMessageType) {
		t.Fatalf("expected ErrInvalidMessageType, got %v", err)
	}
	msgType, err := DecodeMessageType([]byte(`{"type":"sync_ack"}`))
	if err != nil || msgType != TypeSyncAck {
		t.Fatalf("unexpected decode result %q, %v", msgType, err)
	}
}

func TestSyncFrameSignAndVerify(t *testing.T) {
	sender := testIdentity(t, "device-a")

	frame, err := BuildSyncFrame(sender, "device-b", testPayload())
	if err != nil {
		t.Fatalf("BuildSyncFrame failed: %v", err)
	}
	if frame.DedupeKey != "1700/read-receipt-batch" {
		t.Fatalf("unexpected dedupe key %q", frame.DedupeKey)
	}

	// The frame must survive its own wire encoding.
	encoded, err := EncodeJSON(frame)
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}
	var decoded SyncFrame
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("decode frame failed: %v", err)
	}

	payload, err := VerifySyncFrame(decoded, sender.Keys.PublicKey)
	if err != nil {
		t.Fatalf("VerifySyncFrame failed: %v", err)
	}
	if payload.Kind != syncmsg.KindReadReceipts || len(payload.Receipts) != 1 {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestSyncFrameRejectsTamperingAndWrongKey(t *testing.T) {
	sender := testIdentity(t, "device-a")
	other := testIdentity(t, "device-c")

	frame, err := BuildSyncFrame(sender, "device-b", testPayload())
	if err != nil {
		t.Fatalf("BuildSyncFrame failed: %v", err)
	}

	if _, err := VerifySyncFrame(frame, other.Keys.PublicKey); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for wrong key, got %v", err)
	}

	tampered := frame
	tampered.ToDeviceID = "device-c"
	if _, err := VerifySyncFrame(tampered, sender.Keys.PublicKey); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for tampered frame, got %v", err)
	}

	wrongVersion := frame
	wrongVersion.ProtocolVersion = ProtocolVersion + 1
	if _, err := VerifySyncFrame(wrongVersion, sender.Keys.PublicKey); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestBuildSyncFrameValidation(t *testing.T) {
	sender := testIdentity(t, "device-a")

	if _, err := BuildSyncFrame(LocalIdentity{DeviceID: "device-a"}, "device-b", testPayload()); err == nil {
		t.Fatalf("expected missing keys to be rejected")
	}
	if _, err := BuildSyncFrame(sender, "", testPayload()); err == nil {
		t.Fatalf("expected empty target device to be rejected")
	}
	if _, err := BuildSyncFrame(sender, "device-b", nil); err == nil {
		t.Fatalf("expected nil payload to be rejected")
	}
}
