package wire

import (
	"bytes"
	"strings"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	msg := NetworkMessage{Type: Circuit, Payload: []byte(`{"a":1}`)}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, msg); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Type != msg.Type || string(got.Payload) != string(msg.Payload) {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected error for oversized frame length")
	}
}

func TestPackUnpack(t *testing.T) {
	body := CircuitDirectMessageBody{CircuitID: "c1", Sender: "a", Recipient: "b"}
	msg, err := Pack(Circuit, body)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	var got CircuitDirectMessageBody
	if err := Unpack(msg, &got); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if got.CircuitID != body.CircuitID || got.Sender != body.Sender || got.Recipient != body.Recipient {
		t.Fatalf("got %+v, want %+v", got, body)
	}
}

func TestManagementPayloadDigestRoundTrip(t *testing.T) {
	action := CircuitDisbandRequestAction{CircuitID: "c1"}
	sign := func(data []byte) ([]byte, error) { return []byte("sig"), nil }
	payload, err := BuildManagementPayload(ActionCircuitDisbandRequest, "node-1", []byte("pub"), action, sign)
	if err != nil {
		t.Fatalf("BuildManagementPayload: %v", err)
	}
	if !payload.VerifyDigest() {
		t.Fatal("expected digest to verify")
	}
	payload.Action = []byte(`{"circuit_id":"tampered"}`)
	if payload.VerifyDigest() {
		t.Fatal("expected digest mismatch after tampering")
	}
}

func TestAdminServiceID(t *testing.T) {
	id := AdminServiceID("node-1")
	if !strings.HasPrefix(id, "admin::") {
		t.Fatalf("unexpected admin service id %q", id)
	}
}
