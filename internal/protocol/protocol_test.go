package protocol

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestWriteReadMessageRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	reqID := uuid.New()
	payload := HelloPayload{DeviceID: "dev-1", DeviceName: "phone", FamilyID: "fam-1", ProtoVer: 1}

	if err := WriteMessage(&buf, TypeHello, reqID, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != TypeHello {
		t.Fatalf("type = %v, want Hello", msg.Type)
	}
	if msg.RequestID != reqID {
		t.Fatalf("requestId mismatch")
	}
	var got HelloPayload
	if err := msg.Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != payload {
		t.Fatalf("payload = %+v, want %+v", got, payload)
	}
}

func TestReadMessageRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBuffer(make([]byte, 26))
	if _, err := ReadMessage(buf); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestFileChunkHeaderRoundTrips(t *testing.T) {
	h := FileChunkHeader{FileID: 42, Offset: 1024, Length: 8192, Final: true}
	parsed, err := UnmarshalFileChunkHeader(h.MarshalBinary())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed != h {
		t.Fatalf("got %+v, want %+v", parsed, h)
	}
}
