package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/familyvault/engine/internal/events"
	"github.com/familyvault/engine/internal/protocol"
)

func pairedSessions(t *testing.T, serverHandle, clientHandle Handler) (*Session, *Session) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	secret := []byte("shared-family-secret-32-bytes!!")
	bus := events.NewBus()
	local := DeviceInfo{DeviceID: "host-device", DeviceName: "Host", FamilyID: "fam-1"}
	remote := DeviceInfo{DeviceID: "phone-device", DeviceName: "Phone", FamilyID: "fam-1"}

	serverCh := make(chan *Session, 1)
	serverErrCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErrCh <- err
			return
		}
		s, err := Accept(conn, local, secret, bus, serverHandle)
		if err != nil {
			serverErrCh <- err
			return
		}
		serverCh <- s
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, ln.Addr().String(), remote, secret, bus, clientHandle)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	select {
	case s := <-serverCh:
		t.Cleanup(func() { s.Close() })
		t.Cleanup(func() { client.Close() })
		return s, client
	case err := <-serverErrCh:
		t.Fatalf("accept: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server-side session")
	}
	return nil, nil
}

func TestHandshakeExchangesRemoteIdentity(t *testing.T) {
	server, client := pairedSessions(t, nil, nil)

	if server.Remote.DeviceID != "phone-device" {
		t.Fatalf("server's view of remote = %q, want phone-device", server.Remote.DeviceID)
	}
	if client.Remote.DeviceID != "host-device" {
		t.Fatalf("client's view of remote = %q, want host-device", client.Remote.DeviceID)
	}
}

func TestRequestReplyRoundTrip(t *testing.T) {
	serverHandle := func(msg protocol.Message, reply func(protocol.MessageType, interface{}) error) {
		if msg.Type != protocol.TypeIndexSyncRequest {
			return
		}
		reply(protocol.TypeIndexDelta, protocol.ErrorPayload{Code: "ok", Message: "delta"})
	}
	_, client := pairedSessions(t, serverHandle, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Request(ctx, protocol.TypeIndexSyncRequest, struct{}{})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Type != protocol.TypeIndexDelta {
		t.Fatalf("response type = %v, want IndexDelta", resp.Type)
	}
	var payload protocol.ErrorPayload
	if err := resp.Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Message != "delta" {
		t.Fatalf("payload = %+v, want message=delta", payload)
	}
}

func TestSendChunkHeaderAndByteCounters(t *testing.T) {
	type received struct {
		header protocol.FileChunkHeader
		body   []byte
	}
	chunks := make(chan received, 1)
	serverHandle := func(msg protocol.Message, reply func(protocol.MessageType, interface{}) error) {
		if msg.Type != protocol.TypeFileChunk {
			return
		}
		h, err := protocol.UnmarshalFileChunkHeader(msg.Payload[:21])
		if err != nil {
			return
		}
		chunks <- received{header: h, body: msg.Payload[21:]}
	}
	_, client := pairedSessions(t, serverHandle, nil)

	body := []byte("chunk-of-family-photo-bytes")
	header := protocol.FileChunkHeader{FileID: 42, Offset: 0, Length: uint32(len(body)), Final: true}
	if err := client.SendChunkHeader(header, body); err != nil {
		t.Fatalf("send chunk header: %v", err)
	}

	select {
	case r := <-chunks:
		if r.header.FileID != 42 || r.header.Length != uint32(len(body)) || !r.header.Final {
			t.Fatalf("decoded header = %+v, want FileID=42 Length=%d Final=true", r.header, len(body))
		}
		if string(r.body) != string(body) {
			t.Fatalf("decoded body = %q, want %q", r.body, body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for chunk frame")
	}

	if client.BytesSent() == 0 {
		t.Fatalf("expected BytesSent > 0 after sending a chunk")
	}
}

func TestOnCloseFiresOnce(t *testing.T) {
	server, _ := pairedSessions(t, nil, nil)

	calls := 0
	done := make(chan struct{})
	server.OnClose = func(s *Session) {
		calls++
		close(done)
	}
	server.Close()
	server.Close() // idempotent; must not panic or invoke OnClose again.

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose was never invoked")
	}
	if calls != 1 {
		t.Fatalf("OnClose invoked %d times, want 1", calls)
	}
}
