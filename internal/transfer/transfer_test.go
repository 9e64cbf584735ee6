package transfer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/familyvault/engine/internal/checksum"
	"github.com/familyvault/engine/internal/events"
	"github.com/familyvault/engine/internal/protocol"
)

// fakeSender satisfies Sender without a real session. Its Request method
// simulates the session read loop delivering chunk frames: it looks up the
// matching in-flight transfer by device/file id, via the same
// RequestIDForChunk path engine.handleFileChunk uses, and writes body into
// it before returning the canned completion response.
type fakeSender struct {
	m        *Manager
	deviceID string
	body     []byte
	resp     protocol.Message
	err      error
}

func (f *fakeSender) Request(ctx context.Context, t protocol.MessageType, payload interface{}) (protocol.Message, error) {
	if f.err == nil && f.body != nil && f.resp.Type != protocol.TypeFileError {
		req, ok := payload.(protocol.FileRequestPayload)
		if ok {
			if requestID, found := f.m.RequestIDForChunk(f.deviceID, req.FileID); found {
				header := protocol.FileChunkHeader{FileID: req.FileID, Offset: 0, Length: uint32(len(f.body)), Final: true}
				f.m.WriteChunk(requestID, header, f.body, nil)
			}
		}
	}
	return f.resp, f.err
}

func (f *fakeSender) SendChunkHeader(h protocol.FileChunkHeader, body []byte) error { return nil }

func newTestManager(t *testing.T, softCap int64) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), softCap, events.NewBus())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestRequestDeliversChunkAndFinalizes(t *testing.T) {
	m := newTestManager(t, 1<<30)
	body := []byte("hello-file")
	sender := &fakeSender{m: m, deviceID: "dev-1", body: body, resp: protocol.Message{Type: protocol.TypeFileComplete}}

	path, err := m.Request(context.Background(), "req-1", sender, "dev-1", 42, "photo.jpg", int64(len(body)), "")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read final file: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("final file contents = %q, want %q", got, body)
	}

	sum, err := checksum.Reader(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("checksum body: %v", err)
	}
	cachedPath, ok := m.IsCached("dev-1", 42, sum)
	if !ok || cachedPath != path {
		t.Fatalf("IsCached = (%q, %v), want (%q, true)", cachedPath, ok, path)
	}

	// A second Request for the same file is now a pure cache hit: the
	// fakeSender's Request is never consulted for chunk delivery since
	// Request returns before reaching the network round trip.
	hitSender := &fakeSender{m: m, deviceID: "dev-1", resp: protocol.Message{Type: protocol.TypeFileComplete}}
	hitPath, err := m.Request(context.Background(), "req-2", hitSender, "dev-1", 42, "photo.jpg", int64(len(body)), sum)
	if err != nil {
		t.Fatalf("request cache hit: %v", err)
	}
	if hitPath != path {
		t.Fatalf("cache-hit path = %q, want %q", hitPath, path)
	}
}

func TestRequestReturnsRemoteErrorWithoutFinalizing(t *testing.T) {
	m := newTestManager(t, 1<<30)
	sender := &fakeSender{
		m: m, deviceID: "dev-1",
		resp: protocol.Message{Type: protocol.TypeFileError, Payload: []byte(`{"fileId":7,"message":"not found"}`)},
	}

	if _, err := m.Request(context.Background(), "req-err", sender, "dev-1", 7, "doc.pdf", 5, ""); err == nil {
		t.Fatalf("expected remote error to surface")
	}
	if len(m.ActiveTransferIDs()) != 0 {
		t.Fatalf("expected no active transfer left after a remote error")
	}
	if _, err := os.Stat(filepath.Join(m.cacheDir, "req-err.part")); !os.IsNotExist(err) {
		t.Fatalf("expected partial file to be removed after a remote error")
	}
}

func TestRequestRejectsChecksumMismatch(t *testing.T) {
	m := newTestManager(t, 1<<30)
	body := []byte("wrong")
	sender := &fakeSender{
		m: m, deviceID: "dev-1", body: body,
		resp: protocol.Message{Type: protocol.TypeFileComplete, Payload: []byte(`{"fileId":7,"checksum":"sha256:not-the-real-checksum"}`)},
	}

	if _, err := m.Request(context.Background(), "req-3", sender, "dev-1", 7, "doc.pdf", int64(len(body)), ""); err == nil {
		t.Fatalf("expected checksum mismatch error")
	}
	if _, ok := m.IsCached("dev-1", 7, ""); ok {
		t.Fatalf("a failed finalize must not admit the file into the cache")
	}
}

func TestFinalizeEvictsOldestWhenOverSoftCap(t *testing.T) {
	m := newTestManager(t, 10) // tiny cap forces eviction on the second admit.

	request := func(reqID string, fileID int64, body []byte) string {
		sender := &fakeSender{m: m, deviceID: "dev-1", body: body, resp: protocol.Message{Type: protocol.TypeFileComplete}}
		path, err := m.Request(context.Background(), reqID, sender, "dev-1", fileID, "f", int64(len(body)), "")
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		return path
	}

	firstPath := request("req-a", 1, []byte("0123456789"))
	request("req-b", 2, []byte("abcdefghij"))

	if _, ok := m.IsCached("dev-1", 1, ""); ok {
		t.Fatalf("expected the first entry to be evicted once the soft cap was exceeded")
	}
	if _, err := os.Stat(firstPath); !os.IsNotExist(err) {
		t.Fatalf("expected evicted file to be removed from disk, stat err = %v", err)
	}
	if _, ok := m.IsCached("dev-1", 2, ""); !ok {
		t.Fatalf("expected the second, more recent entry to remain cached")
	}
}

func TestCancelRemovesPartialAndActiveEntry(t *testing.T) {
	m := newTestManager(t, 1<<30)

	// Cancel is driven by the engine when a peer disconnects mid-transfer,
	// independent of whatever Request call registered the entry; populate
	// active and the .part file directly rather than racing a blocked
	// Request goroutine.
	_, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.active["req-cancel"] = &inflight{deviceID: "dev-1", remoteFileID: 9, cancel: cancel}
	m.mu.Unlock()
	partPath := filepath.Join(m.cacheDir, "req-cancel.part")
	if err := os.WriteFile(partPath, []byte("partial"), 0o644); err != nil {
		t.Fatalf("write partial file: %v", err)
	}

	if len(m.ActiveTransferIDs()) != 1 {
		t.Fatalf("expected one active transfer before cancel")
	}

	m.Cancel("req-cancel")

	if len(m.ActiveTransferIDs()) != 0 {
		t.Fatalf("expected no active transfers after cancel")
	}
	if _, err := os.Stat(partPath); !os.IsNotExist(err) {
		t.Fatalf("expected partial file to be removed on cancel")
	}
}

func TestCancelDeviceOnlyCancelsMatchingDevice(t *testing.T) {
	m := newTestManager(t, 1<<30)

	_, cancelA := context.WithCancel(context.Background())
	_, cancelB := context.WithCancel(context.Background())
	m.mu.Lock()
	m.active["req-dev-a"] = &inflight{deviceID: "dev-a", remoteFileID: 1, cancel: cancelA}
	m.active["req-dev-b"] = &inflight{deviceID: "dev-b", remoteFileID: 2, cancel: cancelB}
	m.mu.Unlock()

	m.CancelDevice("dev-a")

	remaining := m.ActiveTransferIDs()
	if len(remaining) != 1 || remaining[0] != "req-dev-b" {
		t.Fatalf("remaining active transfers = %v, want only req-dev-b", remaining)
	}
}

func TestServeChunkStreamsWholeFileWithFinalFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "source.bin")
	content := bytes.Repeat([]byte{0xAB}, ChunkCap+1024)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}

	var buf bytes.Buffer
	if err := ServeChunk(&buf, path, 55); err != nil {
		t.Fatalf("serve chunk: %v", err)
	}

	var gotFinal bool
	var total int
	raw := buf.Bytes()
	for len(raw) > 0 {
		h, err := protocol.UnmarshalFileChunkHeader(raw[:21])
		if err != nil {
			t.Fatalf("unmarshal chunk header: %v", err)
		}
		if h.FileID != 55 {
			t.Fatalf("FileID = %d, want 55", h.FileID)
		}
		body := raw[21 : 21+int(h.Length)]
		total += len(body)
		if h.Final {
			gotFinal = true
		}
		raw = raw[21+int(h.Length):]
	}
	if !gotFinal {
		t.Fatalf("expected one chunk to be marked Final")
	}
	if total != len(content) {
		t.Fatalf("total streamed bytes = %d, want %d", total, len(content))
	}
}
