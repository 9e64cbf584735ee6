// Package transfer implements chunked file transfer and the on-disk file
// cache from spec §4.12. Grounded on the teacher's lib/model folder
// puller (request/response chunk loop writing into a .tmp file, verified
// and renamed on completion) combined with an LRU eviction policy for the
// cache directory, generalized from block-indexed pulls to whole-file
// chunk streams.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/familyvault/engine/internal/checksum"
	"github.com/familyvault/engine/internal/events"
	"github.com/familyvault/engine/internal/logutil"
	"github.com/familyvault/engine/internal/protocol"
)

var l = logutil.NewFacility("transfer", "chunked file transfer and cache")

const (
	ChunkCap         = 256 * 1024
	progressInterval = 100 * time.Millisecond // 10Hz
)

// CacheEntry mirrors spec §3's FileCacheEntry.
type CacheEntry struct {
	DeviceID     string
	RemoteFileID int64
	Checksum     string
	Path         string
	Bytes        int64
	ArrivedAt    time.Time
}

// Sender streams FileChunk messages for a local file to a peer; supplied
// by the caller (session layer) since Transfer itself is transport-agnostic.
type Sender interface {
	Request(ctx context.Context, t protocol.MessageType, payload interface{}) (protocol.Message, error)
	SendChunkHeader(h protocol.FileChunkHeader, body []byte) error
}

// Manager owns the file cache directory and active transfer bookkeeping.
type Manager struct {
	bus     *events.Bus
	cacheDir string
	softCap int64

	mu      sync.Mutex
	entries *lru.Cache[string, CacheEntry]
	size    int64
	active  map[string]*inflight
}

type inflight struct {
	deviceID     string
	remoteFileID int64
	cancel       context.CancelFunc
	received     int64
	total        int64
	lastReport   time.Time
	lastBytes    int64
}

func NewManager(cacheDir string, softCapBytes int64, bus *events.Bus) (*Manager, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("transfer: create cache dir: %w", err)
	}
	entries, err := lru.New[string, CacheEntry](4096)
	if err != nil {
		return nil, fmt.Errorf("transfer: create cache index: %w", err)
	}
	return &Manager{
		bus: bus, cacheDir: cacheDir, softCap: softCapBytes,
		entries: entries, active: make(map[string]*inflight),
	}, nil
}

func cacheKey(deviceID string, remoteFileID int64) string {
	return fmt.Sprintf("%s/%d", deviceID, remoteFileID)
}

// IsCached reports whether a file is already present (and, if checksum is
// non-empty, that it matches).
func (m *Manager) IsCached(deviceID string, remoteFileID int64, wantChecksum string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries.Get(cacheKey(deviceID, remoteFileID))
	if !ok {
		return "", false
	}
	if wantChecksum != "" && e.Checksum != wantChecksum {
		return "", false
	}
	if _, err := os.Stat(e.Path); err != nil {
		return "", false
	}
	return e.Path, true
}

// Request pulls remoteFileID from a peer via sender, returning the cached
// local path once it's complete. A cache hit short-circuits the network
// round trip entirely, per spec §4.12.
func (m *Manager) Request(ctx context.Context, requestID string, sender Sender, deviceID string, remoteFileID int64, name string, expectedSize int64, expectedChecksum string) (string, error) {
	if path, ok := m.IsCached(deviceID, remoteFileID, expectedChecksum); ok {
		return path, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	fl := &inflight{deviceID: deviceID, remoteFileID: remoteFileID, cancel: cancel, total: expectedSize, lastReport: time.Now()}
	m.mu.Lock()
	m.active[requestID] = fl
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.active, requestID)
		m.mu.Unlock()
	}()

	partPath := filepath.Join(m.cacheDir, fmt.Sprintf("%s.part", requestID))
	f, err := os.Create(partPath)
	if err != nil {
		return "", fmt.Errorf("transfer: create part file: %w", err)
	}
	f.Close()

	// The session layer delivers FileChunk frames for this transfer to
	// WriteChunk as its read loop decodes them, keyed back to requestID by
	// RequestIDForChunk. sender.Request blocks until the correlated
	// TypeFileComplete/TypeFileError reply arrives, which the responder
	// only sends after every chunk has been written to the wire, so every
	// chunk is guaranteed to have reached WriteChunk by the time it returns.
	resp, err := sender.Request(ctx, protocol.TypeFileRequest, protocol.FileRequestPayload{FileID: remoteFileID, FromOffset: 0})
	if err != nil {
		os.Remove(partPath)
		return "", fmt.Errorf("transfer: file request: %w", err)
	}
	if resp.Type == protocol.TypeFileError || resp.Type == protocol.TypeFileNotFound {
		os.Remove(partPath)
		var perr protocol.FileErrorPayload
		resp.Decode(&perr)
		return "", fmt.Errorf("transfer: remote error: %s", perr.Message)
	}

	want := expectedChecksum
	if want == "" {
		var complete protocol.FileCompletePayload
		if err := resp.Decode(&complete); err == nil {
			want = complete.Checksum
		}
	}
	return m.Finalize(requestID, deviceID, remoteFileID, want)
}

// RequestIDForChunk finds the active transfer matching deviceID and fileID.
// Inbound FileChunk frames are correlated by fileID rather than the wire
// message's request id, since each chunk is framed with its own fresh id
// (see session.SendChunkHeader) and only the initial FileRequest/final
// FileComplete exchange is correlated by request id.
func (m *Manager) RequestIDForChunk(deviceID string, fileID int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, fl := range m.active {
		if fl.deviceID == deviceID && fl.remoteFileID == fileID {
			return id, true
		}
	}
	return "", false
}

// DeviceForRequest returns the peer device id owning an active request, for
// callers that need to address a control message (e.g. Disconnect) at the
// right session before cancelling.
func (m *Manager) DeviceForRequest(requestID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fl, ok := m.active[requestID]
	if !ok {
		return "", false
	}
	return fl.deviceID, true
}

// WriteChunk appends one chunk to the named request's .part file and
// reports progress, debounced to 10Hz per spec §4.12.
func (m *Manager) WriteChunk(requestID string, h protocol.FileChunkHeader, body []byte, onFile func() string) error {
	m.mu.Lock()
	fl, ok := m.active[requestID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("transfer: unknown request %s", requestID)
	}

	partPath := filepath.Join(m.cacheDir, fmt.Sprintf("%s.part", requestID))
	f, err := os.OpenFile(partPath, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("transfer: open part file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteAt(body, h.Offset); err != nil {
		return fmt.Errorf("transfer: write chunk: %w", err)
	}
	fl.received += int64(len(body))

	now := time.Now()
	if now.Sub(fl.lastReport) >= progressInterval || h.Final {
		elapsed := now.Sub(fl.lastReport).Seconds()
		var bps float64
		if elapsed > 0 {
			bps = float64(fl.received-fl.lastBytes) / elapsed
		}
		m.bus.Log(events.FileTransferProgress, map[string]interface{}{
			"requestId": requestID, "received": fl.received, "total": fl.total, "bytesPerSec": bps,
		})
		fl.lastReport = now
		fl.lastBytes = fl.received
	}
	return nil
}

// Finalize verifies the completed transfer's checksum and admits it into
// the cache, evicting LRU entries if the soft cap is exceeded. The cache
// entry records the checksum computed from the received bytes.
func (m *Manager) Finalize(requestID, deviceID string, remoteFileID int64, expectedChecksum string) (string, error) {
	partPath := filepath.Join(m.cacheDir, fmt.Sprintf("%s.part", requestID))

	sum, err := checksum.File(partPath)
	if err != nil {
		return "", fmt.Errorf("transfer: checksum part file: %w", err)
	}
	if expectedChecksum != "" && sum != expectedChecksum {
		os.Remove(partPath)
		m.bus.Log(events.FileTransferError, map[string]interface{}{"requestId": requestID, "reason": "checksum-mismatch"})
		return "", fmt.Errorf("transfer: checksum mismatch for request %s", requestID)
	}

	info, err := os.Stat(partPath)
	if err != nil {
		return "", err
	}
	finalPath := filepath.Join(m.cacheDir, cacheFileName(deviceID, remoteFileID))
	if err := os.Rename(partPath, finalPath); err != nil {
		return "", fmt.Errorf("transfer: rename into cache: %w", err)
	}

	m.admit(CacheEntry{
		DeviceID: deviceID, RemoteFileID: remoteFileID, Checksum: sum,
		Path: finalPath, Bytes: info.Size(), ArrivedAt: time.Now(),
	})
	m.bus.Log(events.FileTransferComplete, map[string]interface{}{"requestId": requestID, "path": finalPath})
	return finalPath, nil
}

func cacheFileName(deviceID string, remoteFileID int64) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s/%d", deviceID, remoteFileID)))
	return hex.EncodeToString(h[:8])
}

func (m *Manager) admit(e CacheEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cacheKey(e.DeviceID, e.RemoteFileID)
	if old, ok := m.entries.Get(key); ok {
		m.size -= old.Bytes
	}
	m.entries.Add(key, e)
	m.size += e.Bytes

	for m.size > m.softCap {
		oldestKey, oldest, ok := m.entries.GetOldest()
		if !ok {
			break
		}
		isActive := false
		for _, fl := range m.active {
			if fl.deviceID == oldest.DeviceID && fl.remoteFileID == oldest.RemoteFileID {
				isActive = true
				break
			}
		}
		if isActive {
			break // never evict an entry backing an active transfer.
		}
		m.entries.Remove(oldestKey)
		os.Remove(oldest.Path)
		m.size -= oldest.Bytes
	}
}

// Cancel aborts an in-flight request, discarding its partial file so no
// orphaned .part or cache entry remains, per spec §8's cancellation
// invariant.
func (m *Manager) Cancel(requestID string) {
	m.mu.Lock()
	fl, ok := m.active[requestID]
	delete(m.active, requestID)
	m.mu.Unlock()
	if ok {
		fl.cancel()
	}
	os.Remove(filepath.Join(m.cacheDir, fmt.Sprintf("%s.part", requestID)))
}

// TotalSize returns the cache's current total bytes.
func (m *Manager) TotalSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// ActiveTransferIDs returns the request ids of every in-flight transfer.
func (m *Manager) ActiveTransferIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

// CancelAll aborts every in-flight transfer.
func (m *Manager) CancelAll() {
	for _, id := range m.ActiveTransferIDs() {
		m.Cancel(id)
	}
}

// CancelDevice aborts every in-flight pull from deviceID.
func (m *Manager) CancelDevice(deviceID string) {
	m.mu.Lock()
	var ids []string
	for id, fl := range m.active {
		if fl.deviceID == deviceID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Cancel(id)
	}
}

// Clear evicts every cache entry and its backing file.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range m.entries.Keys() {
		if e, ok := m.entries.Get(key); ok {
			os.Remove(e.Path)
		}
	}
	m.entries.Purge()
	m.size = 0
}

// ServeChunk streams a local file's bytes to sender in chunkCap pieces,
// the responder side of spec §4.12's request/response exchange.
func ServeChunk(w io.Writer, path string, fileID int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	buf := make([]byte, ChunkCap)
	var offset int64
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			final := offset+int64(n) >= info.Size()
			header := protocol.FileChunkHeader{FileID: fileID, Offset: offset, Length: uint32(n), Final: final}
			if _, err := w.Write(header.MarshalBinary()); err != nil {
				return err
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
			offset += int64(n)
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}
