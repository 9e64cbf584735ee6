// Package engine wires every component into the single process-wide
// value described by spec §9 (replacing the original's global
// singletons): Init builds one from config, Shutdown tears it down
// cleanly, and its methods are the public capability surface from spec
// §6. Grounded on the teacher's cmd/syncthing/main.go wiring (open db,
// build model, build discovery/connection services, add them to one
// suture.Supervisor, run) generalized to this engine's twelve components.
package engine

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/thejerf/suture/v4"

	"github.com/familyvault/engine/internal/config"
	"github.com/familyvault/engine/internal/discover"
	"github.com/familyvault/engine/internal/duplicate"
	"github.com/familyvault/engine/internal/events"
	"github.com/familyvault/engine/internal/index"
	"github.com/familyvault/engine/internal/logutil"
	"github.com/familyvault/engine/internal/pairing"
	"github.com/familyvault/engine/internal/protocol"
	"github.com/familyvault/engine/internal/search"
	"github.com/familyvault/engine/internal/session"
	"github.com/familyvault/engine/internal/store"
	"github.com/familyvault/engine/internal/syncindex"
	"github.com/familyvault/engine/internal/transfer"
)

var l = logutil.NewFacility("engine", "top-level engine lifecycle")

// ErrorKind is the taxonomy surfaced to callers per spec §7.
type ErrorKind string

const (
	KindNotFound            ErrorKind = "NotFound"
	KindAlreadyExists       ErrorKind = "AlreadyExists"
	KindBusy                ErrorKind = "Busy"
	KindConstraintViolation ErrorKind = "ConstraintViolation"
	KindIoError             ErrorKind = "IoError"
	KindCorrupt             ErrorKind = "Corrupt"
	KindAuthFailed          ErrorKind = "AuthFailed"
	KindPinInvalid          ErrorKind = "PinInvalid"
	KindPinExpired          ErrorKind = "PinExpired"
	KindLocked              ErrorKind = "Locked"
	KindPeerDisconnected    ErrorKind = "PeerDisconnected"
	KindTimeout             ErrorKind = "Timeout"
	KindProtocolError       ErrorKind = "ProtocolError"
	KindCancelled           ErrorKind = "Cancelled"
	KindChecksumMismatch    ErrorKind = "ChecksumMismatch"
)

// Error pairs a machine-readable Kind with a human-oriented message, per
// spec §7's user-visible error contract.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

var deviceStats = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "familyvault",
	Subsystem: "devices",
	Name:      "connected",
}, []string{"device_id"})

func init() {
	prometheus.MustRegister(deviceStats)
}

// Engine is the process-wide value replacing the original's global
// singletons. Build one with Init, and always pair it with Shutdown.
type Engine struct {
	store   *store.Store
	bus     *events.Bus
	cfg     *config.Wrapper
	index   *index.Manager
	search  *search.Engine
	dup     *duplicate.Finder
	syncer  *syncindex.Syncer
	xfer    *transfer.Manager

	discoverer *discover.Discoverer
	host       *pairing.Host

	sup *suture.Supervisor

	mu       sync.Mutex
	sessions map[string]*session.Session
	listener net.Listener
}

// Init builds a fully wired Engine from a database path and process
// options, but does not start background services; call Start for that.
func Init(dbPath string, opts config.Options) (*Engine, error) {
	s, err := store.Open(dbPath)
	if err != nil {
		return nil, &Error{Kind: KindIoError, Err: err}
	}

	bus := events.NewBus()
	cfg, err := config.Load(s, bus, opts)
	if err != nil {
		s.Close()
		return nil, &Error{Kind: KindCorrupt, Err: err}
	}

	xfer, err := transfer.NewManager(opts.CacheDir, opts.CacheSoftCapBytes, bus)
	if err != nil {
		s.Close()
		return nil, &Error{Kind: KindIoError, Err: err}
	}

	e := &Engine{
		store:    s,
		bus:      bus,
		cfg:      cfg,
		index:    index.NewManager(s, bus, opts.MaxTextSizeKB),
		search:   search.NewEngine(s),
		dup:      duplicate.NewFinder(s, bus),
		syncer:   syncindex.NewSyncer(s, bus),
		xfer:     xfer,
		host:     pairing.NewHost(),
		sup:      suture.NewSimple("familyvault-engine"),
		sessions: make(map[string]*session.Session),
	}
	return e, nil
}

// thisDeviceInfo builds the session.DeviceInfo this engine presents to
// peers during the handshake. Called once a family is configured.
func (e *Engine) thisDeviceInfo() (session.DeviceInfo, error) {
	fc, ok := e.cfg.FamilyConfig()
	if !ok {
		return session.DeviceInfo{}, &Error{Kind: KindConstraintViolation, Err: fmt.Errorf("engine: family not configured")}
	}
	return session.DeviceInfo{
		DeviceID:   fc.ThisDeviceID,
		DeviceName: fc.ThisDeviceName,
		FamilyID:   fc.FamilyID,
		Platform:   "familyvaultd",
		AppVersion: "1",
	}, nil
}

// Start launches the store maintenance loop and the content indexer. It
// does not open any network listeners; call StartNetwork once a family
// is configured.
func (e *Engine) Start(ctx context.Context) error {
	e.sup.Add(e.store.Service(e.cfg.Options().StoreMaintInterval))
	e.index.Indexer().Start(ctx)
	go e.sup.Serve(ctx)
	return nil
}

// StartNetwork opens the session listener and joins LAN discovery, per
// spec §6's `startNetwork`. Requires a configured family.
func (e *Engine) StartNetwork(ctx context.Context) error {
	local, err := e.thisDeviceInfo()
	if err != nil {
		return err
	}

	port := e.cfg.Options().SessionPort
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return &Error{Kind: KindIoError, Err: err}
	}
	e.mu.Lock()
	e.listener = ln
	e.mu.Unlock()
	go e.acceptLoop(ln, local)

	e.discoverer = discover.New(local.DeviceID, local.DeviceName, local.FamilyID, port, e.bus)
	e.sup.Add(e.discoverer)
	return nil
}

// StopNetwork closes the session listener and every live session, per
// spec §6's `stopNetwork`. Discovery keeps running under the supervisor
// until the context passed to Start is cancelled, mirroring the teacher's pattern of leaving cheap
// background services alive across a connection-layer restart.
func (e *Engine) StopNetwork() error {
	e.mu.Lock()
	if e.listener != nil {
		e.listener.Close()
		e.listener = nil
	}
	sessions := make([]*session.Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	// Close outside the lock: Close runs handleSessionClosed synchronously,
	// which itself takes e.mu to remove the session from the map.
	for _, s := range sessions {
		s.Close()
	}
	return nil
}

func (e *Engine) acceptLoop(ln net.Listener, local session.DeviceInfo) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed by StopNetwork or Shutdown.
		}
		go e.acceptSession(conn, local)
	}
}

func (e *Engine) acceptSession(conn net.Conn, local session.DeviceInfo) {
	fc, _ := e.cfg.FamilyConfig()
	var s *session.Session
	handle := func(msg protocol.Message, reply func(protocol.MessageType, interface{}) error) {
		e.handleMessage(s, msg, reply)
	}
	sess, err := session.Accept(conn, local, fc.FamilySecret, e.bus, handle)
	if err != nil {
		l.Debugln("reject inbound session:", err)
		return
	}
	s = sess
	e.registerSession(s)
}

// DialDevice opens an outbound session to a peer discovered on the LAN.
func (e *Engine) DialDevice(ctx context.Context, addr string) error {
	local, err := e.thisDeviceInfo()
	if err != nil {
		return err
	}
	fc, _ := e.cfg.FamilyConfig()
	var s *session.Session
	handle := func(msg protocol.Message, reply func(protocol.MessageType, interface{}) error) {
		e.handleMessage(s, msg, reply)
	}
	sess, err := session.Dial(ctx, addr, local, fc.FamilySecret, e.bus, handle)
	if err != nil {
		return &Error{Kind: KindPeerDisconnected, Err: err}
	}
	s = sess
	e.registerSession(s)
	return nil
}

func (e *Engine) registerSession(s *session.Session) {
	e.mu.Lock()
	e.sessions[s.Remote.DeviceID] = s
	e.mu.Unlock()
	s.OnClose = e.handleSessionClosed

	if err := e.cfg.UpsertDevice(s.Remote.DeviceID, s.Remote.DeviceName, s.Remote.Platform, true); err != nil {
		l.Warnln("record device identity:", err)
	}
	deviceStats.WithLabelValues(s.Remote.DeviceID).Set(1)
	e.bus.Log(events.DeviceConnected, map[string]interface{}{"deviceId": s.Remote.DeviceID})
}

// handleSessionClosed is a session's OnClose callback: it removes the
// session from the live set and folds its final transfer counters into
// the device's cumulative stats, per SPEC_FULL.md's device statistics
// enrichment of getThisDeviceInfo/getConnectedDevices.
func (e *Engine) handleSessionClosed(s *session.Session) {
	e.mu.Lock()
	delete(e.sessions, s.Remote.DeviceID)
	e.mu.Unlock()
	deviceStats.WithLabelValues(s.Remote.DeviceID).Set(0)

	if err := e.cfg.RecordDeviceStats(s.Remote.DeviceID, s.BytesSent(), s.BytesReceived(), time.Now()); err != nil {
		l.Warnln("record device stats:", err)
	}
}

// handleMessage dispatches inbound requests that aren't auth/heartbeat
// plumbing: index sync requests and file chunk requests from peers. s is
// the session the message arrived on, needed to stream chunk frames back
// on the same connection.
func (e *Engine) handleMessage(s *session.Session, msg protocol.Message, reply func(protocol.MessageType, interface{}) error) {
	switch msg.Type {
	case protocol.TypeIndexSyncRequest:
		var req syncindex.Request
		if err := msg.Decode(&req); err != nil {
			reply(protocol.TypeError, protocol.ErrorPayload{Message: err.Error()})
			return
		}
		delta, err := e.syncer.BuildDelta(req.SinceVersion)
		if err != nil {
			reply(protocol.TypeError, protocol.ErrorPayload{Message: err.Error()})
			return
		}
		reply(protocol.TypeIndexDelta, delta)
	case protocol.TypeFileRequest:
		var req protocol.FileRequestPayload
		if err := msg.Decode(&req); err != nil {
			reply(protocol.TypeError, protocol.ErrorPayload{Message: err.Error()})
			return
		}
		e.serveFileRequest(s, req, reply)
	case protocol.TypeFileChunk:
		e.handleFileChunk(s, msg)
	}
}

// handleFileChunk writes an inbound chunk frame to the .part file of the
// transfer it belongs to. Chunks carry a fresh, uncorrelated request id
// (session.SendChunkHeader mints one per frame), so the transfer is found
// by the peer device id and the chunk's FileID instead.
func (e *Engine) handleFileChunk(s *session.Session, msg protocol.Message) {
	const chunkHeaderSize = 21
	if len(msg.Payload) < chunkHeaderSize {
		l.Warnln("file chunk from", s.Remote.DeviceID, "shorter than header")
		return
	}
	h, err := protocol.UnmarshalFileChunkHeader(msg.Payload[:chunkHeaderSize])
	if err != nil {
		l.Warnln("decode file chunk header:", err)
		return
	}
	requestID, ok := e.transferManager().RequestIDForChunk(s.Remote.DeviceID, h.FileID)
	if !ok {
		l.Warnln("file chunk for unknown transfer, file", h.FileID, "from", s.Remote.DeviceID)
		return
	}
	if err := e.transferManager().WriteChunk(requestID, h, msg.Payload[chunkHeaderSize:], nil); err != nil {
		l.Warnln("write file chunk:", err)
	}
}

// serveFileRequest streams req's file to s in fixed-size chunks. Each
// chunk is sent as its own framed SendChunkHeader call rather than routed
// through transfer.ServeChunk, since that helper writes a chunk's header
// and body as two separate io.Writer calls meant for a raw socket, not
// one call per logical chunk the session framing needs.
func (e *Engine) serveFileRequest(s *session.Session, req protocol.FileRequestPayload, reply func(protocol.MessageType, interface{}) error) {
	f, err := e.index.GetFile(req.FileID)
	if err != nil {
		if err == index.ErrNotFound {
			reply(protocol.TypeFileNotFound, protocol.FileErrorPayload{FileID: req.FileID, Message: "no such file"})
			return
		}
		reply(protocol.TypeFileError, protocol.FileErrorPayload{Message: err.Error()})
		return
	}
	folders, err := e.index.GetFolders()
	if err != nil {
		reply(protocol.TypeFileError, protocol.FileErrorPayload{Message: err.Error()})
		return
	}
	var root string
	for _, fo := range folders {
		if fo.ID == f.FolderID {
			root = fo.Path
		}
	}
	abs := fullPath(root, f.RelativePath)

	file, err := os.Open(abs)
	if err != nil {
		reply(protocol.TypeFileError, protocol.FileErrorPayload{Message: err.Error()})
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		reply(protocol.TypeFileError, protocol.FileErrorPayload{Message: err.Error()})
		return
	}

	buf := make([]byte, transfer.ChunkCap)
	var offset int64
	for {
		n, readErr := file.Read(buf)
		if n > 0 {
			final := offset+int64(n) >= info.Size()
			h := protocol.FileChunkHeader{FileID: f.ID, Offset: offset, Length: uint32(n), Final: final}
			if err := s.SendChunkHeader(h, buf[:n]); err != nil {
				reply(protocol.TypeFileError, protocol.FileErrorPayload{Message: err.Error()})
				return
			}
			offset += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			reply(protocol.TypeFileError, protocol.FileErrorPayload{Message: readErr.Error()})
			return
		}
	}
	reply(protocol.TypeFileComplete, protocol.FileCompletePayload{FileID: f.ID})
}

func fullPath(folderPath, relativePath string) string {
	return folderPath + "/" + relativePath
}

// Shutdown stops the content indexer, closes the listener and every live
// session, and releases the store handle. Supervised services (store
// maintenance, discovery) run until the context passed to Start is
// cancelled.
func (e *Engine) Shutdown() error {
	e.index.Indexer().Stop()
	e.mu.Lock()
	sessions := make([]*session.Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	if e.listener != nil {
		e.listener.Close()
	}
	e.mu.Unlock()
	for _, s := range sessions {
		s.Close() // OnClose takes e.mu, so close outside the lock.
	}
	return e.store.Close()
}

// Bus exposes the single event subscription stream from spec §6.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Index-surface passthroughs.
func (e *Engine) AddFolder(path, name string, vis index.Visibility) (int64, error) {
	return e.index.AddFolder(path, name, vis)
}
func (e *Engine) RemoveFolder(id int64) error { return e.index.RemoveFolder(id) }
func (e *Engine) SetFolderVisibility(id int64, v index.Visibility) error {
	return e.index.SetFolderVisibility(id, v)
}
func (e *Engine) SetFolderEnabled(id int64, enabled bool) error {
	return e.index.SetFolderEnabled(id, enabled)
}
func (e *Engine) ScanFolder(ctx context.Context, id int64, onProgress func(index.ScanProgress)) (index.ScanResult, error) {
	return e.index.ScanFolder(ctx, id, onProgress)
}
func (e *Engine) ScanAll(ctx context.Context, onProgress func(index.ScanProgress)) ([]index.ScanResult, error) {
	return e.index.ScanAll(ctx, onProgress)
}
func (e *Engine) GetFolders() ([]index.WatchedFolder, error) { return e.index.GetFolders() }

// ComputeMissingChecksums streams SHA-256 over every local file still
// missing one, per spec §4.3's `computeMissingChecksums`. It runs
// independently of scanning so a scan stays fast even over large files.
func (e *Engine) ComputeMissingChecksums(ctx context.Context, workers int, onProgress func(path string, done, total int)) error {
	return e.index.ComputeMissingChecksums(ctx, workers, onProgress)
}
func (e *Engine) GetFile(id int64) (*index.FileRecord, error) { return e.index.GetFile(id) }
func (e *Engine) GetRecent(limit int) ([]index.FileRecord, error) { return e.index.GetRecent(limit) }
func (e *Engine) GetStats() (index.Stats, error) { return e.index.GetStats() }
func (e *Engine) AddTag(fileID int64, name string, source index.TagSource) error {
	return e.index.AddTag(fileID, name, source)
}
func (e *Engine) RemoveTag(fileID int64, name string) error { return e.index.RemoveTag(fileID, name) }
func (e *Engine) GetAllTags() ([]index.Tag, error)          { return e.index.GetAllTags() }
func (e *Engine) GetTagsForFile(fileID int64) ([]index.Tag, error) {
	return e.index.GetTagsForFile(fileID)
}

// Search-surface passthroughs.
func (e *Engine) Search(q search.Query) ([]search.Result, error) { return e.search.Search(q) }
func (e *Engine) SearchCompact(q search.Query) ([]search.Result, error) {
	return e.search.SearchCompact(q)
}
func (e *Engine) Count(q search.Query) (int64, error)          { return e.search.Count(q) }
func (e *Engine) Suggest(prefix string, limit int) ([]string, error) {
	return e.search.Suggest(prefix, limit)
}

// Duplicate-surface passthroughs.
func (e *Engine) FindDuplicates() ([]duplicate.Group, error) { return e.dup.FindAll() }
func (e *Engine) GetFilesWithoutBackup() ([]index.FileRecord, error) {
	return e.dup.FindFilesWithoutBackup()
}
func (e *Engine) DeleteFile(fileID int64) error { return e.index.DeleteFile(fileID) }
func (e *Engine) KeepOnlyOne(group duplicate.Group, keepID int64) error {
	folders, err := e.index.GetFolders()
	if err != nil {
		return err
	}
	paths := make(map[int64]string, len(folders))
	for _, f := range folders {
		paths[f.ID] = f.Path
	}
	return e.dup.KeepOnlyOne(group, keepID, paths)
}

// Network-surface passthroughs.
func (e *Engine) IsFamilyConfigured() bool { return e.cfg.IsFamilyConfigured() }

func (e *Engine) CreateFamily(deviceName string) (config.FamilyConfig, error) {
	fc, err := e.cfg.CreateFamily(deviceName)
	if err != nil {
		return fc, &Error{Kind: KindIoError, Err: err}
	}
	return fc, nil
}

// RegeneratePin installs a fresh host PIN valid for ttl, per spec §4.9.
func (e *Engine) RegeneratePin(ttl time.Duration) (pairing.PIN, error) {
	pin, err := e.host.IssuePIN(ttl)
	if err != nil {
		return pin, &Error{Kind: KindIoError, Err: err}
	}
	return pin, nil
}

// JoinFamilyByPin dials host:port, presents pin, and on success adopts
// the returned family secret as this device's own.
func (e *Engine) JoinFamilyByPin(ctx context.Context, pinCode, host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return &Error{Kind: KindPeerDisconnected, Err: err}
	}
	defer conn.Close()

	reqID := protocol.NewRequestID()
	if err := protocol.WriteMessage(conn, protocol.TypeAuthResponse, reqID, pairingRequest{PIN: pinCode}); err != nil {
		return &Error{Kind: KindProtocolError, Err: err}
	}
	resp, err := protocol.ReadMessage(conn)
	if err != nil {
		return &Error{Kind: KindProtocolError, Err: err}
	}
	var pr pairingResponse
	if err := resp.Decode(&pr); err != nil {
		return &Error{Kind: KindProtocolError, Err: err}
	}
	if !pr.Success {
		return &Error{Kind: KindPinInvalid, Err: fmt.Errorf("pairing rejected")}
	}
	if _, err := e.cfg.AdoptFamily(pr.FamilyID, pr.FamilySecret, "joined-device"); err != nil {
		return &Error{Kind: KindIoError, Err: err}
	}
	return nil
}

// JoinFamilyByQR decodes uri and delegates to JoinFamilyByPin.
func (e *Engine) JoinFamilyByQR(ctx context.Context, uri string) error {
	host, port, pin, err := pairing.ParsePairingURI(uri)
	if err != nil {
		return &Error{Kind: KindProtocolError, Err: err}
	}
	return e.JoinFamilyByPin(ctx, pin, host, port)
}

// CancelPairing invalidates any host PIN currently outstanding, tearing
// down an in-flight pairing attempt on the host side per spec §4.9.
func (e *Engine) CancelPairing() {
	e.host.Cancel()
}

type pairingRequest struct {
	PIN string `json:"pin"`
}

type pairingResponse struct {
	Success      bool   `json:"success"`
	FamilyID     string `json:"familyId"`
	FamilySecret []byte `json:"familySecret"`
}

// GetDiscoveredDevices returns the current LAN peer table.
func (e *Engine) GetDiscoveredDevices() []discover.Peer {
	if e.discoverer == nil {
		return nil
	}
	return e.discoverer.Peers()
}

// GetConnectedDevices returns the remote device id of every live session.
func (e *Engine) GetConnectedDevices() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) GetThisDeviceInfo() (config.FamilyConfig, bool) { return e.cfg.FamilyConfig() }

// GetKnownDevices returns every paired device's identity and cumulative
// transfer stats, the enrichment SPEC_FULL.md adds over the distilled
// spec's bare getConnectedDevices id list.
func (e *Engine) GetKnownDevices() ([]config.Device, error) {
	devices, err := e.cfg.ListDevices()
	if err != nil {
		return nil, &Error{Kind: KindIoError, Err: err}
	}
	return devices, nil
}

func (e *Engine) GetLocalIPAddresses() ([]string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, &Error{Kind: KindIoError, Err: err}
	}
	var ips []string
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			ips = append(ips, ipNet.IP.String())
		}
	}
	return ips, nil
}

// Sync & transfer-surface passthroughs.
func (e *Engine) RequestSync(peerDeviceID string) (syncindex.Delta, error) {
	var since int64
	_ = e.store.Get(&since, `SELECT last_sync_timestamp FROM sync_state WHERE peer_device_id = ?`, peerDeviceID)
	return e.syncer.BuildDelta(since)
}

func (e *Engine) ApplyRemoteDelta(fromDeviceID string, delta syncindex.Delta) error {
	if err := e.syncer.ApplyDelta(fromDeviceID, delta); err != nil {
		return &Error{Kind: KindIoError, Err: err}
	}
	_, err := e.store.Exec(`
		INSERT INTO sync_state(peer_device_id, last_sync_timestamp) VALUES (?, ?)
		ON CONFLICT(peer_device_id) DO UPDATE SET last_sync_timestamp = excluded.last_sync_timestamp`,
		fromDeviceID, delta.NewVersion)
	return err
}

// SetupIndexSync establishes the bookkeeping row for a new sync peer; the
// first RequestSync call against it starts from version 0.
func (e *Engine) SetupIndexSync(peerDeviceID string) error {
	_, err := e.store.Exec(`
		INSERT INTO sync_state(peer_device_id, last_sync_timestamp) VALUES (?, 0)
		ON CONFLICT(peer_device_id) DO NOTHING`, peerDeviceID)
	return err
}

// GetRemoteFiles lists files ingested from other family devices, for the
// "cloud" view described in spec §3.
func (e *Engine) GetRemoteFiles(limit, offset int) ([]index.FileRecord, error) {
	var rows []index.FileRecord
	err := e.store.Select(&rows, `
		SELECT id, folder_id, relative_path, name, extension, size, mime_type,
		       content_type AS content_type_raw, checksum, created_at, modified_at,
		       indexed_at, visibility, source_device_id, remote_file_id, is_remote,
		       sync_version, last_modified_by, extracted_text, is_deleted
		FROM files WHERE is_remote = 1 AND is_deleted = 0
		ORDER BY modified_at DESC LIMIT ? OFFSET ?`, limit, offset)
	return rows, err
}

func (e *Engine) GetRemoteFileCount() (int64, error) {
	var n int64
	err := e.store.Get(&n, `SELECT count(*) FROM files WHERE is_remote = 1 AND is_deleted = 0`)
	return n, err
}

// transferManager returns the current file cache manager, guarded
// against a concurrent SetFileCacheDir swap.
func (e *Engine) transferManager() *transfer.Manager {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.xfer
}

// SetFileCacheDir moves the file cache to a new directory, reopening the
// manager against it. Existing cache entries are dropped rather than
// migrated, since the cache is a disposable speed optimization, not a
// source of truth.
func (e *Engine) SetFileCacheDir(dir string) error {
	m, err := transfer.NewManager(dir, e.cfg.Options().CacheSoftCapBytes, e.bus)
	if err != nil {
		return &Error{Kind: KindIoError, Err: err}
	}
	e.mu.Lock()
	old := e.xfer
	e.xfer = m
	e.mu.Unlock()
	old.Clear()
	return nil
}

// RequestRemoteFile fetches remoteFileID from deviceID's live session,
// returning the cached local path once the transfer (or a cache hit)
// completes.
func (e *Engine) RequestRemoteFile(ctx context.Context, deviceID string, remoteFileID int64, name string, expectedSize int64, expectedChecksum string) (string, error) {
	e.mu.Lock()
	s, ok := e.sessions[deviceID]
	e.mu.Unlock()
	if !ok {
		return "", &Error{Kind: KindPeerDisconnected, Err: fmt.Errorf("engine: no session for device %s", deviceID)}
	}
	requestID := protocol.NewRequestID().String()
	path, err := e.transferManager().Request(ctx, requestID, s, deviceID, remoteFileID, name, expectedSize, expectedChecksum)
	if err != nil {
		return "", &Error{Kind: KindIoError, Err: err}
	}
	return path, nil
}

func (e *Engine) IsFileCached(deviceID string, remoteFileID int64, checksum string) (string, bool) {
	return e.transferManager().IsCached(deviceID, remoteFileID, checksum)
}

func (e *Engine) GetCachedFilePath(deviceID string, remoteFileID int64, checksum string) (string, bool) {
	return e.transferManager().IsCached(deviceID, remoteFileID, checksum)
}

func (e *Engine) GetActiveTransfers() []string { return e.transferManager().ActiveTransferIDs() }
func (e *Engine) GetFileCacheSize() int64      { return e.transferManager().TotalSize() }
func (e *Engine) ClearFileCache()              { e.transferManager().Clear() }

// CancelFileRequest aborts requestID and, per spec §4.12, notifies the
// owning peer with a Disconnect-typed control carrying that request id.
// handleMessage has no TypeDisconnect case, so a responding engine keeps
// streaming; chunks that arrive after the cancel match no active transfer
// and are dropped.
func (e *Engine) CancelFileRequest(requestID string) {
	if deviceID, ok := e.transferManager().DeviceForRequest(requestID); ok {
		e.mu.Lock()
		s, ok := e.sessions[deviceID]
		e.mu.Unlock()
		if ok {
			s.Notify(protocol.TypeDisconnect, protocol.FileErrorPayload{Message: requestID})
		}
	}
	e.transferManager().Cancel(requestID)
}

// CancelAllFileRequests cancels every active pull from deviceID.
func (e *Engine) CancelAllFileRequests(deviceID string) {
	e.transferManager().CancelDevice(deviceID)
}
