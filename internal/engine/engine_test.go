package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/familyvault/engine/internal/checksum"
	"github.com/familyvault/engine/internal/config"
	"github.com/familyvault/engine/internal/index"
	"github.com/familyvault/engine/internal/search"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	opts := config.DefaultOptions()
	opts.CacheDir = filepath.Join(dir, "filecache")
	e, err := Init(filepath.Join(dir, "vault.db"), opts)
	if err != nil {
		t.Fatalf("init engine: %v", err)
	}
	t.Cleanup(func() { e.Shutdown() })
	return e
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestCreateFamilyAndIdentity(t *testing.T) {
	e := newTestEngine(t)

	if e.IsFamilyConfigured() {
		t.Fatalf("expected no family configured on a fresh engine")
	}
	fc, err := e.CreateFamily("kitchen-tablet")
	if err != nil {
		t.Fatalf("create family: %v", err)
	}
	if fc.FamilyID == "" || fc.ThisDeviceID == "" {
		t.Fatalf("create family returned empty ids: %+v", fc)
	}
	if !e.IsFamilyConfigured() {
		t.Fatalf("expected family to be configured after create")
	}
	got, ok := e.GetThisDeviceInfo()
	if !ok || got.ThisDeviceID != fc.ThisDeviceID {
		t.Fatalf("GetThisDeviceInfo = %+v, %v; want %+v, true", got, ok, fc)
	}
}

func TestScanFolderAndSearch(t *testing.T) {
	e := newTestEngine(t)
	folderDir := t.TempDir()
	writeFile(t, folderDir, "grocery-list.txt", "milk eggs bread")
	writeFile(t, folderDir, "recipe.txt", "pasta with tomato sauce")

	folderID, err := e.AddFolder(folderDir, "Kitchen", index.Private)
	if err != nil {
		t.Fatalf("add folder: %v", err)
	}

	result, err := e.ScanFolder(context.Background(), folderID, nil)
	if err != nil {
		t.Fatalf("scan folder: %v", err)
	}
	if result.FilesSeen != 2 {
		t.Fatalf("FilesSeen = %d, want 2", result.FilesSeen)
	}

	recent, err := e.GetRecent(10)
	if err != nil {
		t.Fatalf("get recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("GetRecent returned %d files, want 2", len(recent))
	}

	// ScanFolder records metadata only; file contents reach the search
	// index through text extraction.
	for _, f := range recent {
		if err := e.index.ExtractText(f.ID, e.cfg.Options().MaxTextSizeKB); err != nil {
			t.Fatalf("extract text for %s: %v", f.Name, err)
		}
	}

	matches, err := e.Search(search.Query{Text: "pasta", Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) != 1 || matches[0].File.Name != "recipe.txt" {
		t.Fatalf("search %+v, want single match on recipe.txt", matches)
	}
}

func TestFindDuplicatesAndKeepOnlyOne(t *testing.T) {
	e := newTestEngine(t)
	folderDir := t.TempDir()
	writeFile(t, folderDir, "photo.jpg", "same-bytes")
	writeFile(t, folderDir, "photo-copy.jpg", "same-bytes")
	writeFile(t, folderDir, "unique.jpg", "different-bytes")

	folderID, err := e.AddFolder(folderDir, "Photos", index.Private)
	if err != nil {
		t.Fatalf("add folder: %v", err)
	}
	if _, err := e.ScanFolder(context.Background(), folderID, nil); err != nil {
		t.Fatalf("scan folder: %v", err)
	}
	if err := e.ComputeMissingChecksums(context.Background(), 2, nil); err != nil {
		t.Fatalf("compute checksums: %v", err)
	}

	groups, err := e.FindDuplicates()
	if err != nil {
		t.Fatalf("find duplicates: %v", err)
	}
	if len(groups) != 1 || len(groups[0].Files) != 2 {
		t.Fatalf("FindDuplicates = %+v, want one group of two files", groups)
	}

	keepID := groups[0].Files[0].ID
	if err := e.KeepOnlyOne(groups[0], keepID); err != nil {
		t.Fatalf("keep only one: %v", err)
	}

	groups, err = e.FindDuplicates()
	if err != nil {
		t.Fatalf("find duplicates after cleanup: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("expected no duplicate groups after KeepOnlyOne, got %+v", groups)
	}

	remaining, err := e.GetRecent(10)
	if err != nil {
		t.Fatalf("get recent: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 files remaining (one deduped, one unique), got %d", len(remaining))
	}
}

func TestGetFilesWithoutBackup(t *testing.T) {
	e := newTestEngine(t)
	folderDir := t.TempDir()
	writeFile(t, folderDir, "only-local.txt", "never backed up")

	folderID, err := e.AddFolder(folderDir, "Docs", index.Private)
	if err != nil {
		t.Fatalf("add folder: %v", err)
	}
	if _, err := e.ScanFolder(context.Background(), folderID, nil); err != nil {
		t.Fatalf("scan folder: %v", err)
	}
	if err := e.ComputeMissingChecksums(context.Background(), 2, nil); err != nil {
		t.Fatalf("compute checksums: %v", err)
	}

	files, err := e.GetFilesWithoutBackup()
	if err != nil {
		t.Fatalf("get files without backup: %v", err)
	}
	if len(files) != 1 || files[0].Name != "only-local.txt" {
		t.Fatalf("GetFilesWithoutBackup = %+v, want only-local.txt", files)
	}
}

func TestRequestRemoteFileStreamsAndVerifiesChecksum(t *testing.T) {
	host := newTestEngine(t)
	joiner := newTestEngine(t)

	fc, err := host.CreateFamily("host-device")
	if err != nil {
		t.Fatalf("create family: %v", err)
	}
	if _, err := joiner.cfg.AdoptFamily(fc.FamilyID, fc.FamilySecret, "joiner-device"); err != nil {
		t.Fatalf("adopt family: %v", err)
	}

	folderDir := t.TempDir()
	writeFile(t, folderDir, "shared.txt", "the quick brown fox jumps over the lazy dog")
	folderID, err := host.AddFolder(folderDir, "Shared", index.Private)
	if err != nil {
		t.Fatalf("add folder: %v", err)
	}
	if _, err := host.ScanFolder(context.Background(), folderID, nil); err != nil {
		t.Fatalf("scan folder: %v", err)
	}
	recent, err := host.GetRecent(10)
	if err != nil || len(recent) != 1 {
		t.Fatalf("get recent: %+v, %v", recent, err)
	}
	fileID := recent[0].ID

	ctx := context.Background()
	if err := host.StartNetwork(ctx); err != nil {
		t.Fatalf("host start network: %v", err)
	}
	defer host.StopNetwork()

	hostAddr := host.listener.Addr().String()
	if err := joiner.DialDevice(ctx, hostAddr); err != nil {
		t.Fatalf("dial host: %v", err)
	}
	defer joiner.StopNetwork()

	wantSum, err := checksum.Reader(strings.NewReader("the quick brown fox jumps over the lazy dog"))
	if err != nil {
		t.Fatalf("checksum content: %v", err)
	}
	path, err := joiner.RequestRemoteFile(ctx, fc.ThisDeviceID, fileID, "shared.txt", recent[0].Size, wantSum)
	if err != nil {
		t.Fatalf("request remote file: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read transferred file: %v", err)
	}
	if string(got) != "the quick brown fox jumps over the lazy dog" {
		t.Fatalf("transferred content = %q", got)
	}

	// The second request for the same file is a pure cache hit.
	hitPath, err := joiner.RequestRemoteFile(ctx, fc.ThisDeviceID, fileID, "shared.txt", recent[0].Size, "")
	if err != nil {
		t.Fatalf("cache-hit request: %v", err)
	}
	if hitPath != path {
		t.Fatalf("cache-hit path = %q, want %q", hitPath, path)
	}
}

func TestRequestRemoteFileReportsMissingFile(t *testing.T) {
	host := newTestEngine(t)
	joiner := newTestEngine(t)

	fc, err := host.CreateFamily("host-device")
	if err != nil {
		t.Fatalf("create family: %v", err)
	}
	if _, err := joiner.cfg.AdoptFamily(fc.FamilyID, fc.FamilySecret, "joiner-device"); err != nil {
		t.Fatalf("adopt family: %v", err)
	}

	ctx := context.Background()
	if err := host.StartNetwork(ctx); err != nil {
		t.Fatalf("host start network: %v", err)
	}
	defer host.StopNetwork()

	hostAddr := host.listener.Addr().String()
	if err := joiner.DialDevice(ctx, hostAddr); err != nil {
		t.Fatalf("dial host: %v", err)
	}
	defer joiner.StopNetwork()

	if _, err := joiner.RequestRemoteFile(ctx, fc.ThisDeviceID, 999, "nope.txt", 0, ""); err == nil {
		t.Fatalf("expected an error requesting a nonexistent remote file")
	}
}

func TestGetKnownDevicesReflectsConfigStats(t *testing.T) {
	e := newTestEngine(t)

	// Drives the same config.Wrapper GetKnownDevices reads from, standing
	// in for a real peer connecting and disconnecting (handleSessionClosed
	// calls the same two methods with a live session's counters).
	if err := e.cfg.UpsertDevice("dev-1", "Kitchen Tablet", "tablet", true); err != nil {
		t.Fatalf("upsert device: %v", err)
	}
	if err := e.cfg.RecordDeviceStats("dev-1", 200, 150, time.Now()); err != nil {
		t.Fatalf("record device stats: %v", err)
	}

	devices, err := e.GetKnownDevices()
	if err != nil {
		t.Fatalf("get known devices: %v", err)
	}
	if len(devices) != 1 || devices[0].DeviceID != "dev-1" {
		t.Fatalf("devices = %+v, want one entry for dev-1", devices)
	}
	if devices[0].BytesSent != 200 || devices[0].BytesReceived != 150 {
		t.Fatalf("stats = %+v, want BytesSent=200 BytesReceived=150", devices[0])
	}
}
