package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/familyvault/engine/internal/events"
	"github.com/familyvault/engine/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewManager(s, events.NewBus(), 64)
}

func TestScanFolderClassifiesAndCountsFiles(t *testing.T) {
	dir := t.TempDir()
	jpegMagic := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0, 0, 0}
	if err := os.WriteFile(filepath.Join(dir, "a.jpg"), jpegMagic, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello family"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.jpg.bak"), []byte{0, 1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}

	m := newTestManager(t)
	id, err := m.AddFolder(dir, "", Private)
	if err != nil {
		t.Fatalf("addFolder: %v", err)
	}

	if _, err := m.ScanFolder(context.Background(), id, nil); err != nil {
		t.Fatalf("scanFolder: %v", err)
	}

	stats, err := m.GetStats()
	if err != nil {
		t.Fatalf("getStats: %v", err)
	}
	if stats.TotalFiles != 3 {
		t.Fatalf("totalFiles = %d, want 3", stats.TotalFiles)
	}
	if stats.ByContentType["image"] != 1 {
		t.Fatalf("image count = %d, want 1", stats.ByContentType["image"])
	}
	if stats.ByContentType["document"] != 1 {
		t.Fatalf("document count = %d, want 1", stats.ByContentType["document"])
	}
	if stats.ByContentType["other"] != 1 {
		t.Fatalf("other count = %d, want 1", stats.ByContentType["other"])
	}
}

func TestAddFolderRejectsDuplicatePath(t *testing.T) {
	m := newTestManager(t)
	dir := t.TempDir()
	if _, err := m.AddFolder(dir, "f", Private); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddFolder(dir, "f2", Private); err != ErrAlreadyExists {
		t.Fatalf("got %v, want ErrAlreadyExists", err)
	}
}

func TestRemoveFolderTwiceYieldsNotFound(t *testing.T) {
	m := newTestManager(t)
	id, err := m.AddFolder(t.TempDir(), "f", Private)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveFolder(id); err != nil {
		t.Fatalf("first remove: %v", err)
	}
	if err := m.RemoveFolder(id); err != ErrNotFound {
		t.Fatalf("second remove: got %v, want ErrNotFound", err)
	}
}

func TestAddTagIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "x.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	folderID, err := m.AddFolder(dir, "f", Private)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.ScanFolder(context.Background(), folderID, nil); err != nil {
		t.Fatal(err)
	}
	files, err := m.GetRecent(1)
	if err != nil || len(files) != 1 {
		t.Fatalf("getRecent: %v %v", files, err)
	}
	fileID := files[0].ID

	if err := m.AddTag(fileID, "vacation", TagUser); err != nil {
		t.Fatal(err)
	}
	if err := m.AddTag(fileID, "vacation", TagUser); err != nil {
		t.Fatal(err)
	}
	tags, err := m.GetTagsForFile(fileID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 1 {
		t.Fatalf("tags = %v, want exactly one", tags)
	}
}
