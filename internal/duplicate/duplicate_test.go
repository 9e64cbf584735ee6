package duplicate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/familyvault/engine/internal/events"
	"github.com/familyvault/engine/internal/index"
	"github.com/familyvault/engine/internal/store"
)

func TestFindAllGroupsByChecksumAndKeepOnlyOneDeletesRest(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	bus := events.NewBus()
	m := index.NewManager(s, bus, 64)
	dir := t.TempDir()
	folderID, err := m.AddFolder(dir, "f", index.Private)
	if err != nil {
		t.Fatal(err)
	}

	content := []byte("identical bytes")
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), content, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), content, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ScanFolder(context.Background(), folderID, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.ComputeMissingChecksums(context.Background(), 2, nil); err != nil {
		t.Fatal(err)
	}

	finder := NewFinder(s, bus)
	groups, err := finder.FindAll()
	if err != nil {
		t.Fatalf("findAll: %v", err)
	}
	if len(groups) != 1 || len(groups[0].Files) != 2 {
		t.Fatalf("groups = %+v, want one group of two", groups)
	}

	keepID := groups[0].Files[0].ID
	folderPaths := map[int64]string{folderID: dir}
	if err := finder.KeepOnlyOne(groups[0], keepID, folderPaths); err != nil {
		t.Fatalf("keepOnlyOne: %v", err)
	}

	remaining, err := finder.FindAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 0 {
		t.Fatalf("remaining groups = %+v, want none", remaining)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("dir entries = %d, want 1", len(entries))
	}
}
