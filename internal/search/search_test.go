package search

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/familyvault/engine/internal/events"
	"github.com/familyvault/engine/internal/index"
	"github.com/familyvault/engine/internal/store"
)

func writeTestFile(t *testing.T, dir, name string, content []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSearchFindsTextMatchesWithSnippet(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	m := index.NewManager(s, events.NewBus(), 64)
	dir := t.TempDir()
	folderID, err := m.AddFolder(dir, "f", index.Private)
	if err != nil {
		t.Fatal(err)
	}
	writeTestFile(t, dir, "vacation.jpg", []byte{0xFF, 0xD8, 0xFF})
	writeTestFile(t, dir, "work.jpg", []byte{0xFF, 0xD8, 0xFF})

	if _, err := m.ScanFolder(context.Background(), folderID, nil); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(s)
	results, err := e.Search(Query{Text: "vacation", Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].File.Name != "vacation.jpg" {
		t.Fatalf("got %q", results[0].File.Name)
	}
	if !strings.Contains(results[0].Snippet, "<b>vacation</b>") {
		t.Fatalf("snippet = %q, want the match highlighted", results[0].Snippet)
	}
}

func TestSearchOrdersByRelevanceBestMatchFirst(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	m := index.NewManager(s, events.NewBus(), 64)
	dir := t.TempDir()
	folderID, err := m.AddFolder(dir, "f", index.Private)
	if err != nil {
		t.Fatal(err)
	}
	// Both names match "lighthouse", but the second repeats it, so it
	// should score as the stronger relevance match and sort first.
	writeTestFile(t, dir, "lighthouse.jpg", []byte{0xFF, 0xD8, 0xFF})
	writeTestFile(t, dir, "lighthouse-lighthouse-lighthouse.jpg", []byte{0xFF, 0xD8, 0xFF})

	if _, err := m.ScanFolder(context.Background(), folderID, nil); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(s)
	results, err := e.Search(Query{Text: "lighthouse", Limit: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].File.Name != "lighthouse-lighthouse-lighthouse.jpg" {
		t.Fatalf("best match first: got %q first, want the repeated-term name", results[0].File.Name)
	}
	if results[0].Score <= results[1].Score {
		t.Fatalf("scores = [%f, %f], want descending (best match first)", results[0].Score, results[1].Score)
	}
}

func TestSuggestReturnsPrefixMatches(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	m := index.NewManager(s, events.NewBus(), 64)
	dir := t.TempDir()
	folderID, err := m.AddFolder(dir, "f", index.Private)
	if err != nil {
		t.Fatal(err)
	}
	writeTestFile(t, dir, "vacation-2023.jpg", []byte{0xFF, 0xD8, 0xFF})
	if _, err := m.ScanFolder(context.Background(), folderID, nil); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(s)
	names, err := e.Suggest("vaca", 10)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if len(names) != 1 || names[0] != "vacation-2023.jpg" {
		t.Fatalf("names = %v", names)
	}
}
