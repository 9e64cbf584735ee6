// Package duplicate implements the checksum-grouped duplicate finder from
// spec §4.6. Grounded on the teacher's block-hash scanning idiom in
// lib/scanner (group-by-hash, then decide what to keep) adapted from
// content-addressed block matching to whole-file checksum matching.
package duplicate

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/familyvault/engine/internal/events"
	"github.com/familyvault/engine/internal/index"
	"github.com/familyvault/engine/internal/store"
)

// Group is a set of files sharing one checksum, per spec §4.6.
type Group struct {
	Checksum string
	Files    []index.FileRecord
}

// ReclaimableSize is the sum of all but one copy: the space reclaimable by
// de-duplicating the group.
func (g Group) ReclaimableSize() int64 {
	if len(g.Files) < 2 {
		return 0
	}
	var total int64
	for _, f := range g.Files[1:] {
		total += f.Size
	}
	return total
}

type Finder struct {
	store *store.Store
	bus   *events.Bus
}

func NewFinder(s *store.Store, bus *events.Bus) *Finder {
	return &Finder{store: s, bus: bus}
}

// FindAll groups every local, non-deleted file by checksum, returning only
// groups with 2+ members. Files lacking a checksum are excluded, per spec
// §4.6's precondition that duplicate detection runs after checksum
// computation.
func (f *Finder) FindAll() ([]Group, error) {
	var checksums []string
	err := f.store.Select(&checksums, `
		SELECT checksum FROM files
		WHERE checksum IS NOT NULL AND is_remote = 0 AND is_deleted = 0
		GROUP BY checksum
		HAVING count(*) > 1`)
	if err != nil {
		return nil, err
	}

	groups := make([]Group, 0, len(checksums))
	for _, sum := range checksums {
		var rows []index.FileRecord
		if err := f.store.Select(&rows, `
			SELECT id, folder_id, relative_path, name, extension, size, mime_type,
			       content_type AS content_type_raw, checksum, created_at, modified_at,
			       indexed_at, visibility, source_device_id, remote_file_id, is_remote,
			       sync_version, last_modified_by, extracted_text, is_deleted
			FROM files WHERE checksum = ? AND is_remote = 0 AND is_deleted = 0
			ORDER BY modified_at ASC`, sum); err != nil {
			return nil, err
		}
		if len(rows) > 1 {
			groups = append(groups, Group{Checksum: sum, Files: rows})
		}
	}

	// Ordered by potential savings descending, per spec §4.6: the group
	// whose de-duplication would reclaim the most space comes first.
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].ReclaimableSize() > groups[j].ReclaimableSize()
	})
	return groups, nil
}

// KeepOnlyOne deletes every file in a group except keepID. Each removal
// runs in its own transaction: the store row goes first, and if the
// filesystem delete then fails, the transaction rolls back so the row
// reappears rather than leaving an orphaned entry with no backing file,
// per spec §4.6. folderPaths maps folder id to its filesystem root, as
// only the caller (holding the index manager) can resolve that join
// cheaply.
func (f *Finder) KeepOnlyOne(group Group, keepID int64, folderPaths map[int64]string) error {
	var keep bool
	for _, file := range group.Files {
		if file.ID == keepID {
			keep = true
			break
		}
	}
	if !keep {
		return fmt.Errorf("duplicate: keep id %d not in group", keepID)
	}

	for _, file := range group.Files {
		if file.ID == keepID {
			continue
		}
		root, ok := folderPaths[file.FolderID]
		if !ok {
			return fmt.Errorf("duplicate: no folder path for folder %d", file.FolderID)
		}
		abs := filepath.Join(root, filepath.FromSlash(file.RelativePath))

		err := f.store.WithTx(func(tx *store.Tx) error {
			if _, err := tx.Exec(`DELETE FROM files WHERE id = ?`, file.ID); err != nil {
				return fmt.Errorf("duplicate: delete row %d: %w", file.ID, err)
			}
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("duplicate: remove file %s: %w", abs, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		f.bus.Log(events.IndexChanged, map[string]interface{}{"fileId": file.ID, "reason": "duplicate-removed"})
	}
	return nil
}

// FindFilesWithoutBackup returns local files whose checksum has no
// matching remote row anywhere in the store, per spec §4.6: these are the
// files a family member would lose if their device failed.
func (f *Finder) FindFilesWithoutBackup() ([]index.FileRecord, error) {
	var rows []index.FileRecord
	err := f.store.Select(&rows, `
		SELECT id, folder_id, relative_path, name, extension, size, mime_type,
		       content_type AS content_type_raw, checksum, created_at, modified_at,
		       indexed_at, visibility, source_device_id, remote_file_id, is_remote,
		       sync_version, last_modified_by, extracted_text, is_deleted
		FROM files f
		WHERE f.is_remote = 0 AND f.is_deleted = 0 AND f.checksum IS NOT NULL
		  AND NOT EXISTS (
			SELECT 1 FROM files r
			WHERE r.is_remote = 1 AND r.is_deleted = 0 AND r.checksum = f.checksum
		  )
		ORDER BY f.size DESC`)
	return rows, err
}
