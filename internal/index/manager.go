// Package index implements the index manager from spec §4.4: CRUD for
// watched folders, files and tags, plus the scan/extract pipeline. It is
// the only writer of rows where source_device_id is null; internal/syncindex
// owns the remote-row half of the same table, per spec §3's ownership
// rules. Structurally this follows the teacher's internal/model package —
// one struct owning the store handle and an event sink, cooperative
// background loops guarded by a single mutex — generalized from syncing
// folders of blocks to scanning folders of files.
package index

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/familyvault/engine/internal/events"
	"github.com/familyvault/engine/internal/logutil"
	"github.com/familyvault/engine/internal/store"
)

var l = logutil.NewFacility("index", "file index manager")

var (
	ErrNotFound      = errors.New("index: not found")
	ErrAlreadyExists = errors.New("index: already exists")
	ErrBusy          = errors.New("index: scan already in progress")
)

// Manager owns all local (source_device_id IS NULL) rows in the store.
type Manager struct {
	store *store.Store
	bus   *events.Bus

	scanMu  chan struct{} // 1-buffered: acts as a process-wide scan mutex.
	stateMu sync.RWMutex
	state   ScanState

	indexer *ContentIndexer
}

func NewManager(s *store.Store, bus *events.Bus, maxTextSizeKB int) *Manager {
	m := &Manager{
		store:  s,
		bus:    bus,
		scanMu: make(chan struct{}, 1),
	}
	m.indexer = newContentIndexer(m, maxTextSizeKB)
	return m
}

func (m *Manager) Indexer() *ContentIndexer { return m.indexer }

// AddFolder registers a new watched folder. Duplicate paths are rejected.
func (m *Manager) AddFolder(path, name string, vis Visibility) (int64, error) {
	if name == "" {
		name = lastPathElement(path)
	}
	var existing int
	if err := m.store.Get(&existing, `SELECT count(*) FROM watched_folders WHERE path = ?`, path); err != nil {
		return 0, err
	}
	if existing > 0 {
		return 0, ErrAlreadyExists
	}
	if _, err := m.store.Exec(`
		INSERT INTO watched_folders(path, name, default_visibility, enabled)
		VALUES (?, ?, ?, 1)`, path, name, string(vis)); err != nil {
		return 0, err
	}
	var id int64
	if err := m.store.Get(&id, `SELECT id FROM watched_folders WHERE path = ?`, path); err != nil {
		return 0, err
	}
	return id, nil
}

// RemoveFolder deletes a folder and cascades to its files, tags and FTS
// rows via the store's foreign-key ON DELETE CASCADE. Calling this twice
// on the same id yields ErrNotFound on the second call.
func (m *Manager) RemoveFolder(id int64) error {
	affected, err := m.store.Exec(`DELETE FROM watched_folders WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	m.bus.Log(events.IndexChanged, map[string]interface{}{"folderId": id, "reason": "removed"})
	return nil
}

func (m *Manager) SetFolderVisibility(id int64, v Visibility) error {
	affected, err := m.store.Exec(`UPDATE watched_folders SET default_visibility = ? WHERE id = ?`, string(v), id)
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Manager) SetFolderEnabled(id int64, enabled bool) error {
	affected, err := m.store.Exec(`UPDATE watched_folders SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Manager) GetFolders() ([]WatchedFolder, error) {
	var folders []WatchedFolder
	err := m.store.Select(&folders, `
		SELECT id, path, name, default_visibility, enabled, last_scan_at,
		       file_count, total_size, ignore_patterns
		FROM watched_folders ORDER BY id`)
	return folders, err
}

func (m *Manager) GetFile(id int64) (*FileRecord, error) {
	var f FileRecord
	if err := m.store.Get(&f, fileSelectColumns+` WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &f, nil
}

func (m *Manager) GetRecent(limit int) ([]FileRecord, error) {
	var files []FileRecord
	err := m.store.Select(&files, fileSelectColumns+`
		WHERE is_deleted = 0
		ORDER BY modified_at DESC, indexed_at DESC
		LIMIT ?`, limit)
	return files, err
}

const fileSelectColumns = `
	SELECT id, folder_id, relative_path, name, extension, size, mime_type,
	       content_type AS content_type_raw, checksum, created_at, modified_at,
	       indexed_at, visibility, source_device_id, remote_file_id, is_remote,
	       sync_version, last_modified_by, extracted_text, is_deleted
	FROM files`

func (m *Manager) GetStats() (Stats, error) {
	stats := Stats{ByContentType: make(map[string]int64)}
	if err := m.store.Get(&stats.TotalFiles, `SELECT count(*) FROM files WHERE is_deleted = 0 AND is_remote = 0`); err != nil {
		return stats, err
	}
	if err := m.store.Get(&stats.TotalSize, `SELECT coalesce(sum(size), 0) FROM files WHERE is_deleted = 0 AND is_remote = 0`); err != nil {
		return stats, err
	}

	type row struct {
		ContentType string `db:"content_type"`
		Count       int64  `db:"c"`
	}
	var rows []row
	if err := m.store.Select(&rows, `
		SELECT content_type, count(*) AS c FROM files
		WHERE is_deleted = 0 AND is_remote = 0
		GROUP BY content_type`); err != nil {
		return stats, err
	}
	for _, r := range rows {
		stats.ByContentType[strings.ToLower(r.ContentType)] = r.Count
	}
	return stats, nil
}

// AddTag is idempotent per (file, name): calling it twice leaves exactly
// one row. Tag names are case-preserved but de-duplicated case-insensitively.
func (m *Manager) AddTag(fileID int64, name string, source TagSource) error {
	return m.store.WithTx(func(tx *store.Tx) error {
		lower := strings.ToLower(name)
		var tagID int64
		err := tx.Get(&tagID, `SELECT id FROM tags WHERE name_lower = ?`, lower)
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			tagID, err = tx.Exec(`INSERT INTO tags(name, name_lower, source) VALUES (?, ?, ?)`, name, lower, string(source))
			if err != nil {
				return err
			}
		}
		_, err = tx.Exec(`INSERT OR IGNORE INTO file_tags(file_id, tag_id) VALUES (?, ?)`, fileID, tagID)
		return err
	})
}

func (m *Manager) RemoveTag(fileID int64, name string) error {
	lower := strings.ToLower(name)
	_, err := m.store.Exec(`
		DELETE FROM file_tags WHERE file_id = ? AND tag_id = (
			SELECT id FROM tags WHERE name_lower = ?
		)`, fileID, lower)
	return err
}

func (m *Manager) GetAllTags() ([]Tag, error) {
	var tags []Tag
	err := m.store.Select(&tags, `SELECT id, name, source FROM tags ORDER BY name_lower`)
	return tags, err
}

func (m *Manager) GetTagsForFile(fileID int64) ([]Tag, error) {
	var tags []Tag
	err := m.store.Select(&tags, `
		SELECT t.id, t.name, t.source FROM tags t
		INNER JOIN file_tags ft ON ft.tag_id = t.id
		WHERE ft.file_id = ?
		ORDER BY t.name_lower`, fileID)
	return tags, err
}

// DeleteFile removes a local file's row and its backing file on disk. The
// store row is deleted first; a failing filesystem delete is returned to
// the caller without re-inserting the row. The duplicate finder's
// KeepOnlyOne differs here: it rolls its row delete back when the
// filesystem delete fails.
func (m *Manager) DeleteFile(fileID int64) error {
	type location struct {
		RelativePath string `db:"relative_path"`
		FolderPath   string `db:"folder_path"`
	}
	var loc location
	err := m.store.Get(&loc, `
		SELECT f.relative_path, w.path AS folder_path
		FROM files f INNER JOIN watched_folders w ON w.id = f.folder_id
		WHERE f.id = ? AND f.is_remote = 0`, fileID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	affected, err := m.store.Exec(`DELETE FROM files WHERE id = ? AND is_remote = 0`, fileID)
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	if err := os.Remove(fullPath(loc.FolderPath, loc.RelativePath)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("index: delete file %d from disk: %w", fileID, err)
	}
	m.bus.Log(events.IndexChanged, map[string]interface{}{"fileId": fileID, "reason": "deleted"})
	return nil
}

func lastPathElement(path string) string {
	path = strings.TrimRight(path, "/\\")
	if i := strings.LastIndexAny(path, "/\\"); i >= 0 {
		return path[i+1:]
	}
	return path
}

func fullPath(folderPath, relativePath string) string {
	sep := "/"
	if strings.Contains(folderPath, "\\") && !strings.Contains(folderPath, "/") {
		sep = "\\"
	}
	return strings.TrimRight(folderPath, "/\\") + sep + strings.TrimLeft(relativePath, "/\\")
}
