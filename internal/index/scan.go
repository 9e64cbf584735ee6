package index

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"golang.org/x/sync/errgroup"

	"github.com/familyvault/engine/internal/checksum"
	"github.com/familyvault/engine/internal/events"
	"github.com/familyvault/engine/internal/mimetype"
)

// State returns the current scan state machine value.
func (m *Manager) State() ScanState {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

func (m *Manager) setState(s ScanState) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
}

// ScanFolder walks folder id's path recursively, classifying and upserting
// every file found and removing rows whose files vanished. Scans are
// serialized process-wide: a concurrent call returns ErrBusy.
func (m *Manager) ScanFolder(ctx context.Context, id int64, onProgress func(ScanProgress)) (ScanResult, error) {
	select {
	case m.scanMu <- struct{}{}:
	default:
		return ScanResult{}, ErrBusy
	}
	defer func() { <-m.scanMu }()

	m.setState(Scanning)

	var folder WatchedFolder
	if err := m.store.Get(&folder, `
		SELECT id, path, name, default_visibility, enabled, last_scan_at,
		       file_count, total_size, ignore_patterns
		FROM watched_folders WHERE id = ?`, id); err != nil {
		m.setState(Idle)
		return ScanResult{}, fmt.Errorf("index: scan folder %d: %w", id, ErrNotFound)
	}

	ignore := compileIgnore(folder.IgnorePatterns)

	var found []walkedFile
	total := 0
	walkErrors := 0

	err := filepath.WalkDir(folder.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			walkErrors++
			l.Warnln("scan: walk", path, ":", err)
			return nil // per-file errors are counted, not fatal to the walk.
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(folder.Path, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if ignore != nil && ignore.Match(rel) {
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			walkErrors++
			l.Warnln("scan: stat", rel, ":", statErr)
			return nil
		}
		total++
		found = append(found, walkedFile{rel, info.Size(), info.ModTime()})
		return nil
	})
	if err != nil {
		m.setState(Aborted)
		return ScanResult{}, fmt.Errorf("index: walk %s: %w", folder.Path, err)
	}

	result := ScanResult{FolderID: id, Errors: walkErrors}
	processed := 0
	for _, f := range found {
		select {
		case <-ctx.Done():
			m.setState(Aborted)
			return result, ctx.Err()
		default:
		}

		processed++
		if onProgress != nil {
			onProgress(ScanProgress{FolderID: id, Total: total, Processed: processed, CurrentFile: f.relPath})
		}
		m.bus.Log(events.ScanProgress, map[string]interface{}{
			"folderId": id, "total": total, "processed": processed, "currentFile": f.relPath,
		})

		if err := m.upsertFile(id, folder.Path, f.relPath, f.size, f.modTime); err != nil {
			result.Errors++
			l.Warnln("scan: upsert", f.relPath, ":", err)
			continue
		}
		result.FilesSeen++
	}

	if err := m.removeVanished(id, found); err != nil {
		result.Errors++
		l.Warnln("scan: prune vanished:", err)
	}

	now := time.Now()
	if _, err := m.store.Exec(`
		UPDATE watched_folders SET last_scan_at = ?,
			file_count = (SELECT count(*) FROM files WHERE folder_id = ? AND is_deleted = 0),
			total_size = (SELECT coalesce(sum(size), 0) FROM files WHERE folder_id = ? AND is_deleted = 0)
		WHERE id = ?`, now, id, id, id); err != nil {
		result.Errors++
	}

	switch {
	case result.Errors > 0:
		result.State = CompletedWithErrors
		result.Partial = true
		m.setState(CompletedWithErrors)
	default:
		result.State = Completed
		m.setState(Completed)
	}
	m.bus.Log(events.IndexChanged, map[string]interface{}{"folderId": id, "reason": "scanned"})
	m.setState(Idle)
	return result, nil
}

// ScanAll scans every enabled folder sequentially.
func (m *Manager) ScanAll(ctx context.Context, onProgress func(ScanProgress)) ([]ScanResult, error) {
	folders, err := m.GetFolders()
	if err != nil {
		return nil, err
	}
	var results []ScanResult
	for _, f := range folders {
		if !f.Enabled {
			continue
		}
		res, err := m.ScanFolder(ctx, f.ID, onProgress)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (m *Manager) upsertFile(folderID int64, folderPath, relPath string, size int64, modTime time.Time) error {
	ext := strings.ToLower(filepath.Ext(relPath))
	name := filepath.Base(relPath)

	var mime string
	var ct mimetype.ContentType
	if f, err := os.Open(fullPath(folderPath, relPath)); err == nil {
		mime, ct = mimetype.Classify(relPath, ext, f)
		f.Close()
	} else {
		mime, ct = mimetype.Classify(relPath, ext, nil)
	}

	_, err := m.store.Exec(`
		INSERT INTO files(folder_id, relative_path, name, extension, size, mime_type,
		                   content_type, modified_at, indexed_at, visibility, sync_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?,
		        (SELECT default_visibility FROM watched_folders WHERE id = ?),
		        (SELECT COALESCE(MAX(sync_version), 0) + 1 FROM files))
		ON CONFLICT(folder_id, relative_path) WHERE source_device_id IS NULL DO UPDATE SET
			size = excluded.size,
			mime_type = excluded.mime_type,
			content_type = excluded.content_type,
			modified_at = excluded.modified_at,
			indexed_at = excluded.indexed_at,
			sync_version = (SELECT COALESCE(MAX(sync_version), 0) + 1 FROM files)
	`, folderID, relPath, name, ext, size, mime, ct.String(), modTime, time.Now(), folderID)
	return err
}

type walkedFile struct {
	relPath string
	size    int64
	modTime time.Time
}

func (m *Manager) removeVanished(folderID int64, found []walkedFile) error {
	stillThere := make(map[string]bool, len(found))
	for _, f := range found {
		stillThere[f.relPath] = true
	}

	var existing []string
	if err := m.store.Select(&existing, `
		SELECT relative_path FROM files WHERE folder_id = ? AND source_device_id IS NULL AND is_deleted = 0`, folderID); err != nil {
		return err
	}
	for _, rel := range existing {
		if stillThere[rel] {
			continue
		}
		if _, err := m.store.Exec(`DELETE FROM files WHERE folder_id = ? AND relative_path = ? AND source_device_id IS NULL`, folderID, rel); err != nil {
			return err
		}
	}
	return nil
}

func compileIgnore(patterns string) glob.Glob {
	patterns = strings.TrimSpace(patterns)
	if patterns == "" {
		return nil
	}
	lines := strings.Split(patterns, "\n")
	parts := make([]string, 0, len(lines))
	for _, p := range lines {
		p = strings.TrimSpace(p)
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return nil
	}
	g, err := glob.Compile("{"+strings.Join(parts, ",")+"}", '/')
	if err != nil {
		return nil
	}
	return g
}

// ComputeMissingChecksums streams SHA-256 for every local file lacking one,
// using a bounded worker pool so a folder of many large files does not
// spawn unbounded goroutines.
func (m *Manager) ComputeMissingChecksums(ctx context.Context, workers int, onProgress func(path string, done, total int)) error {
	if workers < 1 {
		workers = 4
	}

	type pending struct {
		id   int64
		path string
	}
	var rows []struct {
		ID           int64  `db:"id"`
		FolderPath   string `db:"folder_path"`
		RelativePath string `db:"relative_path"`
	}
	if err := m.store.Select(&rows, `
		SELECT f.id AS id, w.path AS folder_path, f.relative_path AS relative_path
		FROM files f
		INNER JOIN watched_folders w ON w.id = f.folder_id
		WHERE f.checksum IS NULL AND f.source_device_id IS NULL AND f.is_deleted = 0`); err != nil {
		return err
	}

	items := make([]pending, len(rows))
	for i, r := range rows {
		items[i] = pending{r.ID, fullPath(r.FolderPath, r.RelativePath)}
	}

	total := len(items)
	var done int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, item := range items {
		item := item
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			sum, err := checksum.File(item.path)
			if err != nil {
				// Vanished between listing and read: logged, not fatal.
				l.Warnln("checksum: skip", item.path, ":", err)
				return nil
			}
			if _, err := m.store.Exec(`UPDATE files SET checksum = ? WHERE id = ?`, sum, item.id); err != nil {
				return err
			}
			if onProgress != nil {
				onProgress(item.path, int(atomic.AddInt32(&done, 1)), total)
			}
			return nil
		})
	}
	return g.Wait()
}
