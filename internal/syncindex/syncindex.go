// Package syncindex implements the index synchronization protocol from
// spec §5.2: requesting a peer's index since a sync version, applying the
// delta it sends with last-writer-wins conflict resolution. Per-peer
// progress (the sync_state table) is recorded by the engine after a delta
// applies, not by this package. Grounded on the teacher's lib/model index handling
// (per-device index sequence numbers, ClusterConfig-driven delta
// exchange) generalized from block-level index entries to whole-file
// metadata rows.
package syncindex

import (
	"fmt"
	"time"

	"github.com/familyvault/engine/internal/events"
	"github.com/familyvault/engine/internal/index"
	"github.com/familyvault/engine/internal/store"
)

// Entry is one file's synchronizable state, the unit exchanged in a
// delta. Tombstone entries represent deletions. RemoteFileID is the
// sender's own files.id for this file, which the receiver stores
// alongside the sender's device id to uniquely identify the mirrored row.
type Entry struct {
	RemoteFileID int64     `json:"remoteFileId"`
	FolderName   string    `json:"folderName"`
	RelativePath string    `json:"relativePath"`
	Name         string    `json:"name"`
	Extension    string    `json:"extension"`
	Size         int64     `json:"size"`
	MimeType     string    `json:"mimeType"`
	ContentType  string    `json:"contentType"`
	Checksum     string    `json:"checksum"`
	ModifiedAt   time.Time `json:"modifiedAt"`
	Visibility   string    `json:"visibility"`
	SyncVersion  int64     `json:"syncVersion"`
	Tombstone    bool      `json:"tombstone"`
}

// Request asks a peer for every change since SinceVersion.
type Request struct {
	SinceVersion int64 `json:"sinceVersion"`
}

// Delta is the peer's response: every Entry changed since the requested
// version, plus the version the sender is now caught up to.
type Delta struct {
	Entries    []Entry `json:"entries"`
	NewVersion int64   `json:"newVersion"`
}

// Ack confirms receipt, letting the sender trim history server-side. The
// granularity (per-entry vs whole-delta) is left to callers, per spec
// §5.2's allowance for either.
type Ack struct {
	AppliedVersion int64 `json:"appliedVersion"`
}

type Syncer struct {
	store *store.Store
	bus   *events.Bus
}

func NewSyncer(s *store.Store, bus *events.Bus) *Syncer {
	return &Syncer{store: s, bus: bus}
}

// BuildDelta gathers every local row changed since sinceVersion for
// export to a peer. Deleted rows become tombstone entries so the peer can
// remove its mirrored copy.
func (s *Syncer) BuildDelta(sinceVersion int64) (Delta, error) {
	var rows []struct {
		index.FileRecord
		FolderName string `db:"folder_name"`
	}
	err := s.store.Select(&rows, `
		SELECT f.id, f.folder_id, f.relative_path, f.name, f.extension, f.size, f.mime_type,
		       f.content_type AS content_type_raw, f.checksum, f.created_at, f.modified_at,
		       f.indexed_at, f.visibility, f.source_device_id, f.remote_file_id, f.is_remote,
		       f.sync_version, f.last_modified_by, f.extracted_text, f.is_deleted,
		       w.name AS folder_name
		FROM files f INNER JOIN watched_folders w ON w.id = f.folder_id
		WHERE f.is_remote = 0 AND f.sync_version > ?
		ORDER BY f.sync_version ASC`, sinceVersion)
	if err != nil {
		return Delta{}, err
	}

	var maxVersion int64
	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		if r.SyncVersion > maxVersion {
			maxVersion = r.SyncVersion
		}
		entries = append(entries, Entry{
			RemoteFileID: r.ID,
			FolderName:   r.FolderName,
			RelativePath: r.RelativePath,
			Name:         r.Name,
			Extension:    r.Extension,
			Size:         r.Size,
			MimeType:     r.MimeType,
			ContentType:  r.ContentTypeRaw,
			Checksum:     stringOrEmpty(r.Checksum),
			ModifiedAt:   timeOrZero(r.ModifiedAt),
			Visibility:   string(r.Visibility),
			SyncVersion:  r.SyncVersion,
			Tombstone:    r.IsDeleted,
		})
	}
	if sinceVersion > maxVersion {
		maxVersion = sinceVersion
	}
	return Delta{Entries: entries, NewVersion: maxVersion}, nil
}

func stringOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func timeOrZero(p *time.Time) time.Time {
	if p == nil {
		return time.Time{}
	}
	return *p
}

// ApplyDelta merges a peer's delta into the local mirror of their files,
// resolving conflicts by syncVersion and falling back to modifiedAt, per
// spec §5.2's conflict policy. fromDeviceID identifies the peer whose
// rows these are, so they land in the source_device_id-scoped uniqueness
// space rather than colliding with local files.
func (s *Syncer) ApplyDelta(fromDeviceID string, delta Delta) error {
	return s.store.WithTx(func(tx *store.Tx) error {
		for _, e := range delta.Entries {
			if e.Tombstone {
				if _, err := tx.Exec(`
					UPDATE files SET is_deleted = 1
					WHERE source_device_id = ? AND remote_file_id = ?`, fromDeviceID, e.RemoteFileID); err != nil {
					return err
				}
				continue
			}

			var existing struct {
				SyncVersion int64      `db:"sync_version"`
				ModifiedAt  *time.Time `db:"modified_at"`
			}
			err := tx.Get(&existing, `
				SELECT sync_version, modified_at FROM files
				WHERE source_device_id = ? AND remote_file_id = ?`, fromDeviceID, e.RemoteFileID)
			if err == nil &&
				(existing.SyncVersion > e.SyncVersion ||
					(existing.SyncVersion == e.SyncVersion && timeOrZero(existing.ModifiedAt).After(e.ModifiedAt))) {
				continue // local mirror is already newer, keep it.
			}

			if err := s.upsertRemote(tx, fromDeviceID, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Syncer) upsertRemote(tx *store.Tx, fromDeviceID string, e Entry) error {
	_, err := tx.Exec(`
		INSERT INTO files(folder_id, relative_path, name, extension, size, mime_type, content_type,
		                   checksum, modified_at, indexed_at, visibility, source_device_id,
		                   remote_file_id, is_remote, sync_version, last_modified_by, is_deleted)
		VALUES (
			(SELECT id FROM watched_folders WHERE name = ? LIMIT 1),
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, 0)
		ON CONFLICT(source_device_id, remote_file_id) WHERE source_device_id IS NOT NULL DO UPDATE SET
			size = excluded.size,
			mime_type = excluded.mime_type,
			content_type = excluded.content_type,
			checksum = excluded.checksum,
			modified_at = excluded.modified_at,
			indexed_at = excluded.indexed_at,
			visibility = excluded.visibility,
			sync_version = excluded.sync_version,
			last_modified_by = excluded.last_modified_by,
			is_deleted = 0
	`, e.FolderName, e.RelativePath, e.Name, e.Extension, e.Size, e.MimeType, e.ContentType,
		nullIfEmpty(e.Checksum), e.ModifiedAt, time.Now(), e.Visibility, fromDeviceID,
		e.RemoteFileID, e.SyncVersion, fromDeviceID)
	if err != nil {
		return fmt.Errorf("syncindex: upsert remote file %d: %w", e.RemoteFileID, err)
	}
	s.bus.Log(events.IndexChanged, map[string]interface{}{"remoteFileId": e.RemoteFileID, "fromDevice": fromDeviceID})
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
