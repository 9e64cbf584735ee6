package index

import (
	"time"

	"github.com/familyvault/engine/internal/mimetype"
)

type Visibility string

const (
	Private Visibility = "Private"
	Family  Visibility = "Family"
)

type TagSource string

const (
	TagUser TagSource = "User"
	TagAuto TagSource = "Auto"
	TagAI   TagSource = "AI"
)

// WatchedFolder mirrors spec §3. IgnorePatterns is a SPEC_FULL.md addition
// (empty by default, so every spec.md scenario is unaffected); it is
// compiled with gobwas/glob during scanFolder.
type WatchedFolder struct {
	ID                int64      `db:"id"`
	Path              string     `db:"path"`
	Name              string     `db:"name"`
	DefaultVisibility Visibility `db:"default_visibility"`
	Enabled           bool       `db:"enabled"`
	LastScanAt        *time.Time `db:"last_scan_at"`
	FileCount         int64      `db:"file_count"`
	TotalSize         int64      `db:"total_size"`
	IgnorePatterns    string     `db:"ignore_patterns"` // newline separated globs
}

// FileRecord mirrors spec §3's FileRecord entity.
type FileRecord struct {
	ID             int64                `db:"id"`
	FolderID       int64                `db:"folder_id"`
	RelativePath   string               `db:"relative_path"`
	Name           string               `db:"name"`
	Extension      string               `db:"extension"`
	Size           int64                `db:"size"`
	MimeType       string               `db:"mime_type"`
	ContentTypeRaw string               `db:"content_type_raw"`
	Checksum       *string              `db:"checksum"`
	CreatedAt      *time.Time           `db:"created_at"`
	ModifiedAt     *time.Time           `db:"modified_at"`
	IndexedAt      time.Time            `db:"indexed_at"`
	Visibility     Visibility           `db:"visibility"`
	SourceDeviceID *string              `db:"source_device_id"`
	RemoteFileID   *int64               `db:"remote_file_id"`
	IsRemote       bool                 `db:"is_remote"`
	SyncVersion    int64                `db:"sync_version"`
	LastModifiedBy *string              `db:"last_modified_by"`
	ExtractedText  *string              `db:"extracted_text"`
	IsDeleted      bool                 `db:"is_deleted"`
}

// ContentType parses the stored string column into the mimetype enum.
func (f *FileRecord) ContentType() mimetype.ContentType {
	switch f.ContentTypeRaw {
	case "Image":
		return mimetype.Image
	case "Video":
		return mimetype.Video
	case "Audio":
		return mimetype.Audio
	case "Document":
		return mimetype.Document
	case "Archive":
		return mimetype.Archive
	case "Other":
		return mimetype.Other
	default:
		return mimetype.Unknown
	}
}

type Tag struct {
	ID     int64     `db:"id"`
	Name   string    `db:"name"`
	Source TagSource `db:"source"`
}

type ImageMetadata struct {
	FileID      int64    `db:"file_id"`
	Width       int      `db:"width"`
	Height      int      `db:"height"`
	TakenAt     *time.Time
	CameraMake  *string `db:"camera_make"`
	CameraModel *string `db:"camera_model"`
	Latitude    *float64 `db:"latitude"`
	Longitude   *float64 `db:"longitude"`
	Orientation *int     `db:"orientation"`
}

type Stats struct {
	TotalFiles int64
	TotalSize  int64
	ByContentType map[string]int64
}

// ScanState is the per-process scan state machine from spec §4.4.
type ScanState int

const (
	Idle ScanState = iota
	Scanning
	Completed
	CompletedWithErrors
	Aborted
)

type ScanProgress struct {
	FolderID    int64
	Total       int
	Processed   int
	CurrentFile string
}

type ScanResult struct {
	FolderID    int64
	State       ScanState
	FilesSeen   int
	Errors      int
	Partial     bool
}
