// Package search compiles SearchQuery values from spec §4.5 into a single
// compound SQL statement over the local and cloud FTS5 virtual tables.
// Grounded on the teacher's query-building idiom in internal/db/sqlite
// (parameterized builders returning sqlx-scanned rows) generalized from
// device/block lookups to full-text file search.
package search

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/familyvault/engine/internal/index"
	"github.com/familyvault/engine/internal/store"
)

type SortBy int

const (
	SortRelevance SortBy = iota
	SortName
	SortDate
	SortSize
)

// Query mirrors spec §4.5's SearchQuery.
type Query struct {
	Text          string
	ContentType   string // empty = any
	Extension     string
	FolderID      *int64
	DateFrom      *time.Time
	DateTo        *time.Time
	MinSize       *int64
	MaxSize       *int64
	Visibility    string
	IncludeRemote bool
	Tags          []string
	ExcludeTags   []string
	SortBy        SortBy
	SortAsc       bool
	Limit         int
	Offset        int
}

type Result struct {
	File    index.FileRecord
	Score   float64
	Snippet string
}

type Engine struct {
	store *store.Store
}

func NewEngine(s *store.Store) *Engine {
	return &Engine{store: s}
}

// remoteCompatible reports whether q's predicates are meaningful for
// remote rows: folderId, visibility and tag filters are local-only, per
// spec §4.5 step 2.
func (q Query) remoteCompatible() bool {
	return q.FolderID == nil && q.Visibility == "" && len(q.Tags) == 0 && len(q.ExcludeTags) == 0
}

// escapeFTS quotes FTS5 special characters and appends a trailing '*' for
// prefix matching, per spec §4.5.
func escapeFTS(term string) string {
	term = norm.NFC.String(strings.TrimSpace(term))
	if term == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range term {
		switch r {
		case '"', '*', '(', ')', ':', '^':
			b.WriteRune('"')
			b.WriteRune(r)
			b.WriteRune('"')
		default:
			b.WriteRune(r)
		}
	}
	return b.String() + "*"
}

func orderClause(q Query) string {
	dir := "DESC"
	if q.SortAsc {
		dir = "ASC"
	}
	switch q.SortBy {
	case SortName:
		return "name " + dir
	case SortDate:
		return "modified_at " + dir
	case SortSize:
		return "size " + dir
	default:
		if q.Text != "" {
			return "score " + dir
		}
		return "modified_at DESC"
	}
}

// Search compiles and runs q, returning at most q.Limit results starting
// at q.Offset.
func (e *Engine) Search(q Query) ([]Result, error) {
	sqlText, args := e.compile(q, false)
	type row struct {
		index.FileRecord
		Score   float64 `db:"score"`
		Snippet string  `db:"snippet"`
	}
	var rows []row
	if err := e.store.Select(&rows, sqlText, args...); err != nil {
		return nil, err
	}
	results := make([]Result, len(rows))
	for i, r := range rows {
		results[i] = Result{File: r.FileRecord, Score: r.Score, Snippet: r.Snippet}
	}
	return results, nil
}

// SearchCompact is Search with EXIF/mime/timestamps elided except
// ModifiedAt, per spec §4.5.
func (e *Engine) SearchCompact(q Query) ([]Result, error) {
	full, err := e.Search(q)
	if err != nil {
		return nil, err
	}
	for i := range full {
		full[i].File.MimeType = ""
		full[i].File.CreatedAt = nil
		full[i].File.IndexedAt = time.Time{}
	}
	return full, nil
}

// Count re-runs the same planner wrapped in COUNT(*).
func (e *Engine) Count(q Query) (int64, error) {
	sqlText, args := e.compile(q, true)
	var count int64
	if err := e.store.Get(&count, sqlText, args...); err != nil {
		return 0, err
	}
	return count, nil
}

// Suggest returns distinct names matching prefix* across both FTS tables.
func (e *Engine) Suggest(prefix string, limit int) ([]string, error) {
	esc := escapeFTS(prefix)
	if esc == "" {
		return nil, nil
	}
	var names []string
	err := e.store.Select(&names, `
		SELECT name FROM (
			SELECT name FROM files_fts WHERE files_fts MATCH ?
			UNION
			SELECT name FROM cloud_files_fts WHERE cloud_files_fts MATCH ?
		)
		GROUP BY name
		ORDER BY name
		LIMIT ?`, esc, esc, limit)
	return names, err
}

// compile builds the UNION ALL query described in spec §4.5. When
// countOnly is true the select list collapses to COUNT(*) and ORDER/LIMIT
// are omitted.
func (e *Engine) compile(q Query, countOnly bool) (string, []interface{}) {
	var legs []string
	var args []interface{}

	localSQL, localArgs := e.leg(q, false)
	legs = append(legs, localSQL)
	args = append(args, localArgs...)

	if q.IncludeRemote && q.remoteCompatible() {
		remoteSQL, remoteArgs := e.leg(q, true)
		legs = append(legs, remoteSQL)
		args = append(args, remoteArgs...)
	}

	union := strings.Join(legs, " UNION ALL ")

	if countOnly {
		return fmt.Sprintf("SELECT count(*) FROM (%s)", union), args
	}

	full := fmt.Sprintf("SELECT * FROM (%s) ORDER BY %s LIMIT ? OFFSET ?", union, orderClause(q))
	args = append(args, q.Limit, q.Offset)
	return full, args
}

func (e *Engine) leg(q Query, remote bool) (string, []interface{}) {
	fts := "files_fts"
	if remote {
		fts = "cloud_files_fts"
	}

	cols := `f.id, f.folder_id, f.relative_path, f.name, f.extension, f.size, f.mime_type,
		f.content_type AS content_type_raw, f.checksum, f.created_at, f.modified_at,
		f.indexed_at, f.visibility, f.source_device_id, f.remote_file_id, f.is_remote,
		f.sync_version, f.last_modified_by, f.extracted_text, f.is_deleted`

	var score, snippetCol string
	var joins, wheres []string
	var args []interface{}

	wheres = append(wheres, "f.is_deleted = 0")
	if remote {
		wheres = append(wheres, "f.is_remote = 1")
	} else {
		wheres = append(wheres, "f.is_remote = 0")
	}

	if esc := escapeFTS(q.Text); esc != "" {
		joins = append(joins, fmt.Sprintf("INNER JOIN %s ON %s.rowid = f.id", fts, fts))
		wheres = append(wheres, fmt.Sprintf("%s MATCH ?", fts))
		args = append(args, esc)
		// bm25() is more-negative-is-better; negate so higher score means a
		// stronger match and the "score DESC" default sorts best-first.
		score = fmt.Sprintf("-bm25(%s)", fts)
		snippetCol = fmt.Sprintf("snippet(%s, -1, '<b>', '</b>', '…', 32)", fts)
	} else {
		score = "0.0"
		snippetCol = "''"
	}

	if !remote {
		if q.FolderID != nil {
			wheres = append(wheres, "f.folder_id = ?")
			args = append(args, *q.FolderID)
		}
		if q.Visibility != "" {
			wheres = append(wheres, "f.visibility = ?")
			args = append(args, q.Visibility)
		}
		for _, tag := range q.Tags {
			wheres = append(wheres, "EXISTS (SELECT 1 FROM file_tags ft INNER JOIN tags t ON t.id = ft.tag_id WHERE ft.file_id = f.id AND t.name_lower = ?)")
			args = append(args, strings.ToLower(tag))
		}
		for _, tag := range q.ExcludeTags {
			wheres = append(wheres, "NOT EXISTS (SELECT 1 FROM file_tags ft INNER JOIN tags t ON t.id = ft.tag_id WHERE ft.file_id = f.id AND t.name_lower = ?)")
			args = append(args, strings.ToLower(tag))
		}
	}

	if q.ContentType != "" {
		wheres = append(wheres, "f.content_type = ?")
		args = append(args, q.ContentType)
	}
	if q.Extension != "" {
		wheres = append(wheres, "f.extension = ?")
		args = append(args, q.Extension)
	}
	if q.DateFrom != nil {
		wheres = append(wheres, "f.modified_at >= ?")
		args = append(args, *q.DateFrom)
	}
	if q.DateTo != nil {
		wheres = append(wheres, "f.modified_at <= ?")
		args = append(args, *q.DateTo)
	}
	if q.MinSize != nil {
		wheres = append(wheres, "f.size >= ?")
		args = append(args, *q.MinSize)
	}
	if q.MaxSize != nil {
		wheres = append(wheres, "f.size <= ?")
		args = append(args, *q.MaxSize)
	}

	sqlText := fmt.Sprintf("SELECT %s, %s AS score, %s AS snippet FROM files f %s WHERE %s",
		cols, score, snippetCol, strings.Join(joins, " "), strings.Join(wheres, " AND "))
	return sqlText, args
}
