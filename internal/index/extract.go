package index

import (
	"bufio"
	"database/sql"
	"errors"
	"io"
	"os"

	"github.com/familyvault/engine/internal/mimetype"
)

// Extractor pulls plain text out of one file's bytes. Registered per MIME
// type; an unregistered MIME type is a silent no-op, per spec §4.4.
type Extractor func(path string, maxBytes int) (string, error)

var extractors = map[string]Extractor{
	"text/plain":    extractPlainText,
	"text/markdown": extractPlainText,
}

func extractPlainText(path string, maxBytes int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	buf := make([]byte, maxBytes)
	n, err := io.ReadFull(bufio.NewReader(f), buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", err
	}
	return string(buf[:n]), nil
}

// ExtractText pulls up to maxTextSizeKB of text for Document files, writing
// the result into files_fts.extracted_text via the files table trigger.
// MIME types without a registered extractor are a no-op, not an error.
func (m *Manager) ExtractText(fileID int64, maxTextSizeKB int) error {
	f, err := m.GetFile(fileID)
	if err != nil {
		return err
	}
	if f.ContentType() != mimetype.Document {
		return nil
	}
	extractor, ok := extractors[f.MimeType]
	if !ok {
		return nil
	}

	var folderPath string
	if err := m.store.Get(&folderPath, `SELECT path FROM watched_folders WHERE id = ?`, f.FolderID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}

	text, err := extractor(fullPath(folderPath, f.RelativePath), maxTextSizeKB*1024)
	if err != nil {
		l.Warnln("extract:", f.RelativePath, ":", err)
		return nil
	}

	_, err = m.store.Exec(`UPDATE files SET extracted_text = ? WHERE id = ?`, text, fileID)
	return err
}
