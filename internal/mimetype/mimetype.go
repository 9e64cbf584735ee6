// Package mimetype classifies files by extension and, failing that, by
// magic bytes, per spec §4.2. It never fails on an unreadable file: the
// octet-stream/Other default is always a valid answer.
package mimetype

import (
	"io"
	"strings"
)

type ContentType int

const (
	Unknown ContentType = iota
	Image
	Video
	Audio
	Document
	Archive
	Other
)

func (c ContentType) String() string {
	switch c {
	case Image:
		return "Image"
	case Video:
		return "Video"
	case Audio:
		return "Audio"
	case Document:
		return "Document"
	case Archive:
		return "Archive"
	case Other:
		return "Other"
	default:
		return "Unknown"
	}
}

const octetStream = "application/octet-stream"

type extEntry struct {
	mime string
	ct   ContentType
}

var extensions = map[string]extEntry{
	".jpg":  {"image/jpeg", Image},
	".jpeg": {"image/jpeg", Image},
	".png":  {"image/png", Image},
	".gif":  {"image/gif", Image},
	".webp": {"image/webp", Image},
	".bmp":  {"image/bmp", Image},
	".heic": {"image/heic", Image},
	".mp4":  {"video/mp4", Video},
	".mov":  {"video/quicktime", Video},
	".avi":  {"video/x-msvideo", Video},
	".mkv":  {"video/x-matroska", Video},
	".mp3":  {"audio/mpeg", Audio},
	".wav":  {"audio/wav", Audio},
	".flac": {"audio/flac", Audio},
	".pdf":  {"application/pdf", Document},
	".doc":  {"application/msword", Document},
	".docx": {"application/vnd.openxmlformats-officedocument.wordprocessingml.document", Document},
	".txt":  {"text/plain", Document},
	".md":   {"text/markdown", Document},
	".zip":  {"application/zip", Archive},
	".rar":  {"application/vnd.rar", Archive},
	".7z":   {"application/x-7z-compressed", Archive},
	".gz":   {"application/gzip", Archive},
	".tar":  {"application/x-tar", Archive},
}

type magicEntry struct {
	sig  []byte
	mime string
	ct   ContentType
}

// magicSignatures is checked in order against the first 32 header bytes.
// WebP and AVI both start with "RIFF"; the disambiguation lives in
// classifyMagic, which special-cases that prefix per spec §4.2.
var magicSignatures = []magicEntry{
	{[]byte{0xFF, 0xD8, 0xFF}, "image/jpeg", Image},
	{[]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, "image/png", Image},
	{[]byte("GIF87a"), "image/gif", Image},
	{[]byte("GIF89a"), "image/gif", Image},
	{[]byte("BM"), "image/bmp", Image},
	{[]byte("%PDF"), "application/pdf", Document},
	{[]byte{0x50, 0x4B, 0x03, 0x04}, "application/zip", Archive},
	{[]byte{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07}, "application/vnd.rar", Archive},
	{[]byte{0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C}, "application/x-7z-compressed", Archive},
	{[]byte{0x1F, 0x8B}, "application/gzip", Archive},
	{[]byte("ID3"), "audio/mpeg", Audio},
	{[]byte{0x4D, 0x5A}, "application/vnd.microsoft.portable-executable", Other}, // PE
}

const headerPeekSize = 32

// Classify resolves (path, extension) to a MIME type and ContentType.
// r, if non-nil, supplies up to 32 header bytes for magic-byte fallback;
// read failures fall through to the octet-stream default rather than
// propagating an error.
func Classify(path, extension string, r io.Reader) (mime string, ct ContentType) {
	if e, ok := extensions[strings.ToLower(extension)]; ok {
		return e.mime, e.ct
	}

	if r == nil {
		return octetStream, Other
	}

	header := make([]byte, headerPeekSize)
	n, _ := io.ReadFull(r, header)
	header = header[:n]
	if n == 0 {
		return octetStream, Other
	}

	if mime, ct, ok := classifyMagic(header); ok {
		return mime, ct
	}

	return octetStream, Other
}

func classifyMagic(header []byte) (mime string, ct ContentType, ok bool) {
	if len(header) >= 12 && string(header[0:4]) == "RIFF" {
		switch string(header[8:12]) {
		case "WEBP":
			return "image/webp", Image, true
		case "AVI ":
			return "video/x-msvideo", Video, true
		}
	}

	// MP4's "ftyp" box marker sits at offset 4, not 0, so it can't live in
	// the prefix-matched magicSignatures table.
	if len(header) >= 8 && string(header[4:8]) == "ftyp" {
		return "video/mp4", Video, true
	}

	for _, m := range magicSignatures {
		if len(header) >= len(m.sig) && hasPrefix(header, m.sig) {
			return m.mime, m.ct, true
		}
	}
	return "", Unknown, false
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
