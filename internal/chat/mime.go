package chat

import (
	"path"
	"strings"
)

// DefaultMIMEType is used when neither a hint nor the extension table
// yields a type.
const DefaultMIMEType = "application/octet-stream"

// mimeByExtension is the fixed set of types the backend accepts and
// renders. It is intentionally not the host's mime database so that
// results do not vary between machines.
var mimeByExtension = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"pdf":  "application/pdf",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"xls":  "application/vnd.ms-excel",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// GuessMIMEType maps a file name to a MIME type by extension.
func GuessMIMEType(name string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	if t, ok := mimeByExtension[ext]; ok {
		return t
	}

	return DefaultMIMEType
}

// resolveMIMEType prefers a well-formed hint, then the extension table.
func resolveMIMEType(name, hint string) string {
	hint = strings.TrimSpace(strings.ToLower(hint))
	if hint != "" && strings.Contains(hint, "/") {
		return hint
	}

	return GuessMIMEType(name)
}
