// Package storage holds the helpers shared by the raw HTML archive backends.
package storage

import (
	"context"
	"path"
	"strings"
)

// HTMLContentType is the content type recorded for archived pages.
const HTMLContentType = "text/html; charset=utf-8"

// ObjectPath lays archived pages out as <prefix>/<monitor>/<hash>.html.
func ObjectPath(prefix, monitorID, contentHash string) string {
	return path.Join(strings.Trim(prefix, "/"), monitorID, contentHash+".html")
}

// Discard is the archive used when raw HTML retention is disabled. It stores nothing and
// returns an empty location.
type Discard struct{}

// PutObject does nothing and always returns an empty location.
func (Discard) PutObject(_ context.Context, _ string, _ string, _ []byte) (string, error) {
	return "", nil
}
