// Package storage provides the object store the pipeline reads originals
// from and writes split parts to.
//
// Two implementations: an in-memory store for tests and single-node runs,
// and an S3-compatible store for deployments.
package storage

import (
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
)

// ErrNotFound is returned when a key has no object.
var ErrNotFound = errors.New("object not found")

// Metadata travels with each stored object.
type Metadata map[string]string

// ObjectStore is the narrow interface the processor depends on.
type ObjectStore interface {
	// PutObject stores data under key with attached metadata.
	PutObject(ctx context.Context, key string, data []byte, meta Metadata) error

	// GetObject streams the object at key.
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)

	// DeleteObject removes the object at key. Missing keys are not an error.
	DeleteObject(ctx context.Context, key string) error
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Slug normalizes a display name into a storage-safe slug: lowercased, runs
// of non-alphanumerics collapsed to single hyphens. Deterministic so the
// same metadata always produces the same key.
func Slug(name string) string {
	s := strings.ToLower(name)
	s = nonAlnum.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "part"
	}
	return s
}

// OriginalKey is the storage key of a session's primary upload.
func OriginalKey(sessionID, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return "smart-upload/" + sessionID + "/original" + ext
}

// PartKey is the storage key of one split part under the session namespace.
func PartKey(sessionID, displayName string) string {
	return "smart-upload/" + sessionID + "/parts/" + Slug(displayName) + ".pdf"
}
