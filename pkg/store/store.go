// Package store provides the shared artifact store: a content location where
// one unit writes files and downstream units read them. Writes are
// whole-artifact replacements, never partial in-place mutation, so a reader
// can never observe a half-written artifact.
package store

import "context"

// Store abstracts the shared artifact location. Paths are slash-separated
// and relative to the store root.
//
// Write discipline is single writer per artifact, many readers, replace not
// merge; no locking is required beyond the atomic replacement guarantee of
// WriteFileAtomic.
type Store interface {
	// ReadFile returns the full content of the artifact at path. A missing
	// artifact yields an error wrapping errors.ErrNotFound.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFileAtomic replaces the artifact at path with data. The new
	// content becomes visible atomically; concurrent readers see either the
	// previous content or the new content, never a prefix.
	WriteFileAtomic(ctx context.Context, path string, data []byte) error

	// Exists reports whether an artifact is present at path.
	Exists(ctx context.Context, path string) (bool, error)
}
