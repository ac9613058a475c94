// Package storage defines the error taxonomy shared by the persistence
// subpackages (blob, document, index, shoot).
//
// NotFound is expected, not exceptional, on read paths: read-oriented
// operations surface absence as a nil result, while mutating operations
// that require an existing entity return ErrNotFound. Malformed stored
// content is reported as ErrCorruptDocument, never silently treated as
// absent. Underlying filesystem failures propagate as wrapped OS errors.
// Timeout errors live in the keyedlock package. No operation in this layer
// retries; retry policy belongs to the caller.
package storage

import "errors"

var (
	// ErrNotFound reports an absent document or blob.
	ErrNotFound = errors.New("not found")
	// ErrCorruptDocument reports stored content that exists but cannot be
	// decoded.
	ErrCorruptDocument = errors.New("corrupt document")
)
