// Package blob persists binary image payloads as files under an
// entity-scoped path convention: <root>/{entityId}/{blobId}.{ext}.
package blob

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/lumishoot/lumishoot/internal/atomicfile"
	"github.com/lumishoot/lumishoot/internal/models"
	"github.com/lumishoot/lumishoot/internal/storage"
)

// Store reads and writes blob files under a root directory. Writes go
// through atomic replacement, so concurrent readers never observe partial
// content. Store performs no locking of its own; callers serialize
// per-entity mutations.
type Store struct {
	root string
}

// NewStore creates a blob store rooted at root. The directory is created
// lazily on first write.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Save writes img under the entity's subdirectory and returns the stored
// ref. The file extension is derived from the MIME type.
func (s *Store) Save(entityID, blobID string, img models.InlineImage) (models.ImageRef, error) {
	if err := models.ValidateID(entityID); err != nil {
		return models.ImageRef{}, err
	}
	if err := models.ValidateID(blobID); err != nil {
		return models.ImageRef{}, err
	}
	ext, ok := models.ExtForMIME(img.MIME)
	if !ok {
		return models.ImageRef{}, fmt.Errorf("unsupported image MIME type %q", img.MIME)
	}
	ref := models.StoredRef{EntityID: entityID, BlobID: blobID, Ext: ext}
	if err := atomicfile.Write(s.Path(ref), img.Data); err != nil {
		return models.ImageRef{}, fmt.Errorf("failed to save blob %s: %w", ref, err)
	}
	return models.NewStoredRef(ref), nil
}

// Load resolves ref to inline bytes. A ref that already carries inline data
// is returned as-is; a stored ref is read from disk with the MIME type
// re-derived from the extension. A missing blob file reports
// storage.ErrNotFound.
func (s *Store) Load(ref models.ImageRef) (models.InlineImage, error) {
	if img, ok := ref.Inline(); ok {
		return img, nil
	}
	sr, ok := ref.Stored()
	if !ok {
		return models.InlineImage{}, fmt.Errorf("cannot load empty image ref")
	}
	data, err := atomicfile.Read(s.Path(sr))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.InlineImage{}, fmt.Errorf("blob %s: %w", sr, storage.ErrNotFound)
		}
		return models.InlineImage{}, err
	}
	mime, ok := models.MIMEForExt(sr.Ext)
	if !ok {
		return models.InlineImage{}, fmt.Errorf("blob %s has unknown extension", sr)
	}
	return models.InlineImage{Data: data, MIME: mime}, nil
}

// Delete removes the blob file behind ref. Inline and already-absent refs
// are successful no-ops.
func (s *Store) Delete(ref models.ImageRef) error {
	sr, ok := ref.Stored()
	if !ok {
		return nil
	}
	return atomicfile.Delete(s.Path(sr))
}

// DeleteAll removes the entity's whole blob subdirectory. Used on entity
// deletion; a missing directory is a successful no-op.
func (s *Store) DeleteAll(entityID string) error {
	if err := models.ValidateID(entityID); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.root, entityID)); err != nil {
		return fmt.Errorf("failed to delete blobs for %s: %w", entityID, err)
	}
	return nil
}

// Path returns the on-disk location for a stored ref.
func (s *Store) Path(ref models.StoredRef) string {
	return filepath.Join(s.root, ref.EntityID, ref.BlobID+"."+ref.Ext)
}

// IsStoredRef reports whether value matches the stored-reference grammar.
func IsStoredRef(value string) bool {
	_, ok := models.ParseStoredRef(value)
	return ok
}
