// Package document persists one JSON document per shoot under
// <dir>/{id}.json via atomic file replacement.
//
// The store performs no locking of its own: the façade wraps every
// mutating call in the per-entity keyed lock.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lumishoot/lumishoot/internal/atomicfile"
	"github.com/lumishoot/lumishoot/internal/models"
	"github.com/lumishoot/lumishoot/internal/storage"
)

// IndexFileName is the reserved name of the persisted index projection
// living alongside the documents. ListIDs never reports it.
const IndexFileName = "_index.json"

// Store reads and writes shoot documents in a single directory.
type Store struct {
	dir string
}

// NewStore creates a document store over dir. The directory is created
// lazily on first write.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the directory holding the documents.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the on-disk location of a document.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// IndexPath returns the on-disk location of the persisted index file.
func (s *Store) IndexPath() string {
	return filepath.Join(s.dir, IndexFileName)
}

// Read loads the document with the given id. A missing document reports
// storage.ErrNotFound; content that exists but does not decode reports
// storage.ErrCorruptDocument.
func (s *Store) Read(id string) (*models.Shoot, error) {
	if err := models.ValidateID(id); err != nil {
		return nil, err
	}
	data, err := atomicfile.Read(s.Path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("shoot %s: %w", id, storage.ErrNotFound)
		}
		return nil, err
	}
	var doc models.Shoot
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("shoot %s: %w: %v", id, storage.ErrCorruptDocument, err)
	}
	if doc.ID == "" {
		doc.ID = id
	}
	return &doc, nil
}

// Write stamps the document's modification time, serializes it and
// replaces the file atomically.
func (s *Store) Write(doc *models.Shoot) error {
	if err := models.ValidateID(doc.ID); err != nil {
		return err
	}
	doc.Modified = time.Now().UTC()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal shoot %s: %w", doc.ID, err)
	}
	return atomicfile.Write(s.Path(doc.ID), data)
}

// Delete removes the document. It reports whether a document existed;
// deleting an absent document is a successful no-op.
func (s *Store) Delete(id string) (bool, error) {
	if err := models.ValidateID(id); err != nil {
		return false, err
	}
	if _, err := os.Stat(s.Path(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat shoot %s: %w", id, err)
	}
	if err := atomicfile.Delete(s.Path(id)); err != nil {
		return false, err
	}
	return true, nil
}

// ListIDs returns the ids of all stored documents in directory order. The
// persisted index file and temp files are skipped. A missing directory
// yields an empty list.
func (s *Store) ListIDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read documents directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}
