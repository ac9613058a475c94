package document

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/lumishoot/lumishoot/internal/models"
	"github.com/lumishoot/lumishoot/internal/storage"
)

func TestWriteRead(t *testing.T) {
	s := NewStore(t.TempDir())
	in := &models.Shoot{
		ID:      "s1",
		Label:   "demo",
		Created: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		Params:  map[string]any{"style": "noir"},
	}
	before := time.Now().UTC()
	if err := s.Write(in); err != nil {
		t.Fatalf("Write() = %v", err)
	}
	if in.Modified.Before(before) {
		t.Errorf("Write() did not stamp Modified: %v", in.Modified)
	}

	out, err := s.Read("s1")
	if err != nil {
		t.Fatalf("Read() = %v", err)
	}
	if out.ID != "s1" || out.Label != "demo" || !out.Created.Equal(in.Created) {
		t.Errorf("Read() = %+v", out)
	}
	if out.Params["style"] != "noir" {
		t.Errorf("params = %v", out.Params)
	}
}

func TestReadMissing(t *testing.T) {
	s := NewStore(t.TempDir())
	if _, err := s.Read("nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Read(missing) = %v, want ErrNotFound", err)
	}
}

func TestReadCorrupt(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{truncated"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := s.Read("bad")
	if !errors.Is(err, storage.ErrCorruptDocument) {
		t.Errorf("Read(corrupt) = %v, want ErrCorruptDocument", err)
	}
	// A damaged file must never masquerade as an absent one.
	if errors.Is(err, storage.ErrNotFound) {
		t.Error("Read(corrupt) also reports ErrNotFound")
	}
}

func TestDelete(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Write(&models.Shoot{ID: "s1"}); err != nil {
		t.Fatalf("Write() = %v", err)
	}
	found, err := s.Delete("s1")
	if err != nil || !found {
		t.Fatalf("Delete() = %t, %v, want true, nil", found, err)
	}
	found, err = s.Delete("s1")
	if err != nil || found {
		t.Errorf("Delete(absent) = %t, %v, want false, nil", found, err)
	}
}

func TestListIDs(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	for _, id := range []string{"b", "a", "c"} {
		if err := s.Write(&models.Shoot{ID: id}); err != nil {
			t.Fatalf("Write() = %v", err)
		}
	}
	// The cache file, dotfiles (including crashed-write temp files) and
	// non-JSON entries are not documents.
	for _, name := range []string{IndexFileName, ".hidden.json", ".a.json.123456.tmp", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("[]"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "subdir"), 0o755); err != nil {
		t.Fatal(err)
	}

	ids, err := s.ListIDs()
	if err != nil {
		t.Fatalf("ListIDs() = %v", err)
	}
	slices.Sort(ids)
	if want := []string{"a", "b", "c"}; !slices.Equal(ids, want) {
		t.Errorf("ListIDs() = %v, want %v", ids, want)
	}
}

func TestListIDsMissingDir(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "never-created"))
	ids, err := s.ListIDs()
	if err != nil {
		t.Fatalf("ListIDs() = %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("ListIDs() = %v, want empty", ids)
	}
}
