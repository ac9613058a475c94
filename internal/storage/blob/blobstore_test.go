package blob

import (
	"errors"
	"os"
	"testing"

	"github.com/lumishoot/lumishoot/internal/models"
	"github.com/lumishoot/lumishoot/internal/storage"
)

func TestSaveLoad(t *testing.T) {
	s := NewStore(t.TempDir())
	in := models.InlineImage{Data: []byte("png bytes"), MIME: "image/png"}
	ref, err := s.Save("shoot1", "blob1", in)
	if err != nil {
		t.Fatalf("Save() = %v", err)
	}
	sr, ok := ref.Stored()
	if !ok {
		t.Fatal("Save() did not return a stored ref")
	}
	if got, want := sr.String(), "shoot1/blob1.png"; got != want {
		t.Errorf("ref = %q, want %q", got, want)
	}

	out, err := s.Load(ref)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if string(out.Data) != "png bytes" || out.MIME != "image/png" {
		t.Errorf("Load() = %+v", out)
	}
}

func TestSaveDerivesExtension(t *testing.T) {
	s := NewStore(t.TempDir())
	tests := []struct {
		mime string
		ext  string
	}{
		{"image/jpeg", "jpg"},
		{"image/png", "png"},
		{"image/webp", "webp"},
		{"image/gif", "gif"},
	}
	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			ref, err := s.Save("e", "b", models.InlineImage{Data: []byte("x"), MIME: tt.mime})
			if err != nil {
				t.Fatalf("Save() = %v", err)
			}
			sr, _ := ref.Stored()
			if sr.Ext != tt.ext {
				t.Errorf("ext = %q, want %q", sr.Ext, tt.ext)
			}
		})
	}
}

func TestSaveRejectsBadInput(t *testing.T) {
	s := NewStore(t.TempDir())
	if _, err := s.Save("e", "b", models.InlineImage{Data: []byte("x"), MIME: "application/pdf"}); err == nil {
		t.Error("Save() with unsupported MIME = nil, want error")
	}
	if _, err := s.Save("../e", "b", models.InlineImage{Data: []byte("x"), MIME: "image/png"}); err == nil {
		t.Error("Save() with traversal entity id = nil, want error")
	}
	if _, err := s.Save("e", "b.png", models.InlineImage{Data: []byte("x"), MIME: "image/png"}); err == nil {
		t.Error("Save() with dotted blob id = nil, want error")
	}
}

func TestLoadInlinePassthrough(t *testing.T) {
	s := NewStore(t.TempDir())
	in := models.InlineImage{Data: []byte{1, 2}, MIME: "image/gif"}
	out, err := s.Load(models.NewInlineRef(in))
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if out.MIME != in.MIME || string(out.Data) != string(in.Data) {
		t.Errorf("Load() = %+v, want %+v", out, in)
	}
}

func TestLoadMissing(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.Load(models.NewStoredRef(models.StoredRef{EntityID: "e", BlobID: "nope", Ext: "png"}))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Load(missing) = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	s := NewStore(t.TempDir())
	ref, err := s.Save("e", "b", models.InlineImage{Data: []byte("x"), MIME: "image/png"})
	if err != nil {
		t.Fatalf("Save() = %v", err)
	}
	if err := s.Delete(ref); err != nil {
		t.Fatalf("Delete() = %v", err)
	}
	if _, err := s.Load(ref); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Load() after delete = %v, want ErrNotFound", err)
	}
	// Absent and inline refs are no-ops.
	if err := s.Delete(ref); err != nil {
		t.Errorf("Delete(absent) = %v", err)
	}
	if err := s.Delete(models.NewInlineRef(models.InlineImage{MIME: "image/png"})); err != nil {
		t.Errorf("Delete(inline) = %v", err)
	}
}

func TestDeleteAll(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	for _, blobID := range []string{"b1", "b2"} {
		if _, err := s.Save("e", blobID, models.InlineImage{Data: []byte("x"), MIME: "image/png"}); err != nil {
			t.Fatalf("Save() = %v", err)
		}
	}
	if _, err := s.Save("other", "b1", models.InlineImage{Data: []byte("x"), MIME: "image/png"}); err != nil {
		t.Fatalf("Save() = %v", err)
	}

	if err := s.DeleteAll("e"); err != nil {
		t.Fatalf("DeleteAll() = %v", err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "other" {
		t.Errorf("surviving entries = %v, want only \"other\"", entries)
	}
	// Missing directory is a no-op.
	if err := s.DeleteAll("e"); err != nil {
		t.Errorf("DeleteAll(absent) = %v", err)
	}
}

func TestIsStoredRef(t *testing.T) {
	if !IsStoredRef("e/b.png") {
		t.Error(`IsStoredRef("e/b.png") = false`)
	}
	if IsStoredRef("data:image/png;base64,AAAA") {
		t.Error("IsStoredRef(data URL) = true")
	}
}
