package history

import (
	"os"
	"path/filepath"
	"testing"

	gogit "github.com/go-git/go-git/v5"
)

func TestRecordCommits(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "doc.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	r.Record("save doc")
	// Close drains the queue, so the commit is durable afterwards.
	r.Close()

	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		t.Fatalf("PlainOpen() = %v", err)
	}
	head, err := repo.Head()
	if err != nil {
		t.Fatalf("Head() = %v", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		t.Fatalf("CommitObject() = %v", err)
	}
	if commit.Message != "save doc" {
		t.Errorf("commit message = %q, want %q", commit.Message, "save doc")
	}
}

func TestRecordCleanWorktreeIsNoOp(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	r.Record("nothing changed")
	r.Close()

	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Head(); err == nil {
		t.Error("a commit exists despite a clean worktree")
	}
}

func TestNewReopensExistingRepository(t *testing.T) {
	dir := t.TempDir()
	r1, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	r1.Close()

	r2, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() over existing repository = %v", err)
	}
	r2.Close()
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.Record("ignored")
	r.Close()
}
