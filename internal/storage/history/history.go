// Package history provides optional git versioning of the data directory.
//
// Commits are made by a single background goroutine, best-effort and
// asynchronous: a failed or dropped commit never fails the mutation that
// requested it. This is local change history, not replication.
package history

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	committerName  = "lumishoot"
	committerEmail = "lumishoot@localhost"
)

// Recorder commits the data directory after mutations. A nil *Recorder is
// valid and records nothing, so history stays optional at call sites.
type Recorder struct {
	dir  string
	repo *gogit.Repository
	log  *slog.Logger

	msgs      chan string
	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New opens or initializes a git repository at dir and starts the commit
// goroutine. Call Close to flush and stop.
func New(dir string, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		if !errors.Is(err, gogit.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("failed to open git repository: %w", err)
		}
		repo, err = gogit.PlainInit(dir, false)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize git repository: %w", err)
		}
	}
	r := &Recorder{
		dir:  dir,
		repo: repo,
		log:  logger,
		msgs: make(chan string, 64),
		quit: make(chan struct{}),
	}
	r.wg.Add(1)
	go r.loop()
	return r, nil
}

// Record queues a commit with the given message. Never blocks; when the
// queue is full the request is dropped (the next commit picks up the
// accumulated changes anyway).
func (r *Recorder) Record(msg string) {
	if r == nil {
		return
	}
	select {
	case r.msgs <- msg:
	case <-r.quit:
	default:
		r.log.Debug("History queue full, dropping commit request", "msg", msg)
	}
}

// Close drains pending commits and stops the goroutine.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.closeOnce.Do(func() { close(r.quit) })
	r.wg.Wait()
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for {
		select {
		case msg := <-r.msgs:
			if err := r.commit(msg); err != nil {
				r.log.Warn("Failed to record history commit", "msg", msg, "err", err)
			}
		case <-r.quit:
			// Drain what is already queued.
			for {
				select {
				case msg := <-r.msgs:
					if err := r.commit(msg); err != nil {
						r.log.Warn("Failed to record history commit", "msg", msg, "err", err)
					}
				default:
					return
				}
			}
		}
	}
}

// commit stages everything under the data directory and commits it. A
// clean worktree is a no-op.
func (r *Recorder) commit(msg string) error {
	w, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := w.AddWithOptions(&gogit.AddOptions{All: true}); err != nil {
		return fmt.Errorf("failed to stage changes: %w", err)
	}
	status, err := w.Status()
	if err != nil {
		return fmt.Errorf("failed to get worktree status: %w", err)
	}
	if status.IsClean() {
		return nil
	}
	sig := &object.Signature{Name: committerName, Email: committerEmail, When: time.Now()}
	if _, err := w.Commit(msg, &gogit.CommitOptions{Author: sig, Committer: sig}); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
