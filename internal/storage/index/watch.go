package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/lumishoot/lumishoot/internal/storage/document"
)

// Watch discards the index whenever a document file changes on disk
// outside this process, so externally edited stores list correctly without
// waiting for the TTL. Runs until ctx is done.
//
// Intended for setups where the store directory is hand-edited or synced;
// a store mutated only through the repository does not need it.
func (p *Projection) Watch(ctx context.Context) error {
	if err := os.MkdirAll(p.docs.Dir(), 0o755); err != nil {
		return fmt.Errorf("failed to create documents directory: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(p.docs.Dir()); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch documents directory: %w", err)
	}
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				name := filepath.Base(ev.Name)
				if !strings.HasSuffix(name, ".json") || name == document.IndexFileName || strings.HasPrefix(name, ".") {
					continue
				}
				// External edits stale the persisted index too.
				p.Discard()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				p.log.Warn("Error watching documents directory", "err", err)
			}
		}
	}()
	return nil
}
