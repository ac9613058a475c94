// Package index maintains the denormalized shoot listing: a cached,
// rebuildable projection derived from the documents.
//
// The documents are the source of truth; the projection is eventually
// consistent. Mutations are routed through a single writer goroutine so
// concurrent upserts cannot interleave rewrites of the index file. A
// mutation that cannot be applied or persisted discards both the cache and
// the index file, forcing a rebuild from the documents, and never fails the
// document write that triggered it.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lumishoot/lumishoot/internal/atomicfile"
	"github.com/lumishoot/lumishoot/internal/models"
	"github.com/lumishoot/lumishoot/internal/storage"
	"github.com/lumishoot/lumishoot/internal/storage/document"
)

// DefaultTTL is how long a cached listing is served before the persisted
// index is consulted again.
const DefaultTTL = 5 * time.Second

// rebuildParallelism bounds concurrent document parses during a rebuild.
const rebuildParallelism = 8

// Projection serves the shoot listing from an in-memory cache backed by a
// persisted index file, rebuilding from the documents when the file is
// missing or unreadable.
type Projection struct {
	docs *document.Store
	path string
	ttl  time.Duration
	log  *slog.Logger

	mu       sync.Mutex
	entries  []models.IndexEntry // nil when the cache is invalid
	loadedAt time.Time

	ops       chan func()
	quit      chan struct{}
	closeOnce sync.Once
}

// New creates a projection over docs, persisted at the store's reserved
// index path, and starts its writer goroutine. Call Close when done.
func New(docs *document.Store, ttl time.Duration, logger *slog.Logger) *Projection {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Projection{
		docs: docs,
		path: docs.IndexPath(),
		ttl:  ttl,
		log:  logger,
		ops:  make(chan func(), 128),
		quit: make(chan struct{}),
	}
	go p.loop()
	return p
}

// Close stops the writer goroutine. Pending mutations are dropped; the
// index is reconstructible, so nothing is lost.
func (p *Projection) Close() {
	p.closeOnce.Do(func() { close(p.quit) })
}

// List returns the current index entries, newest first. Served from cache
// within the TTL; otherwise reloaded from the persisted index, falling back
// to a full rebuild when the file is missing or unreadable.
func (p *Projection) List(ctx context.Context) ([]models.IndexEntry, error) {
	p.mu.Lock()
	if p.entries != nil && time.Since(p.loadedAt) < p.ttl {
		out := slices.Clone(p.entries)
		p.mu.Unlock()
		return out, nil
	}
	p.mu.Unlock()

	entries, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	p.setCache(entries)
	return slices.Clone(entries), nil
}

// Invalidate drops the in-memory cache, forcing the next List to reload or
// rebuild.
func (p *Projection) Invalidate() {
	p.mu.Lock()
	p.entries = nil
	p.mu.Unlock()
}

// Discard drops both the in-memory cache and the persisted index file,
// forcing the next List to rebuild from the documents. Used whenever a
// mutation could not be applied: the persisted file no longer reflects
// the documents, so reloading it would serve stale entries.
func (p *Projection) Discard() {
	p.Invalidate()
	if err := atomicfile.Delete(p.path); err != nil {
		p.log.Warn("Failed to delete persisted index", "err", err)
	}
}

// Upsert schedules the entry derived from doc to be inserted-or-replaced
// in the index. Safe to call concurrently; returns immediately.
func (p *Projection) Upsert(doc *models.Shoot) {
	entry := EntryFor(doc)
	p.enqueue(func() { p.applyUpsert(entry) })
}

// Remove schedules the entry for id to be stripped from the index.
func (p *Projection) Remove(id string) {
	p.enqueue(func() { p.applyRemove(id) })
}

// Flush blocks until all previously scheduled mutations have been applied.
func (p *Projection) Flush() {
	ch := make(chan struct{})
	select {
	case p.ops <- func() { close(ch) }:
	case <-p.quit:
		return
	}
	select {
	case <-ch:
	case <-p.quit:
	}
}

// Rebuild scans every document, derives an entry per parseable survivor,
// sorts by update time descending, persists and caches the result. Corrupt
// documents are logged and skipped, never failing the rebuild.
func (p *Projection) Rebuild(ctx context.Context) ([]models.IndexEntry, error) {
	ids, err := p.docs.ListIDs()
	if err != nil {
		return nil, err
	}

	results := make([]*models.IndexEntry, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(rebuildParallelism)
	for i, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			doc, err := p.docs.Read(id)
			switch {
			case err == nil:
				e := EntryFor(doc)
				results[i] = &e
				return nil
			case errors.Is(err, storage.ErrCorruptDocument):
				p.log.Warn("Skipping corrupt shoot document during index rebuild", "id", id, "err", err)
				return nil
			case errors.Is(err, storage.ErrNotFound):
				// Deleted between the scan and the read.
				return nil
			default:
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("index rebuild failed: %w", err)
	}

	entries := make([]models.IndexEntry, 0, len(results))
	for _, e := range results {
		if e != nil {
			entries = append(entries, *e)
		}
	}
	sortEntries(entries)

	if err := p.persist(entries); err != nil {
		// The documents remain the source of truth; serve the result anyway.
		p.log.Warn("Failed to persist rebuilt index", "err", err)
	}
	p.setCache(entries)
	return entries, nil
}

// EntryFor derives the index entry for one document.
func EntryFor(doc *models.Shoot) models.IndexEntry {
	entry := models.IndexEntry{
		ID:              doc.ID,
		Label:           doc.Label,
		ImageCount:      len(doc.GeneratedImages),
		Created:         doc.Created,
		Modified:        doc.Modified,
		HasStyleLock:    doc.Locks.Style.Enabled,
		HasLocationLock: doc.Locks.Location.Enabled,
	}
	// Preview is the most recently created image's ref.
	var latest time.Time
	for _, img := range doc.GeneratedImages {
		if entry.Preview.IsZero() || img.Created.After(latest) {
			entry.Preview = img.Ref.Clone()
			latest = img.Created
		}
	}
	return entry
}

func (p *Projection) loop() {
	for {
		select {
		case <-p.quit:
			return
		case fn := <-p.ops:
			fn()
		}
	}
}

// enqueue hands fn to the writer goroutine. A full queue drops the
// mutation and discards the index instead of blocking the caller.
func (p *Projection) enqueue(fn func()) {
	select {
	case p.ops <- fn:
	case <-p.quit:
	default:
		p.log.Warn("Index mutation queue full, discarding index")
		p.Discard()
	}
}

// ensureEntriesLocked loads the persisted index into the cache when the
// cache is invalid, so a pending mutation has a base to apply to. Returns
// false when no usable persisted index exists. Caller holds p.mu.
func (p *Projection) ensureEntriesLocked() bool {
	if p.entries != nil {
		return true
	}
	entries, err := p.readPersisted()
	if err != nil {
		return false
	}
	if entries == nil {
		entries = []models.IndexEntry{}
	}
	p.entries = entries
	p.loadedAt = time.Now()
	return true
}

func (p *Projection) applyUpsert(entry models.IndexEntry) {
	p.mu.Lock()
	if !p.ensureEntriesLocked() {
		// No base to apply to. The persisted file, if any, predates this
		// mutation; drop it so the next List rebuilds from the documents.
		p.mu.Unlock()
		p.Discard()
		return
	}
	replaced := false
	for i := range p.entries {
		if p.entries[i].ID == entry.ID {
			p.entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		p.entries = append(p.entries, entry)
	}
	sortEntries(p.entries)
	snapshot := slices.Clone(p.entries)
	p.mu.Unlock()
	p.persistOrDiscard(snapshot)
}

func (p *Projection) applyRemove(id string) {
	p.mu.Lock()
	if !p.ensureEntriesLocked() {
		p.mu.Unlock()
		p.Discard()
		return
	}
	p.entries = slices.DeleteFunc(p.entries, func(e models.IndexEntry) bool { return e.ID == id })
	snapshot := slices.Clone(p.entries)
	p.mu.Unlock()
	p.persistOrDiscard(snapshot)
}

// persistOrDiscard writes the index file; on failure both the cache and
// the now-outdated file are dropped rather than serving an update that
// never reached disk.
func (p *Projection) persistOrDiscard(entries []models.IndexEntry) {
	if err := p.persist(entries); err != nil {
		p.log.Warn("Failed to persist index, discarding", "err", err)
		p.Discard()
	}
}

func (p *Projection) persist(entries []models.IndexEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}
	return atomicfile.Write(p.path, data)
}

// load reads the persisted index file, rebuilding when it is missing or
// unreadable.
func (p *Projection) load(ctx context.Context) ([]models.IndexEntry, error) {
	entries, err := p.readPersisted()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			p.log.Warn("Index file is unreadable, rebuilding", "err", err)
		}
		return p.Rebuild(ctx)
	}
	return entries, nil
}

func (p *Projection) readPersisted() ([]models.IndexEntry, error) {
	data, err := atomicfile.Read(p.path)
	if err != nil {
		return nil, err
	}
	var entries []models.IndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode index file: %w", err)
	}
	return entries, nil
}

func (p *Projection) setCache(entries []models.IndexEntry) {
	p.mu.Lock()
	p.entries = slices.Clone(entries)
	p.loadedAt = time.Now()
	p.mu.Unlock()
}

func sortEntries(entries []models.IndexEntry) {
	slices.SortFunc(entries, func(a, b models.IndexEntry) int {
		switch {
		case a.Modified.After(b.Modified):
			return -1
		case b.Modified.After(a.Modified):
			return 1
		default:
			// Stable order for equal timestamps.
			if a.ID > b.ID {
				return -1
			}
			if a.ID < b.ID {
				return 1
			}
			return 0
		}
	})
}
