// Package shoot composes the keyed lock, document store, blob store and
// index projection into the repository the route layer calls.
//
// Every mutating operation follows the same shape: acquire the entity's
// lock, read the current document, apply blob writes or deletes, mutate in
// memory, write the document atomically, release the lock, then refresh the
// index projection asynchronously. Listing reads only the projection and
// never scans documents on the hot path.
package shoot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/maruel/ksid"
	"golang.org/x/sync/errgroup"

	"github.com/lumishoot/lumishoot/internal/keyedlock"
	"github.com/lumishoot/lumishoot/internal/models"
	"github.com/lumishoot/lumishoot/internal/storage"
	"github.com/lumishoot/lumishoot/internal/storage/blob"
	"github.com/lumishoot/lumishoot/internal/storage/document"
	"github.com/lumishoot/lumishoot/internal/storage/history"
	"github.com/lumishoot/lumishoot/internal/storage/index"
)

// resolveParallelism bounds concurrent blob reads when resolving a
// document's images to inline data.
const resolveParallelism = 8

// Options configures a Repository.
type Options struct {
	// DataDir is the root under which store/custom-shoots and store/images
	// are laid out.
	DataDir string
	// AcquireTimeout bounds waiting for an entity's lock. Zero means the
	// keyedlock default.
	AcquireTimeout time.Duration
	// ExecTimeout bounds one critical section. Zero means the keyedlock
	// default.
	ExecTimeout time.Duration
	// IndexTTL is how long listings are served from cache.
	IndexTTL time.Duration
	// History, when non-nil, records a commit after each mutation.
	History *history.Recorder
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Repository owns the per-entity lock table and the index cache. Construct
// one per process and share it; isolated instances over distinct data
// directories are independent, which is what tests rely on.
type Repository struct {
	locks *keyedlock.KeyedLock
	docs  *document.Store
	blobs *blob.Store
	idx   *index.Projection
	hist  *history.Recorder
	log   *slog.Logger
}

// New creates a repository rooted at opts.DataDir.
func New(opts Options) *Repository {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	docs := document.NewStore(filepath.Join(opts.DataDir, "store", "custom-shoots"))
	return &Repository{
		locks: keyedlock.New(opts.AcquireTimeout, opts.ExecTimeout),
		docs:  docs,
		blobs: blob.NewStore(filepath.Join(opts.DataDir, "store", "images")),
		idx:   index.New(docs, opts.IndexTTL, logger),
		hist:  opts.History,
		log:   logger,
	}
}

// Close stops the index writer. The repository must not be used after.
func (r *Repository) Close() {
	r.idx.Close()
}

// Index exposes the projection for watching and test synchronization.
func (r *Repository) Index() *index.Projection {
	return r.idx
}

// List returns the denormalized listing, newest first. Served from the
// projection; may lag the documents by up to the index TTL.
func (r *Repository) List(ctx context.Context) ([]models.IndexEntry, error) {
	return r.idx.List(ctx)
}

// Get returns the document for id, or nil when it does not exist. The
// returned document keeps stored refs unresolved.
func (r *Repository) Get(ctx context.Context, id string) (*models.Shoot, error) {
	doc, err := r.docs.Read(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return doc, nil
}

// GetWithResolvedImages returns a copy of the document with every stored
// ref resolved to inline data, images sorted newest first. The persisted
// document keeps stored refs. Returns nil when the shoot does not exist.
func (r *Repository) GetWithResolvedImages(ctx context.Context, id string) (*models.Shoot, error) {
	doc, err := r.Get(ctx, id)
	if doc == nil || err != nil {
		return nil, err
	}
	out := doc.Clone()

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(resolveParallelism)
	for i := range out.GeneratedImages {
		if _, ok := out.GeneratedImages[i].Ref.Stored(); !ok {
			continue
		}
		g.Go(func() error {
			img, err := r.blobs.Load(out.GeneratedImages[i].Ref)
			if err != nil {
				return fmt.Errorf("image %s: %w", out.GeneratedImages[i].ID, err)
			}
			out.GeneratedImages[i].Ref = models.NewInlineRef(img)
			return nil
		})
	}
	for _, slot := range []*models.LockSlot{&out.Locks.Style, &out.Locks.Location} {
		if _, ok := slot.SourceImageURL.Stored(); !ok {
			continue
		}
		g.Go(func() error {
			img, err := r.blobs.Load(slot.SourceImageURL)
			if err != nil {
				return fmt.Errorf("lock source %s: %w", slot.SourceImageID, err)
			}
			slot.SourceImageURL = models.NewInlineRef(img)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slices.SortFunc(out.GeneratedImages, func(a, b models.GeneratedImage) int {
		switch {
		case a.Created.After(b.Created):
			return -1
		case b.Created.After(a.Created):
			return 1
		default:
			return 0
		}
	})
	return out, nil
}

// Save creates or replaces a document. A missing id is assigned a fresh
// one; an existing document keeps its creation timestamp. Returns the
// stored document.
func (r *Repository) Save(ctx context.Context, doc *models.Shoot) (*models.Shoot, error) {
	in := doc.Clone()
	if in.ID == "" {
		in.ID = ksid.NewID().String()
	}
	if err := models.ValidateID(in.ID); err != nil {
		return nil, err
	}
	var out *models.Shoot
	err := r.mutate(ctx, in.ID, func(context.Context) error {
		existing, err := r.docs.Read(in.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrCorruptDocument) {
			return err
		}
		if existing != nil {
			in.Created = existing.Created
		} else if in.Created.IsZero() {
			in.Created = time.Now().UTC()
		}
		if err := r.docs.Write(in); err != nil {
			return err
		}
		out = in.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.afterWrite(out, "save shoot "+out.ID)
	return out, nil
}

// Delete removes the entity: blobs first, then the document, then the
// index entry. Returns false when the document did not exist.
func (r *Repository) Delete(ctx context.Context, id string) (bool, error) {
	if err := models.ValidateID(id); err != nil {
		return false, err
	}
	var found bool
	err := r.mutate(ctx, id, func(context.Context) error {
		// Blobs go first: a blob surviving its document is a leak, while a
		// document surviving its blobs is recoverable.
		if err := r.blobs.DeleteAll(id); err != nil {
			return err
		}
		f, err := r.docs.Delete(id)
		found = f
		return err
	})
	if err != nil {
		return false, err
	}
	r.idx.Remove(id)
	if found {
		r.hist.Record("delete shoot " + id)
	}
	return found, nil
}

// AddImage appends a generated image to the shoot. Inline payloads are
// converted to stored blobs before the document is written; the document
// never persists inline data for generated images. A missing image id is
// assigned a fresh one; the creation timestamp is stamped and both
// reference flags start false. Returns the stored record.
func (r *Repository) AddImage(ctx context.Context, id string, img models.GeneratedImage) (models.GeneratedImage, error) {
	in := img.Clone()
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	// A stored ref naming another shoot would let this document hold a
	// blob it does not own, and removing the image later would delete it
	// out from under the owner.
	if sr, ok := in.Ref.Stored(); ok && sr.EntityID != id {
		return models.GeneratedImage{}, fmt.Errorf("image ref %s does not belong to shoot %s", in.Ref, id)
	}
	var out models.GeneratedImage
	var updated *models.Shoot
	err := r.mutate(ctx, id, func(context.Context) error {
		doc, err := r.docs.Read(id)
		if err != nil {
			return err
		}
		for _, existing := range doc.GeneratedImages {
			if existing.ID == in.ID {
				return fmt.Errorf("image %s already exists in shoot %s", in.ID, id)
			}
		}
		if inline, ok := in.Ref.Inline(); ok {
			ref, err := r.blobs.Save(id, uuid.NewString(), inline)
			if err != nil {
				return err
			}
			in.Ref = ref
		}
		in.Created = time.Now().UTC()
		in.IsStyleReference = false
		in.IsLocationReference = false
		doc.GeneratedImages = append(doc.GeneratedImages, in)
		if err := r.docs.Write(doc); err != nil {
			// Best effort: do not leave an orphaned blob behind a failed
			// document write.
			_ = r.blobs.Delete(in.Ref)
			return err
		}
		out = in.Clone()
		updated = doc.Clone()
		return nil
	})
	if err != nil {
		return models.GeneratedImage{}, err
	}
	r.afterWrite(updated, fmt.Sprintf("add image %s to shoot %s", out.ID, id))
	return out, nil
}

// RemoveImage deletes the image's blob, cascades a clear on any lock slot
// referencing it, and splices the record out. Returns whether a record was
// found; a missing shoot is an error.
func (r *Repository) RemoveImage(ctx context.Context, id, imageID string) (bool, error) {
	var found bool
	var updated *models.Shoot
	err := r.mutate(ctx, id, func(context.Context) error {
		doc, err := r.docs.Read(id)
		if err != nil {
			return err
		}
		i := slices.IndexFunc(doc.GeneratedImages, func(g models.GeneratedImage) bool { return g.ID == imageID })
		if i < 0 {
			return nil
		}
		img := doc.GeneratedImages[i]
		if err := r.blobs.Delete(img.Ref); err != nil {
			return err
		}
		if img.IsStyleReference {
			doc.Locks.Style = models.DisabledLockSlot()
		}
		if img.IsLocationReference {
			doc.Locks.Location = models.DisabledLockSlot()
		}
		doc.GeneratedImages = slices.Delete(doc.GeneratedImages, i, i+1)
		if err := r.docs.Write(doc); err != nil {
			return err
		}
		found = true
		updated = doc.Clone()
		return nil
	})
	if err != nil {
		return false, err
	}
	if found {
		r.afterWrite(updated, fmt.Sprintf("remove image %s from shoot %s", imageID, id))
	}
	return found, nil
}

// SetLock points the lock slot of the given kind at an existing image. The
// reference flag is cleared on every other image first, keeping at most
// one reference per kind.
func (r *Repository) SetLock(ctx context.Context, id string, kind models.LockKind, imageID string, mode models.LockMode) (*models.Shoot, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown lock kind %q", kind)
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("invalid lock mode %q", mode)
	}
	var updated *models.Shoot
	err := r.mutate(ctx, id, func(context.Context) error {
		doc, err := r.docs.Read(id)
		if err != nil {
			return err
		}
		i := slices.IndexFunc(doc.GeneratedImages, func(g models.GeneratedImage) bool { return g.ID == imageID })
		if i < 0 {
			return fmt.Errorf("image %s in shoot %s: %w", imageID, id, storage.ErrNotFound)
		}
		for j := range doc.GeneratedImages {
			setReferenceFlag(&doc.GeneratedImages[j], kind, false)
		}
		target := &doc.GeneratedImages[i]
		setReferenceFlag(target, kind, true)
		slot, _ := doc.Locks.Slot(kind)
		*slot = models.LockSlot{
			Enabled:        true,
			Mode:           mode,
			SourceImageID:  target.ID,
			SourceImageURL: target.Ref.Clone(),
		}
		if err := r.docs.Write(doc); err != nil {
			return err
		}
		updated = doc.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.afterWrite(updated, fmt.Sprintf("set %s lock on shoot %s", kind, id))
	return updated, nil
}

// ClearLock disables the slot of the given kind and clears the reference
// flag on every image of that kind.
func (r *Repository) ClearLock(ctx context.Context, id string, kind models.LockKind) (*models.Shoot, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown lock kind %q", kind)
	}
	var updated *models.Shoot
	err := r.mutate(ctx, id, func(context.Context) error {
		doc, err := r.docs.Read(id)
		if err != nil {
			return err
		}
		for j := range doc.GeneratedImages {
			setReferenceFlag(&doc.GeneratedImages[j], kind, false)
		}
		slot, _ := doc.Locks.Slot(kind)
		*slot = models.DisabledLockSlot()
		if err := r.docs.Write(doc); err != nil {
			return err
		}
		updated = doc.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.afterWrite(updated, fmt.Sprintf("clear %s lock on shoot %s", kind, id))
	return updated, nil
}

// UpdateParams applies a partial update: the "label" key updates the
// shoot's label, every other key is deep-merged into the caller-owned
// params block. Requires an existing shoot.
func (r *Repository) UpdateParams(ctx context.Context, id string, partial map[string]any) (*models.Shoot, error) {
	var updated *models.Shoot
	err := r.mutate(ctx, id, func(context.Context) error {
		doc, err := r.docs.Read(id)
		if err != nil {
			return err
		}
		for k, v := range partial {
			if k == "label" {
				label, ok := v.(string)
				if !ok {
					return fmt.Errorf("label must be a string")
				}
				doc.Label = label
				continue
			}
			doc.Params = deepMerge(doc.Params, map[string]any{k: v})
		}
		if err := r.docs.Write(doc); err != nil {
			return err
		}
		updated = doc.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.afterWrite(updated, "update params of shoot "+id)
	return updated, nil
}

// mutate runs fn under the shoot's lock. When fn overruns the execution
// deadline its write may still land after the error is returned, without
// the usual index update; the index is discarded so the next listing
// rebuilds from the documents instead of serving the pre-write state.
func (r *Repository) mutate(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	err := r.locks.Do(ctx, id, fn)
	if errors.Is(err, keyedlock.ErrOperationTimeout) {
		r.idx.Discard()
	}
	return err
}

// afterWrite refreshes the index projection and records history after a
// successful document write. Both are asynchronous and best-effort.
func (r *Repository) afterWrite(doc *models.Shoot, msg string) {
	r.idx.Upsert(doc)
	r.hist.Record(msg)
}

func setReferenceFlag(img *models.GeneratedImage, kind models.LockKind, v bool) {
	switch kind {
	case models.LockKindStyle:
		img.IsStyleReference = v
	case models.LockKindLocation:
		img.IsLocationReference = v
	}
}
