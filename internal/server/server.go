// Package server exposes the shoot repository over HTTP.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/invopop/jsonschema"

	"github.com/lumishoot/lumishoot/internal/models"
	"github.com/lumishoot/lumishoot/internal/storage"
	"github.com/lumishoot/lumishoot/internal/storage/shoot"
)

// maxBodyBytes bounds request bodies. Inline image payloads arrive
// base64-encoded in JSON, so this needs headroom over raw image sizes.
const maxBodyBytes = 32 << 20

// Server holds the handler dependencies.
type Server struct {
	repo    *shoot.Repository
	log     *slog.Logger
	limiter *ipLimiter
	version string
	schema  []byte
}

// Options configures a Server.
type Options struct {
	Repo    *shoot.Repository
	Logger  *slog.Logger
	Version string
	// RateLimit is the sustained per-IP request rate. Zero disables
	// limiting.
	RateLimit float64
	RateBurst int
}

// New creates a server. The document schema is reflected once at
// construction.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := json.MarshalIndent(jsonschema.Reflect(&models.Shoot{}), "", "  ")
	if err != nil {
		// Reflection over our own static types cannot fail at runtime.
		panic(err)
	}
	return &Server{
		repo:    opts.Repo,
		log:     logger,
		limiter: newIPLimiter(opts.RateLimit, opts.RateBurst),
		version: opts.Version,
		schema:  schema,
	}
}

// Close releases the limiter's cleanup goroutine.
func (s *Server) Close() {
	s.limiter.close()
}

// handle adapts an error-returning handler and centralizes the error to
// status mapping.
func (s *Server) handle(fn func(w http.ResponseWriter, r *http.Request) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientIP(r)) {
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
			return
		}
		if err := fn(w, r); err != nil {
			writeError(w, r, err)
		}
	})
}

// decodeBody reads a size-capped JSON body into v, rejecting unknown
// fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return &apiError{status: http.StatusRequestEntityTooLarge, msg: "request body too large"}
		}
		return badRequest("failed to read request body")
	}
	d := json.NewDecoder(bytes.NewReader(body))
	d.DisallowUnknownFields()
	if err := d.Decode(v); err != nil {
		return badRequest("invalid request body: " + err.Error())
	}
	return nil
}

// pathID extracts and validates the {id} path segment. A malformed id
// cannot name a document, so it reports not found.
func pathID(r *http.Request) (string, error) {
	id := r.PathValue("id")
	if err := models.ValidateID(id); err != nil {
		return "", notFound(fmt.Sprintf("shoot %q not found", id))
	}
	return id, nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) error {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
	return nil
}

func (s *Server) getSchema(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, err := w.Write(s.schema)
	return err
}

func (s *Server) listShoots(w http.ResponseWriter, r *http.Request) error {
	entries, err := s.repo.List(r.Context())
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []models.IndexEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
	return nil
}

func (s *Server) createShoot(w http.ResponseWriter, r *http.Request) error {
	var in models.Shoot
	if err := decodeBody(w, r, &in); err != nil {
		return err
	}
	out, err := s.repo.Save(r.Context(), &in)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, out)
	return nil
}

func (s *Server) getShoot(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	var doc *models.Shoot
	if r.URL.Query().Get("resolve") == "1" {
		doc, err = s.repo.GetWithResolvedImages(r.Context(), id)
	} else {
		doc, err = s.repo.Get(r.Context(), id)
	}
	if err != nil {
		return err
	}
	if doc == nil {
		return notFound(fmt.Sprintf("shoot %q not found", id))
	}
	writeJSON(w, http.StatusOK, doc)
	return nil
}

func (s *Server) patchShoot(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	var partial map[string]any
	if err := decodeBody(w, r, &partial); err != nil {
		return err
	}
	if len(partial) == 0 {
		return badRequest("empty update")
	}
	out, err := s.repo.UpdateParams(r.Context(), id, partial)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

func (s *Server) deleteShoot(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	found, err := s.repo.Delete(r.Context(), id)
	if err != nil {
		return err
	}
	if !found {
		return notFound(fmt.Sprintf("shoot %q not found", id))
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// addImageRequest accepts either an inline data URL or an existing
// stored path in url.
type addImageRequest struct {
	URL      string         `json:"url"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s *Server) addImage(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	var in addImageRequest
	if err := decodeBody(w, r, &in); err != nil {
		return err
	}
	ref, err := models.ParseImageRef(in.URL)
	if err != nil {
		return badRequest("invalid image url: " + err.Error())
	}
	if sr, ok := ref.Stored(); ok && sr.EntityID != id {
		return badRequest("image url belongs to another shoot")
	}
	out, err := s.repo.AddImage(r.Context(), id, models.GeneratedImage{Ref: ref, Meta: in.Metadata})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, out)
	return nil
}

func (s *Server) removeImage(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	imageID := r.PathValue("imageID")
	found, err := s.repo.RemoveImage(r.Context(), id, imageID)
	if err != nil {
		return err
	}
	if !found {
		return notFound(fmt.Sprintf("image %q not found in shoot %q", imageID, id))
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type setLockRequest struct {
	ImageID string          `json:"imageId"`
	Mode    models.LockMode `json:"mode"`
}

func pathLockKind(r *http.Request) (models.LockKind, error) {
	kind := models.LockKind(r.PathValue("kind"))
	if !kind.Valid() {
		return "", badRequest(fmt.Sprintf("unknown lock kind %q", string(kind)))
	}
	return kind, nil
}

func (s *Server) setLock(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	kind, err := pathLockKind(r)
	if err != nil {
		return err
	}
	var in setLockRequest
	if err := decodeBody(w, r, &in); err != nil {
		return err
	}
	if in.ImageID == "" {
		return badRequest("imageId is required")
	}
	if !in.Mode.Valid() {
		return badRequest(fmt.Sprintf("invalid lock mode %q", string(in.Mode)))
	}
	out, err := s.repo.SetLock(r.Context(), id, kind, in.ImageID, in.Mode)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

func (s *Server) clearLock(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	kind, err := pathLockKind(r)
	if err != nil {
		return err
	}
	out, err := s.repo.ClearLock(r.Context(), id, kind)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return notFound(fmt.Sprintf("shoot %q not found", id))
		}
		return err
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}
