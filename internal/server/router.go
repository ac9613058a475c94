package server

import (
	"log/slog"
	"net/http"
	"time"
)

// NewRouter wires the API routes. Method and path matching uses the
// standard mux patterns.
func (s *Server) NewRouter() http.Handler {
	mux := &http.ServeMux{}

	mux.Handle("GET /api/health", s.handle(s.health))
	mux.Handle("GET /api/schema", s.handle(s.getSchema))

	mux.Handle("GET /api/shoots", s.handle(s.listShoots))
	mux.Handle("POST /api/shoots", s.handle(s.createShoot))
	mux.Handle("GET /api/shoots/{id}", s.handle(s.getShoot))
	mux.Handle("PATCH /api/shoots/{id}", s.handle(s.patchShoot))
	mux.Handle("DELETE /api/shoots/{id}", s.handle(s.deleteShoot))

	mux.Handle("POST /api/shoots/{id}/images", s.handle(s.addImage))
	mux.Handle("DELETE /api/shoots/{id}/images/{imageID}", s.handle(s.removeImage))

	mux.Handle("PUT /api/shoots/{id}/locks/{kind}", s.handle(s.setLock))
	mux.Handle("DELETE /api/shoots/{id}/locks/{kind}", s.handle(s.clearLock))

	return s.logRequests(mux)
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.LogAttrs(r.Context(), slog.LevelInfo, "http",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("dur", time.Since(start)),
			slog.String("ip", clientIP(r)))
	})
}
