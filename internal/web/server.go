package web

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/astropicam/astropicam/internal/log"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr   string
	h      *Handlers
	logger zerolog.Logger
}

// NewServer creates a server for the given address and handler set.
func NewServer(addr string, h *Handlers) *Server {
	return &Server{
		addr:   addr,
		h:      h,
		logger: log.WithComponent("web"),
	}
}

// StaticSub narrows the embedded filesystem to the static/ subtree.
func StaticSub() (fs.FS, error) {
	return fs.Sub(staticFiles, "static")
}

// Router returns the full route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLog)

	r.Get("/", s.h.ServeIndex)
	r.Get("/api/status", s.h.HandleStatus)
	r.Get("/api/config", s.h.HandleConfig)
	r.Post("/api/capture", s.h.HandleCapture)
	r.Post("/api/abort", s.h.HandleAbort)
	r.Post("/api/focus", s.h.HandleFocus)
	r.Get("/status/stream", s.h.HandleStatusStream)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(s.h.staticFS))))

	return r
}

// requestLog logs completed API requests. The SSE stream and the
// metrics scrape are exempt, they would flood the log.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status/stream" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// Run starts the server and blocks until ctx is cancelled, then shuts
// down gracefully. No write timeout is set so SSE streams stay open.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("web server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
