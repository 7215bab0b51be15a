// Package server implements the local control API over a library controller.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/banux/shelfsync/internal/catalog"
	"github.com/banux/shelfsync/internal/controller"
	"github.com/banux/shelfsync/internal/library"
	"github.com/banux/shelfsync/internal/logging"
	"github.com/banux/shelfsync/internal/syncengine"
)

// Library is the set of user actions the API exposes.
// *controller.Controller implements it.
type Library interface {
	List() ([]catalog.Book, error)
	Get(id string) (*catalog.Book, error)
	AddFile(ctx context.Context, in controller.Import) (*catalog.Book, error)
	OpenBook(ctx context.Context, id string) (*catalog.ChapterManifest, error)
	ReleaseChapters(id string) error
	UpdateProgress(id string, page int) (*catalog.Book, error)
	UpdateMetadata(id string, u library.MetadataUpdate) (*catalog.Book, error)
	Delete(ctx context.Context, id string) error
	SyncNow(ctx context.Context) (syncengine.ReconcileResult, error)
	SetToken(token string) error
	Status() controller.Status
}

// Options holds optional configuration for the Server.
type Options struct {
	// Password protects every route except /health with HTTP Basic auth.
	// If empty, authentication is disabled.
	Password string

	// Logger receives one line per request. Nil means slog.Default().
	Logger *slog.Logger
}

// Server is the HTTP server for the local control API.
type Server struct {
	router *mux.Router
	lib    Library
	logger *slog.Logger
	opts   Options
}

// New creates and configures a new Server over lib.
func New(lib Library, opts Options) *Server {
	s := &Server{
		router: mux.NewRouter(),
		lib:    lib,
		logger: logging.OrDefault(opts.Logger),
		opts:   opts,
	}
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler, delegating to the mux router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// registerRoutes sets up all endpoint routes.
func (s *Server) registerRoutes() {
	r := s.router
	r.Use(s.logRequests)

	// Always public.
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(authMiddleware(s.opts.Password))

	api.HandleFunc("/books", s.handleListBooks).Methods(http.MethodGet)
	api.HandleFunc("/books", s.handleAddBook).Methods(http.MethodPost)
	api.HandleFunc("/books/{id}", s.handleGetBook).Methods(http.MethodGet)
	api.HandleFunc("/books/{id}", s.handleUpdateBook).Methods(http.MethodPatch)
	api.HandleFunc("/books/{id}", s.handleDeleteBook).Methods(http.MethodDelete)
	api.HandleFunc("/books/{id}/file", s.handleBookFile).Methods(http.MethodGet)
	api.HandleFunc("/books/{id}/chapters", s.handleChapters).Methods(http.MethodGet)
	api.HandleFunc("/books/{id}/chapters", s.handleReleaseChapters).Methods(http.MethodDelete)
	api.HandleFunc("/books/{id}/progress", s.handleProgress).Methods(http.MethodPut)
	api.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/session", s.handleSession).Methods(http.MethodPost)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}
