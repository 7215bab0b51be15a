package server

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gorilla/mux"
	"github.com/segmentio/encoding/json"

	"github.com/banux/shelfsync/internal/apiclient"
	"github.com/banux/shelfsync/internal/catalog"
	"github.com/banux/shelfsync/internal/controller"
	"github.com/banux/shelfsync/internal/epub"
	"github.com/banux/shelfsync/internal/library"
	"github.com/banux/shelfsync/internal/syncengine"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200

	// maxImportSize leaves room for multipart framing around the largest
	// uploadable file.
	maxImportSize = syncengine.MaxUploadSize + 1<<20
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var epubErr *epub.Error
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, controller.ErrExists),
		errors.Is(err, syncengine.ErrNoLocalFile),
		errors.Is(err, syncengine.ErrNotRemote):
		status = http.StatusConflict
	case errors.Is(err, syncengine.ErrUnsupportedFormat), errors.Is(err, controller.ErrNotEPUB):
		status = http.StatusUnsupportedMediaType
	case errors.Is(err, syncengine.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, controller.ErrUnreadable), errors.As(err, &epubErr):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, syncengine.ErrPaused), apiclient.IsUnauthorized(err):
		// The local caller is fine; the remote session needs a new token.
		status = http.StatusConflict
	case apiclient.IsTransient(err):
		status = http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// parsePagination extracts offset and limit from query parameters.
func parsePagination(r *http.Request) (offset, limit int) {
	q := r.URL.Query()
	offset, _ = strconv.Atoi(q.Get("offset"))
	limit, _ = strconv.Atoi(q.Get("limit"))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	return
}

// handleHealth serves a simple health-check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"paused": s.lib.Status().Paused,
	})
}

// matches reports whether bk passes the ?q= and ?status= filters.
func matches(bk catalog.Book, q, status string) bool {
	if status != "" && string(bk.Status) != status {
		return false
	}
	if q == "" {
		return true
	}
	q = strings.ToLower(q)
	return strings.Contains(strings.ToLower(bk.Title), q) ||
		strings.Contains(strings.ToLower(bk.Author), q) ||
		strings.Contains(strings.ToLower(bk.FileName), q)
}

// handleListBooks serves the library as JSON. Supports ?q= search over
// title, author, and file name, ?status= filtering, and ?offset=&limit=.
func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.lib.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	status := r.URL.Query().Get("status")
	offset, limit := parsePagination(r)

	filtered := make([]catalog.Book, 0, len(books))
	for _, bk := range books {
		if matches(bk, q, status) {
			filtered = append(filtered, bk)
		}
	}
	total := len(filtered)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"books": filtered[offset:end],
		"total": total,
	})
}

// handleAddBook accepts a multipart/form-data POST with a "file" field and
// optional "title", "author", and "total_pages" fields.
func (s *Server) handleAddBook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImportSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "request too large or malformed: " + err.Error()})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing 'file' field in form"})
		return
	}
	defer file.Close()

	in := controller.Import{
		FileName: header.Filename,
		Title:    strings.TrimSpace(r.FormValue("title")),
		Author:   strings.TrimSpace(r.FormValue("author")),
		Content:  file,
	}
	if v := r.FormValue("total_pages"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "total_pages must be a non-negative integer"})
			return
		}
		in.TotalPages = n
	}

	bk, err := s.lib.AddFile(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bk)
}

// handleGetBook serves a single book.
func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	bk, err := s.lib.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bk)
}

// handleUpdateBook applies a JSON metadata patch; absent fields are kept.
func (s *Server) handleUpdateBook(w http.ResponseWriter, r *http.Request) {
	var req library.MetadataUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON: " + err.Error()})
		return
	}
	bk, err := s.lib.UpdateMetadata(mux.Vars(r)["id"], req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bk)
}

// handleDeleteBook removes a book locally and remotely.
func (s *Server) handleDeleteBook(w http.ResponseWriter, r *http.Request) {
	if err := s.lib.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleBookFile serves the book's local file.
func (s *Server) handleBookFile(w http.ResponseWriter, r *http.Request) {
	bk, err := s.lib.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if bk.LocalFileURI == "" {
		s.writeError(w, syncengine.ErrNoLocalFile)
		return
	}
	f, err := os.Open(bk.LocalFileURI)
	if err != nil {
		s.writeError(w, syncengine.ErrNoLocalFile)
		return
	}
	defer f.Close()

	contentType := mime.TypeByExtension(filepath.Ext(bk.FileName))
	if contentType == "" {
		if mt, err := mimetype.DetectReader(f); err == nil {
			contentType = mt.String()
		}
		if _, err := f.Seek(0, 0); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+bk.FileName+`"`)
	http.ServeContent(w, r, bk.FileName, time.Time{}, f)
}

type chapterJSON struct {
	Index int    `json:"index"`
	Title string `json:"title"`
	Path  string `json:"path"`
}

// handleChapters extracts an EPUB and returns its reading order.
func (s *Server) handleChapters(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, err := s.lib.OpenBook(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	chapters := make([]chapterJSON, 0, m.Len())
	for i := range m.Paths {
		chapters = append(chapters, chapterJSON{Index: i + 1, Title: m.Titles[i], Path: m.Paths[i]})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bookId":   id,
		"dir":      m.Dir,
		"chapters": chapters,
	})
}

// handleReleaseChapters removes the extraction directory of an open book.
func (s *Server) handleReleaseChapters(w http.ResponseWriter, r *http.Request) {
	if err := s.lib.ReleaseChapters(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type progressRequest struct {
	Page *int `json:"page"`
}

// handleProgress records the current page.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Page == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: `body must be {"page": <int>}`})
		return
	}
	bk, err := s.lib.UpdateProgress(mux.Vars(r)["id"], *req.Page)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bk)
}

// handleSync reconciles with the remote catalog and flushes local changes.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.lib.SyncNow(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleStatus reports whether sync is paused and what is in flight.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.lib.Status())
}

type sessionRequest struct {
	Token string `json:"token"`
}

// handleSession installs a new bearer token for the remote catalog.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: `body must be {"token": "<bearer token>"}`})
		return
	}
	if err := s.lib.SetToken(req.Token); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
