// Package catalogtest provides an in-memory stand-in for the remote book
// catalog, served over httptest. It is used by tests only.
package catalogtest

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/segmentio/encoding/json"
)

// MaxUploadSize mirrors the catalog's upload limit.
const MaxUploadSize = 20 << 20

// Record is a stored book.
type Record struct {
	ID           int            `json:"id"`
	Title        string         `json:"title"`
	Author       *string        `json:"author"`
	FileKey      string         `json:"file_key"`
	TotalPages   *int           `json:"total_pages"`
	CurrentPage  int            `json:"current_page"`
	Status       string         `json:"status"`
	BookMetadata map[string]any `json:"book_metadata"`
}

// Server is a fake catalog. Routes follow the real service: /books,
// /books/{id}, /books/upload, /books/download/{id}. File bytes are served
// from /files/{key} without authentication.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	token    string
	nextID   int
	records  map[int]*Record
	files    map[string][]byte
	failures map[string][]int
	delays   map[string]time.Duration
	calls    map[string]int
	version  string
	rewrite  func(route string, body []byte) []byte
}

// New starts a fake catalog. When token is non-empty every /books route
// requires "Authorization: Bearer <token>".
func New(token string) *Server {
	s := &Server{
		token:    token,
		nextID:   1,
		records:  make(map[int]*Record),
		files:    make(map[string][]byte),
		failures: make(map[string][]int),
		delays:   make(map[string]time.Duration),
		calls:    make(map[string]int),
	}

	r := mux.NewRouter()
	r.HandleFunc("/books", s.wrap("list", s.handleList)).Methods(http.MethodGet)
	r.HandleFunc("/books/upload", s.wrap("upload", s.handleUpload)).Methods(http.MethodPost)
	r.HandleFunc("/books/download/{id}", s.wrap("download", s.handleDownload)).Methods(http.MethodGet)
	r.HandleFunc("/books/{id}", s.wrap("get", s.handleGet)).Methods(http.MethodGet)
	r.HandleFunc("/books/{id}", s.wrap("update", s.handleUpdate)).Methods(http.MethodPut)
	r.HandleFunc("/books/{id}", s.wrap("delete", s.handleDelete)).Methods(http.MethodDelete)
	r.HandleFunc("/files/{key:.+}", s.handleFile).Methods(http.MethodGet)

	s.Server = httptest.NewServer(r)
	return s
}

// SetToken changes the accepted bearer token.
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// SetVersion makes every response carry X-API-Version.
func (s *Server) SetVersion(v string) {
	s.mu.Lock()
	s.version = v
	s.mu.Unlock()
}

// FailNext makes the next calls to route answer with the given statuses, in
// order. Routes: list, get, upload, update, download, delete.
func (s *Server) FailNext(route string, statuses ...int) {
	s.mu.Lock()
	s.failures[route] = append(s.failures[route], statuses...)
	s.mu.Unlock()
}

// Delay makes every call to route sleep for d before answering.
func (s *Server) Delay(route string, d time.Duration) {
	s.mu.Lock()
	s.delays[route] = d
	s.mu.Unlock()
}

// Rewrite lets a test alter successful response bodies.
func (s *Server) Rewrite(fn func(route string, body []byte) []byte) {
	s.mu.Lock()
	s.rewrite = fn
	s.mu.Unlock()
}

// Calls returns how many requests reached route, failed ones included.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// Seed stores a record with content and returns its id.
func (s *Server) Seed(title, fileName string, totalPages int, content []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	key := s.uniqueKeyLocked(fileName)
	tp := totalPages
	s.records[id] = &Record{
		ID:           id,
		Title:        title,
		FileKey:      key,
		TotalPages:   &tp,
		Status:       "unread",
		BookMetadata: map[string]any{"extracted": true},
	}
	s.files[key] = append([]byte(nil), content...)
	return id
}

// Records returns a snapshot of every stored record ordered by id.
func (s *Server) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Record returns a copy of the record with id.
func (s *Server) Record(id int) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// File returns the stored bytes for the record with id.
func (s *Server) File(id int) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false
	}
	data, ok := s.files[r.FileKey]
	return data, ok
}

// uniqueKeyLocked stores files the way the catalog does: users/{user}/{name},
// with a numeric suffix on collisions.
func (s *Server) uniqueKeyLocked(name string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	key := "users/1/" + name
	for n := 1; ; n++ {
		if _, taken := s.files[key]; !taken {
			return key
		}
		key = fmt.Sprintf("users/1/%s%d%s", base, n, ext)
	}
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) (any, int)

func (s *Server) wrap(route string, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[route]++
		delay := s.delays[route]
		var fail int
		if q := s.failures[route]; len(q) > 0 {
			fail, s.failures[route] = q[0], q[1:]
		}
		token, version := s.token, s.version
		s.mu.Unlock()

		if version != "" {
			w.Header().Set("X-API-Version", version)
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if fail != 0 {
			writeJSON(w, fail, map[string]string{"detail": http.StatusText(fail)})
			return
		}
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Could not validate credentials"})
			return
		}

		payload, status := h(w, r)
		body, err := json.Marshal(payload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if status < 300 {
			s.mu.Lock()
			rw := s.rewrite
			s.mu.Unlock()
			if rw != nil {
				body = rw(route, body)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) lookup(r *http.Request) (*Record, bool) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		return nil, false
	}
	rec, ok := s.records[id]
	return rec, ok
}

func (s *Server) handleList(_ http.ResponseWriter, r *http.Request) (any, int) {
	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		limit = 10
	}
	all := s.Records()
	if skip > len(all) {
		skip = len(all)
	}
	end := skip + limit
	if end > len(all) {
		end = len(all)
	}
	return all[skip:end], http.StatusOK
}

func (s *Server) handleGet(_ http.ResponseWriter, r *http.Request) (any, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lookup(r)
	if !ok {
		return map[string]string{"detail": "Book not found"}, http.StatusNotFound
	}
	return *rec, http.StatusOK
}

func (s *Server) handleUpload(_ http.ResponseWriter, r *http.Request) (any, int) {
	if err := r.ParseMultipartForm(MaxUploadSize + (1 << 20)); err != nil {
		return map[string]string{"detail": err.Error()}, http.StatusBadRequest
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		return map[string]string{"detail": "file is required"}, http.StatusUnprocessableEntity
	}
	defer f.Close()

	ext := strings.ToLower(filepath.Ext(hdr.Filename))
	if ext != ".pdf" && ext != ".epub" {
		return map[string]string{"detail": "Only PDF or EPUB files allowed"}, http.StatusBadRequest
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return map[string]string{"detail": err.Error()}, http.StatusBadRequest
	}
	if len(data) > MaxUploadSize {
		return map[string]string{"detail": "File size exceeds 20MB limit"}, http.StatusBadRequest
	}

	var totalPages *int
	if v := r.FormValue("total_pages"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return map[string]string{"detail": "total_pages must be a valid integer"}, http.StatusBadRequest
		}
		totalPages = &n
	}
	var author *string
	if v := r.FormValue("author"); v != "" {
		author = &v
	}
	title := r.FormValue("title")
	if title == "" {
		title = strings.TrimSuffix(hdr.Filename, filepath.Ext(hdr.Filename))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	key := s.uniqueKeyLocked(filepath.Base(hdr.Filename))
	rec := &Record{
		ID:           id,
		Title:        title,
		Author:       author,
		FileKey:      key,
		TotalPages:   totalPages,
		Status:       "processing",
		BookMetadata: map[string]any{"extracted": false, "content_type": hdr.Header.Get("Content-Type")},
	}
	s.records[id] = rec
	s.files[key] = data
	return *rec, http.StatusOK
}

func (s *Server) handleUpdate(_ http.ResponseWriter, r *http.Request) (any, int) {
	if err := r.ParseForm(); err != nil {
		return map[string]string{"detail": err.Error()}, http.StatusBadRequest
	}
	status := r.PostFormValue("status")
	switch status {
	case "unread", "reading", "finished", "processing":
	default:
		return map[string]string{"detail": "invalid status"}, http.StatusUnprocessableEntity
	}
	page, _ := strconv.Atoi(r.PostFormValue("current_page"))

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lookup(r)
	if !ok {
		return map[string]string{"detail": "Book not found"}, http.StatusNotFound
	}
	rec.CurrentPage = page
	rec.Status = status
	return *rec, http.StatusOK
}

func (s *Server) handleDownload(_ http.ResponseWriter, r *http.Request) (any, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lookup(r)
	if !ok {
		return map[string]string{"detail": "Book not found"}, http.StatusNotFound
	}
	return map[string]string{"download_url": s.URL + "/files/" + (&url.URL{Path: rec.FileKey}).EscapedPath()}, http.StatusOK
}

func (s *Server) handleDelete(_ http.ResponseWriter, r *http.Request) (any, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lookup(r)
	if !ok {
		return map[string]string{"detail": "Book not found"}, http.StatusNotFound
	}
	delete(s.records, rec.ID)
	delete(s.files, rec.FileKey)
	return *rec, http.StatusOK
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	data, ok := s.files[mux.Vars(r)["key"]]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}
