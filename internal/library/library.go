// Package library is the book entity store. It enforces the page, status,
// and remote-ID invariants on every mutation and serializes writers per book
// over a catalog.Backend.
package library

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/banux/shelfsync/internal/catalog"
	"github.com/banux/shelfsync/internal/logging"
)

// Store wraps a Backend with invariant enforcement and per-book locking.
type Store struct {
	backend catalog.Backend
	locks   *keyedMutex
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New returns a Store over backend.
func New(backend catalog.Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		locks:   newKeyedMutex(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger)
	return s
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// NewBook describes a book to create.
type NewBook struct {
	Title        string
	Author       string
	FileName     string
	LocalFileURI string
	TotalPages   int
	CurrentPage  int
	RemoteID     string

	// Synced stamps LastSyncedAt at creation. Used for books discovered on
	// the remote catalog, whose state already matches the server.
	Synced bool
}

// Create assigns a fresh ID, derives the format from the file name, and
// stores the book.
func (s *Store) Create(in NewBook) (*catalog.Book, error) {
	now := s.now()
	title := in.Title
	if title == "" {
		title = stem(in.FileName)
	}
	bk := catalog.Book{
		ID:           uuid.NewString(),
		RemoteID:     in.RemoteID,
		Title:        title,
		Author:       in.Author,
		FileName:     in.FileName,
		LocalFileURI: in.LocalFileURI,
		Format:       catalog.FormatFromFileName(in.FileName),
		TotalPages:   in.TotalPages,
		CurrentPage:  in.CurrentPage,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.Synced {
		bk.MarkSynced(now)
	}
	bk.Normalize()

	if err := s.backend.PutBook(bk); err != nil {
		return nil, fmt.Errorf("create book %q: %w", in.FileName, err)
	}
	s.logger.Debug("book created",
		slog.String("id", bk.ID),
		slog.String("file", bk.FileName),
		slog.String("format", string(bk.Format)),
	)
	return &bk, nil
}

// Get returns the book with the given ID.
func (s *Store) Get(id string) (*catalog.Book, error) {
	return s.backend.BookByID(id)
}

// All returns every book ordered by creation time.
func (s *Store) All() ([]catalog.Book, error) {
	return s.backend.AllBooks()
}

// ByRemoteID returns the book carrying remoteID.
func (s *Store) ByRemoteID(remoteID string) (*catalog.Book, error) {
	return s.backend.BookByRemoteID(remoteID)
}

// ByFileName returns the book stored under fileName.
func (s *Store) ByFileName(fileName string) (*catalog.Book, error) {
	return s.backend.BookByFileName(fileName)
}

// NeedsSync returns every book that was never synced or whose last sync is
// older than catalog.SyncInterval at now.
func (s *Store) NeedsSync(now time.Time) ([]catalog.Book, error) {
	books, err := s.backend.AllBooks()
	if err != nil {
		return nil, err
	}
	var out []catalog.Book
	for _, bk := range books {
		if bk.NeedsSync(now) {
			out = append(out, bk)
		}
	}
	return out, nil
}

// Update loads the book, applies fn under the book's lock, re-applies the
// invariants, and stores the result. fn may not replace a set remote ID.
func (s *Store) Update(id string, fn func(b *catalog.Book) error) (*catalog.Book, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	bk, err := s.backend.BookByID(id)
	if err != nil {
		return nil, err
	}
	prevRemote := bk.RemoteID
	if err := fn(bk); err != nil {
		return nil, err
	}
	if prevRemote != "" && bk.RemoteID != prevRemote {
		return nil, catalog.ErrRemoteIDImmutable
	}
	bk.ID = id
	bk.Normalize()
	bk.UpdatedAt = s.now()

	if err := s.backend.PutBook(*bk); err != nil {
		return nil, fmt.Errorf("update book %q: %w", id, err)
	}
	return bk, nil
}

// UpdateProgress moves the book to page, clamped into [0, TotalPages].
func (s *Store) UpdateProgress(id string, page int) (*catalog.Book, error) {
	now := s.now()
	return s.Update(id, func(b *catalog.Book) error {
		b.SetPage(page, now)
		return nil
	})
}

// SetTotalPages replaces the page count and re-clamps the current page.
func (s *Store) SetTotalPages(id string, total int) (*catalog.Book, error) {
	now := s.now()
	return s.Update(id, func(b *catalog.Book) error {
		b.SetTotalPages(total, now)
		return nil
	})
}

// MetadataUpdate holds user edits. Nil fields are left unchanged.
type MetadataUpdate struct {
	Title  *string `json:"title,omitempty"`
	Author *string `json:"author,omitempty"`
}

// UpdateMetadata applies user edits; the last write wins.
func (s *Store) UpdateMetadata(id string, u MetadataUpdate) (*catalog.Book, error) {
	return s.Update(id, func(b *catalog.Book) error {
		if u.Title != nil && *u.Title != "" {
			b.Title = *u.Title
		}
		if u.Author != nil {
			b.Author = *u.Author
		}
		return nil
	})
}

// AssignRemoteID records the remote identifier. Replacing a different value
// fails with catalog.ErrRemoteIDImmutable.
func (s *Store) AssignRemoteID(id, remoteID string) (*catalog.Book, error) {
	return s.Update(id, func(b *catalog.Book) error {
		return b.AssignRemoteID(remoteID)
	})
}

// MarkSynced stamps a successful sync.
func (s *Store) MarkSynced(id string) (*catalog.Book, error) {
	now := s.now()
	return s.Update(id, func(b *catalog.Book) error {
		b.MarkSynced(now)
		return nil
	})
}

// ClearSynced returns the book to the needs-sync set with the given state.
func (s *Store) ClearSynced(id string, state catalog.SyncState) (*catalog.Book, error) {
	return s.Update(id, func(b *catalog.Book) error {
		b.ClearSynced(state)
		return nil
	})
}

// SetSyncState records the sync state without touching LastSyncedAt.
func (s *Store) SetSyncState(id string, state catalog.SyncState) (*catalog.Book, error) {
	return s.Update(id, func(b *catalog.Book) error {
		b.SyncState = state
		return nil
	})
}

// SetLocalFile records where the book's file lives on disk.
func (s *Store) SetLocalFile(id, uri string) (*catalog.Book, error) {
	return s.Update(id, func(b *catalog.Book) error {
		b.LocalFileURI = uri
		return nil
	})
}

// Delete removes the book. Deleting a missing book is not an error.
func (s *Store) Delete(id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	err := s.backend.DeleteBook(id)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil
	}
	return err
}

// Close closes the backend when it holds resources.
func (s *Store) Close() error {
	if c, ok := s.backend.(catalog.Closer); ok {
		return c.Close()
	}
	return nil
}

func stem(fileName string) string {
	base := filepath.Base(fileName)
	return base[:len(base)-len(filepath.Ext(base))]
}
