// Package fs implements a file-based library backend for shelfsync.
// The whole index lives in memory and is rewritten to {dir}/.library.json
// after every mutation.
package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/segmentio/encoding/json"

	"github.com/banux/shelfsync/internal/catalog"
)

const indexFilename = ".library.json"

// Backend is a JSON-file library backend.
type Backend struct {
	indexPath string

	mu   sync.RWMutex
	byID map[string]catalog.Book
}

// New loads (or creates) the index in dir.
func New(dir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create library dir: %w", err)
	}
	b := &Backend{
		indexPath: filepath.Join(dir, indexFilename),
		byID:      make(map[string]catalog.Book),
	}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

// load reads the index file into b.byID. A missing file is an empty library.
func (b *Backend) load() error {
	data, err := os.ReadFile(b.indexPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read index: %w", err)
	}
	var books []catalog.Book
	if err := json.Unmarshal(data, &books); err != nil {
		return fmt.Errorf("parse index %q: %w", b.indexPath, err)
	}
	for _, bk := range books {
		bk.Normalize()
		b.byID[bk.ID] = bk
	}
	return nil
}

// save persists the index. Must be called with b.mu held for writing.
func (b *Backend) save() error {
	data, err := json.MarshalIndent(b.sortedLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(b.indexPath), ".library-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp index: %w", err)
	}
	if err := os.Rename(tmpPath, b.indexPath); err != nil {
		return fmt.Errorf("replace index: %w", err)
	}
	return nil
}

func (b *Backend) sortedLocked() []catalog.Book {
	books := make([]catalog.Book, 0, len(b.byID))
	for _, bk := range b.byID {
		books = append(books, bk)
	}
	sort.Slice(books, func(i, j int) bool {
		if !books[i].CreatedAt.Equal(books[j].CreatedAt) {
			return books[i].CreatedAt.Before(books[j].CreatedAt)
		}
		return books[i].ID < books[j].ID
	})
	return books
}

// AllBooks returns every book ordered by creation time.
func (b *Backend) AllBooks() ([]catalog.Book, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sortedLocked(), nil
}

// BookByID returns a single book by its local ID.
func (b *Backend) BookByID(id string) (*catalog.Book, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bk, ok := b.byID[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &bk, nil
}

// BookByRemoteID returns the book carrying remoteID.
func (b *Backend) BookByRemoteID(remoteID string) (*catalog.Book, error) {
	if remoteID == "" {
		return nil, catalog.ErrNotFound
	}
	return b.find(func(bk catalog.Book) bool { return bk.RemoteID == remoteID })
}

// BookByFileName returns the oldest book stored under fileName.
func (b *Backend) BookByFileName(fileName string) (*catalog.Book, error) {
	return b.find(func(bk catalog.Book) bool { return bk.FileName == fileName })
}

func (b *Backend) find(match func(catalog.Book) bool) (*catalog.Book, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, bk := range b.sortedLocked() {
		if match(bk) {
			return &bk, nil
		}
	}
	return nil, catalog.ErrNotFound
}

// PutBook inserts or replaces bk, keyed by ID.
func (b *Backend) PutBook(bk catalog.Book) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bk.RemoteID != "" {
		for id, other := range b.byID {
			if id != bk.ID && other.RemoteID == bk.RemoteID {
				return fmt.Errorf("put book %q: %w (held by %q)", bk.ID, catalog.ErrDuplicateRemoteID, id)
			}
		}
	}

	prev, existed := b.byID[bk.ID]
	b.byID[bk.ID] = bk
	if err := b.save(); err != nil {
		if existed {
			b.byID[bk.ID] = prev
		} else {
			delete(b.byID, bk.ID)
		}
		return err
	}
	return nil
}

// DeleteBook removes the book with the given ID.
func (b *Backend) DeleteBook(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, ok := b.byID[id]
	if !ok {
		return catalog.ErrNotFound
	}
	delete(b.byID, id)
	if err := b.save(); err != nil {
		b.byID[id] = prev
		return err
	}
	return nil
}
