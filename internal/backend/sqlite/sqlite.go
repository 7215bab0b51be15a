// Package sqlite implements a SQLite-backed library backend for shelfsync.
// Every book is one row of the books table, keyed by local ID, with a unique
// index on the remote ID when present.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banux/shelfsync/internal/catalog"
	_ "modernc.org/sqlite" // register "sqlite" driver
)

// Backend is a SQLite-backed library backend.
type Backend struct {
	db *sql.DB
}

// New opens (or creates) the SQLite index at dbPath, applies the schema, and
// returns the Backend.
func New(dbPath string) (*Backend, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create library dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", dbPath, err)
	}
	// Single connection: writers in this process queue instead of failing
	// with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	b := &Backend{db: db}
	if err := b.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return b, nil
}

// Close releases database resources.
func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) createSchema() error {
	_, err := b.db.Exec(`
CREATE TABLE IF NOT EXISTS books (
    id             TEXT PRIMARY KEY,
    remote_id      TEXT,
    title          TEXT NOT NULL DEFAULT '',
    author         TEXT NOT NULL DEFAULT '',
    file_name      TEXT NOT NULL DEFAULT '',
    local_file_uri TEXT NOT NULL DEFAULT '',
    format         TEXT NOT NULL DEFAULT '',
    total_pages    INTEGER NOT NULL DEFAULT 0,
    current_page   INTEGER NOT NULL DEFAULT 0,
    status         TEXT NOT NULL DEFAULT 'not_started',
    last_opened    INTEGER NOT NULL DEFAULT 0,
    last_synced_at INTEGER,
    sync_state     TEXT NOT NULL DEFAULT '',
    created_at     INTEGER NOT NULL DEFAULT 0,
    updated_at     INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_books_remote_id ON books(remote_id) WHERE remote_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_books_file_name ON books(file_name);
CREATE INDEX IF NOT EXISTS idx_books_created_at ON books(created_at);
`)
	return err
}

// AllBooks returns every book ordered by creation time.
func (b *Backend) AllBooks() ([]catalog.Book, error) {
	return b.queryBooks(`ORDER BY created_at, id`)
}

// BookByID returns a single book by its local ID.
func (b *Backend) BookByID(id string) (*catalog.Book, error) {
	return b.queryOne(`WHERE id = ? LIMIT 1`, id)
}

// BookByRemoteID returns the book carrying remoteID.
func (b *Backend) BookByRemoteID(remoteID string) (*catalog.Book, error) {
	if remoteID == "" {
		return nil, catalog.ErrNotFound
	}
	return b.queryOne(`WHERE remote_id = ? LIMIT 1`, remoteID)
}

// BookByFileName returns the oldest book stored under fileName.
func (b *Backend) BookByFileName(fileName string) (*catalog.Book, error) {
	return b.queryOne(`WHERE file_name = ? ORDER BY created_at, id LIMIT 1`, fileName)
}

// PutBook inserts or replaces bk, keyed by ID.
func (b *Backend) PutBook(bk catalog.Book) error {
	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if bk.RemoteID != "" {
		var other string
		err := tx.QueryRow(`SELECT id FROM books WHERE remote_id = ? AND id != ?`, bk.RemoteID, bk.ID).Scan(&other)
		switch {
		case err == nil:
			return fmt.Errorf("put book %q: %w (held by %q)", bk.ID, catalog.ErrDuplicateRemoteID, other)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check remote id: %w", err)
		}
	}

	_, err = tx.Exec(`
INSERT INTO books
    (id, remote_id, title, author, file_name, local_file_uri, format,
     total_pages, current_page, status, last_opened, last_synced_at,
     sync_state, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
    remote_id=excluded.remote_id, title=excluded.title, author=excluded.author,
    file_name=excluded.file_name, local_file_uri=excluded.local_file_uri,
    format=excluded.format, total_pages=excluded.total_pages,
    current_page=excluded.current_page, status=excluded.status,
    last_opened=excluded.last_opened, last_synced_at=excluded.last_synced_at,
    sync_state=excluded.sync_state, created_at=excluded.created_at,
    updated_at=excluded.updated_at`,
		bk.ID, nullString(bk.RemoteID), bk.Title, bk.Author, bk.FileName, bk.LocalFileURI,
		string(bk.Format), bk.TotalPages, bk.CurrentPage, string(bk.Status),
		toNanos(bk.LastOpened), nullTime(bk.LastSyncedAt),
		string(bk.SyncState), toNanos(bk.CreatedAt), toNanos(bk.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: books.remote_id") {
			return fmt.Errorf("put book %q: %w", bk.ID, catalog.ErrDuplicateRemoteID)
		}
		return fmt.Errorf("put book %q: %w", bk.ID, err)
	}
	return tx.Commit()
}

// DeleteBook removes the book with the given ID.
func (b *Backend) DeleteBook(id string) error {
	res, err := b.db.Exec(`DELETE FROM books WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete book %q: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

// --- query helpers ---

// bookRow is the raw data scanned from the books table.
type bookRow struct {
	ID           string
	RemoteID     sql.NullString
	Title        string
	Author       string
	FileName     string
	LocalFileURI string
	Format       string
	TotalPages   int
	CurrentPage  int
	Status       string
	LastOpened   int64
	LastSyncedAt sql.NullInt64
	SyncState    string
	CreatedAt    int64
	UpdatedAt    int64
}

func (r bookRow) toBook() catalog.Book {
	bk := catalog.Book{
		ID:           r.ID,
		RemoteID:     r.RemoteID.String,
		Title:        r.Title,
		Author:       r.Author,
		FileName:     r.FileName,
		LocalFileURI: r.LocalFileURI,
		Format:       catalog.Format(r.Format),
		TotalPages:   r.TotalPages,
		CurrentPage:  r.CurrentPage,
		Status:       catalog.Status(r.Status),
		LastOpened:   fromNanos(r.LastOpened),
		SyncState:    catalog.SyncState(r.SyncState),
		CreatedAt:    fromNanos(r.CreatedAt),
		UpdatedAt:    fromNanos(r.UpdatedAt),
	}
	if r.LastSyncedAt.Valid {
		t := fromNanos(r.LastSyncedAt.Int64)
		bk.LastSyncedAt = &t
	}
	bk.Normalize()
	return bk
}

const bookSelectColumns = `
    id, remote_id, title, author, file_name, local_file_uri, format,
    total_pages, current_page, status, last_opened, last_synced_at,
    sync_state, created_at, updated_at`

// queryBooks executes a SELECT with the given WHERE/ORDER/LIMIT clause
// appended after "FROM books". The clause may use positional ? args.
func (b *Backend) queryBooks(clause string, args ...any) ([]catalog.Book, error) {
	rows, err := b.db.Query(`SELECT`+bookSelectColumns+` FROM books `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query books: %w", err)
	}
	defer rows.Close()

	var books []catalog.Book
	for rows.Next() {
		var r bookRow
		if err := rows.Scan(
			&r.ID, &r.RemoteID, &r.Title, &r.Author, &r.FileName, &r.LocalFileURI, &r.Format,
			&r.TotalPages, &r.CurrentPage, &r.Status, &r.LastOpened, &r.LastSyncedAt,
			&r.SyncState, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		books = append(books, r.toBook())
	}
	return books, rows.Err()
}

func (b *Backend) queryOne(clause string, args ...any) (*catalog.Book, error) {
	books, err := b.queryBooks(clause, args...)
	if err != nil {
		return nil, err
	}
	if len(books) == 0 {
		return nil, catalog.ErrNotFound
	}
	return &books[0], nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}

// toNanos stores the zero time as 0 so it survives the round trip.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
