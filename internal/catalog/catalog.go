// Package catalog provides the local library abstraction for shelfsync.
// It defines the book entity, its sync bookkeeping, and the Backend interface
// that persistence implementations satisfy.
package catalog

import (
	"errors"
	"path/filepath"
	"strings"
	"time"
)

// SyncInterval is how long a successful sync stays fresh before the book
// re-enters the needs-sync set.
const SyncInterval = time.Hour

var (
	// ErrNotFound is returned when no book matches the requested key.
	ErrNotFound = errors.New("book not found")

	// ErrRemoteIDImmutable is returned when a caller tries to replace a
	// remote ID that is already set.
	ErrRemoteIDImmutable = errors.New("remote id already set")

	// ErrDuplicateRemoteID is returned when another book already carries the
	// remote ID being stored.
	ErrDuplicateRemoteID = errors.New("remote id belongs to another book")
)

// Format is the file format of a book, derived from the file extension.
type Format string

const (
	FormatPDF   Format = "pdf"
	FormatEPUB  Format = "epub"
	FormatOther Format = "other"
)

// FormatFromFileName derives the format from the extension of name.
// The result is never recomputed from file content.
func FormatFromFileName(name string) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return FormatPDF
	case ".epub":
		return FormatEPUB
	default:
		return FormatOther
	}
}

// Status is the reading status of a book. It is always derived from the
// current and total page counts.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusReading    Status = "reading"
	StatusCompleted  Status = "completed"
)

// DeriveStatus computes the reading status for the given page position.
// Single-page documents have no partial state: any progress completes them.
func DeriveStatus(currentPage, totalPages int) Status {
	switch {
	case currentPage <= 0:
		return StatusNotStarted
	case totalPages <= 1:
		return StatusCompleted
	case currentPage >= totalPages:
		return StatusCompleted
	default:
		return StatusReading
	}
}

// RemoteStatus maps a local status onto the server's vocabulary.
func (s Status) RemoteStatus() string {
	switch s {
	case StatusReading:
		return "reading"
	case StatusCompleted:
		return "finished"
	default:
		return "unread"
	}
}

// StatusFromRemote maps the server's status vocabulary onto a local status.
// Unknown values (including "processing") map to not started.
func StatusFromRemote(s string) Status {
	switch strings.ToLower(s) {
	case "reading":
		return StatusReading
	case "finished", "completed":
		return StatusCompleted
	default:
		return StatusNotStarted
	}
}

// SyncState is the explicit sync position of a book.
type SyncState string

const (
	SyncNotSynced       SyncState = "not_synced"
	SyncPendingUpload   SyncState = "pending_upload"
	SyncSynced          SyncState = "synced"
	SyncPendingProgress SyncState = "pending_progress"
	SyncPendingDelete   SyncState = "pending_delete"
)

// Book is a single entry of the local library.
type Book struct {
	// ID is the local identifier, assigned at creation.
	ID string `json:"id"`

	// RemoteID is the identifier on the remote catalog. Empty until the book
	// has been uploaded or discovered remotely; immutable once set.
	RemoteID string `json:"remoteId,omitempty"`

	Title  string `json:"title"`
	Author string `json:"author,omitempty"`

	// FileName is the base name of the book file inside the library directory.
	FileName string `json:"fileName"`

	// LocalFileURI is the path of the local artifact. Empty until the file
	// has been imported or downloaded.
	LocalFileURI string `json:"localFileUri,omitempty"`

	Format Format `json:"format"`

	TotalPages  int    `json:"totalPages"`
	CurrentPage int    `json:"currentPage"`
	Status      Status `json:"status"`

	LastOpened   time.Time  `json:"lastOpened"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
	SyncState    SyncState  `json:"syncState"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NeedsSync reports whether the book has never been synced or its last sync
// is older than SyncInterval.
func (b *Book) NeedsSync(now time.Time) bool {
	if b.LastSyncedAt == nil {
		return true
	}
	return now.Sub(*b.LastSyncedAt) > SyncInterval
}

// SetPage clamps page into [0, TotalPages], stores it, and recomputes the
// status. LastOpened is updated whenever the page actually changes.
func (b *Book) SetPage(page int, now time.Time) {
	page = clamp(page, 0, b.TotalPages)
	if page != b.CurrentPage {
		b.LastOpened = now
	}
	b.CurrentPage = page
	b.Status = DeriveStatus(b.CurrentPage, b.TotalPages)
}

// SetTotalPages replaces the page count and re-applies the page invariant.
func (b *Book) SetTotalPages(total int, now time.Time) {
	if total < 0 {
		total = 0
	}
	b.TotalPages = total
	b.SetPage(b.CurrentPage, now)
}

// AssignRemoteID sets the remote ID. Re-assigning the same value is a no-op;
// replacing a different value fails with ErrRemoteIDImmutable.
func (b *Book) AssignRemoteID(id string) error {
	if b.RemoteID != "" && b.RemoteID != id {
		return ErrRemoteIDImmutable
	}
	b.RemoteID = id
	return nil
}

// MarkSynced records a successful sync at now.
func (b *Book) MarkSynced(now time.Time) {
	t := now
	b.LastSyncedAt = &t
	b.SyncState = SyncSynced
}

// ClearSynced drops the last sync timestamp so the book re-enters the
// needs-sync set, and records why.
func (b *Book) ClearSynced(state SyncState) {
	b.LastSyncedAt = nil
	b.SyncState = state
}

// Normalize re-applies every derived field and invariant. Backends call it on
// values read from disk so hand-edited data cannot violate the invariants.
func (b *Book) Normalize() {
	if b.TotalPages < 0 {
		b.TotalPages = 0
	}
	b.CurrentPage = clamp(b.CurrentPage, 0, b.TotalPages)
	b.Status = DeriveStatus(b.CurrentPage, b.TotalPages)
	if b.Format == "" {
		b.Format = FormatFromFileName(b.FileName)
	}
	if b.SyncState == "" {
		switch {
		case b.RemoteID == "":
			b.SyncState = SyncNotSynced
		case b.LastSyncedAt != nil:
			b.SyncState = SyncSynced
		default:
			b.SyncState = SyncPendingProgress
		}
	}
}

// IsLocalOnly reports whether the book has never reached the remote catalog.
func (b *Book) IsLocalOnly() bool {
	return b.RemoteID == ""
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// TaskKind identifies the kind of a sync task.
type TaskKind string

const (
	TaskUpload         TaskKind = "upload"
	TaskDownload       TaskKind = "download"
	TaskProgressUpdate TaskKind = "progress_update"
	TaskDelete         TaskKind = "delete"
)

// SyncTask is a transient unit of sync work. It is not persisted.
type SyncTask struct {
	BookID      string    `json:"bookId"`
	Kind        TaskKind  `json:"kind"`
	Attempt     int       `json:"attempt"`
	NextRetryAt time.Time `json:"nextRetryAt"`
}

// ChapterManifest is the ordered reading order extracted from an EPUB.
// Paths and Titles are parallel slices.
type ChapterManifest struct {
	// Dir is the extraction directory the chapter paths live under.
	Dir    string
	Paths  []string
	Titles []string
}

// Len returns the number of chapters.
func (m *ChapterManifest) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Paths)
}

// Backend is the interface persistence implementations must satisfy.
// Backends store values as given; invariants are enforced by callers.
type Backend interface {
	// AllBooks returns every book ordered by creation time.
	AllBooks() ([]Book, error)

	// BookByID returns a single book by its local ID.
	BookByID(id string) (*Book, error)

	// BookByRemoteID returns the book carrying remoteID.
	BookByRemoteID(remoteID string) (*Book, error)

	// BookByFileName returns the book stored under fileName.
	BookByFileName(fileName string) (*Book, error)

	// PutBook inserts or replaces a book, keyed by ID. It fails with
	// ErrDuplicateRemoteID if another book already carries the remote ID.
	PutBook(b Book) error

	// DeleteBook removes the book with the given ID.
	DeleteBook(id string) error
}

// Closer is an optional interface for backends holding resources.
type Closer interface {
	Close() error
}
