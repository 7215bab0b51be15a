package sqlite

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/banux/shelfsync/internal/catalog"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(filepath.Join(t.TempDir(), ".library.db"))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func sampleBook(id, fileName string, created time.Time) catalog.Book {
	return catalog.Book{
		ID:         id,
		Title:      "Title " + id,
		FileName:   fileName,
		Format:     catalog.FormatFromFileName(fileName),
		TotalPages: 10,
		Status:     catalog.StatusNotStarted,
		SyncState:  catalog.SyncNotSynced,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func TestSQLiteBackend_EmptyDB(t *testing.T) {
	b := newTestBackend(t)

	books, err := b.AllBooks()
	if err != nil {
		t.Fatalf("AllBooks() error: %v", err)
	}
	if len(books) != 0 {
		t.Errorf("expected empty library, got %d books", len(books))
	}
	if _, err := b.BookByID("nope"); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("BookByID(missing): got %v, want ErrNotFound", err)
	}
}

func TestSQLiteBackend_RoundTrip(t *testing.T) {
	b := newTestBackend(t)
	now := time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC)

	bk := sampleBook("a", "dune.epub", now)
	bk.Author = "Frank Herbert"
	bk.RemoteID = "42"
	bk.LocalFileURI = "/lib/dune.epub"
	bk.CurrentPage = 4
	bk.Status = catalog.StatusReading
	bk.LastOpened = now.Add(time.Minute)
	bk.MarkSynced(now.Add(2 * time.Minute))

	if err := b.PutBook(bk); err != nil {
		t.Fatalf("PutBook() error: %v", err)
	}

	got, err := b.BookByID("a")
	if err != nil {
		t.Fatalf("BookByID() error: %v", err)
	}
	if got.Title != bk.Title || got.Author != bk.Author || got.RemoteID != "42" {
		t.Errorf("unexpected book: %+v", got)
	}
	if got.Format != catalog.FormatEPUB {
		t.Errorf("Format: got %q, want epub", got.Format)
	}
	if got.CurrentPage != 4 || got.Status != catalog.StatusReading {
		t.Errorf("progress: got page %d status %q", got.CurrentPage, got.Status)
	}
	if !got.LastOpened.Equal(bk.LastOpened) {
		t.Errorf("LastOpened: got %v, want %v", got.LastOpened, bk.LastOpened)
	}
	if got.LastSyncedAt == nil || !got.LastSyncedAt.Equal(*bk.LastSyncedAt) {
		t.Errorf("LastSyncedAt: got %v, want %v", got.LastSyncedAt, bk.LastSyncedAt)
	}
	if got.SyncState != catalog.SyncSynced {
		t.Errorf("SyncState: got %q, want synced", got.SyncState)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt: got %v, want %v", got.CreatedAt, now)
	}
}

func TestSQLiteBackend_ZeroTimesSurvive(t *testing.T) {
	b := newTestBackend(t)
	bk := sampleBook("z", "x.pdf", time.Time{})
	if err := b.PutBook(bk); err != nil {
		t.Fatalf("PutBook() error: %v", err)
	}
	got, err := b.BookByID("z")
	if err != nil {
		t.Fatalf("BookByID() error: %v", err)
	}
	if !got.LastOpened.IsZero() || !got.CreatedAt.IsZero() {
		t.Errorf("expected zero timestamps, got %v / %v", got.LastOpened, got.CreatedAt)
	}
	if got.LastSyncedAt != nil {
		t.Errorf("LastSyncedAt: got %v, want nil", got.LastSyncedAt)
	}
}

func TestSQLiteBackend_PutReplaces(t *testing.T) {
	b := newTestBackend(t)
	bk := sampleBook("a", "a.pdf", time.Unix(100, 0))
	if err := b.PutBook(bk); err != nil {
		t.Fatal(err)
	}
	bk.Title = "Renamed"
	bk.LastSyncedAt = nil
	if err := b.PutBook(bk); err != nil {
		t.Fatal(err)
	}

	books, err := b.AllBooks()
	if err != nil {
		t.Fatal(err)
	}
	if len(books) != 1 {
		t.Fatalf("expected 1 book after replace, got %d", len(books))
	}
	if books[0].Title != "Renamed" {
		t.Errorf("Title: got %q, want Renamed", books[0].Title)
	}
}

func TestSQLiteBackend_AllBooksOrderedByCreation(t *testing.T) {
	b := newTestBackend(t)
	for i, id := range []string{"c", "a", "b"} {
		bk := sampleBook(id, id+".pdf", time.Unix(int64(300-i*100), 0))
		if err := b.PutBook(bk); err != nil {
			t.Fatal(err)
		}
	}
	books, err := b.AllBooks()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, bk := range books {
		ids = append(ids, bk.ID)
	}
	if len(ids) != 3 || ids[0] != "b" || ids[1] != "a" || ids[2] != "c" {
		t.Errorf("order: got %v, want [b a c]", ids)
	}
}

func TestSQLiteBackend_DuplicateRemoteID(t *testing.T) {
	b := newTestBackend(t)
	first := sampleBook("a", "a.pdf", time.Unix(1, 0))
	first.RemoteID = "r1"
	second := sampleBook("b", "b.pdf", time.Unix(2, 0))
	second.RemoteID = "r1"

	if err := b.PutBook(first); err != nil {
		t.Fatal(err)
	}
	if err := b.PutBook(second); !errors.Is(err, catalog.ErrDuplicateRemoteID) {
		t.Fatalf("PutBook(duplicate): got %v, want ErrDuplicateRemoteID", err)
	}

	// Books without a remote ID never collide.
	for _, id := range []string{"c", "d"} {
		if err := b.PutBook(sampleBook(id, id+".pdf", time.Unix(3, 0))); err != nil {
			t.Errorf("PutBook(%s) without remote id: %v", id, err)
		}
	}
}

func TestSQLiteBackend_Lookups(t *testing.T) {
	b := newTestBackend(t)
	bk := sampleBook("a", "novel.epub", time.Unix(1, 0))
	bk.RemoteID = "77"
	if err := b.PutBook(bk); err != nil {
		t.Fatal(err)
	}

	got, err := b.BookByRemoteID("77")
	if err != nil || got.ID != "a" {
		t.Errorf("BookByRemoteID: got %+v, %v", got, err)
	}
	got, err = b.BookByFileName("novel.epub")
	if err != nil || got.ID != "a" {
		t.Errorf("BookByFileName: got %+v, %v", got, err)
	}
	if _, err := b.BookByRemoteID(""); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("BookByRemoteID(\"\"): got %v, want ErrNotFound", err)
	}
	if _, err := b.BookByFileName("other.pdf"); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("BookByFileName(missing): got %v, want ErrNotFound", err)
	}
}

func TestSQLiteBackend_Delete(t *testing.T) {
	b := newTestBackend(t)
	if err := b.PutBook(sampleBook("a", "a.pdf", time.Unix(1, 0))); err != nil {
		t.Fatal(err)
	}
	if err := b.DeleteBook("a"); err != nil {
		t.Fatalf("DeleteBook() error: %v", err)
	}
	if _, err := b.BookByID("a"); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("after delete: got %v, want ErrNotFound", err)
	}
	if err := b.DeleteBook("a"); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("second delete: got %v, want ErrNotFound", err)
	}
}

func TestSQLiteBackend_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".library.db")
	b, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.PutBook(sampleBook("a", "a.pdf", time.Unix(1, 0))); err != nil {
		t.Fatal(err)
	}
	b.Close()

	b2, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b2.Close()
	if _, err := b2.BookByID("a"); err != nil {
		t.Errorf("book lost across reopen: %v", err)
	}
}

func TestSQLiteBackend_ConcurrentPuts(t *testing.T) {
	b := newTestBackend(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			if err := b.PutBook(sampleBook(id, id+".pdf", time.Unix(int64(i+1), 0))); err != nil {
				t.Errorf("PutBook(%s): %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	books, err := b.AllBooks()
	if err != nil {
		t.Fatal(err)
	}
	if len(books) != 20 {
		t.Errorf("expected 20 books, got %d", len(books))
	}
}

func TestSQLiteBackend_ImplementsInterfaces(t *testing.T) {
	var _ catalog.Backend = (*Backend)(nil)
	var _ catalog.Closer = (*Backend)(nil)
}
