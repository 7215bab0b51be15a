package fs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/banux/shelfsync/internal/catalog"
)

func sampleBook(id, fileName string, created time.Time) catalog.Book {
	return catalog.Book{
		ID:         id,
		Title:      "Title " + id,
		FileName:   fileName,
		Format:     catalog.FormatFromFileName(fileName),
		TotalPages: 5,
		Status:     catalog.StatusNotStarted,
		SyncState:  catalog.SyncNotSynced,
		CreatedAt:  created,
	}
}

func TestFSBackend_EmptyDir(t *testing.T) {
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	books, err := b.AllBooks()
	if err != nil {
		t.Fatalf("AllBooks() error: %v", err)
	}
	if len(books) != 0 {
		t.Errorf("expected no books, got %d", len(books))
	}
}

func TestFSBackend_PersistsToIndexFile(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}

	bk := sampleBook("a", "a.epub", time.Unix(10, 0))
	bk.RemoteID = "9"
	bk.CurrentPage = 2
	bk.Status = catalog.StatusReading
	bk.MarkSynced(time.Unix(20, 0))
	if err := b.PutBook(bk); err != nil {
		t.Fatalf("PutBook() error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".library.json")); err != nil {
		t.Fatalf("index file not written: %v", err)
	}

	reopened, err := New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.BookByID("a")
	if err != nil {
		t.Fatalf("BookByID after reopen: %v", err)
	}
	if got.RemoteID != "9" || got.CurrentPage != 2 || got.Status != catalog.StatusReading {
		t.Errorf("unexpected book after reopen: %+v", got)
	}
	if got.LastSyncedAt == nil || !got.LastSyncedAt.Equal(time.Unix(20, 0)) {
		t.Errorf("LastSyncedAt: got %v", got.LastSyncedAt)
	}
}

func TestFSBackend_NormalizesHandEditedIndex(t *testing.T) {
	dir := t.TempDir()
	index := `[{"id":"x","title":"Edited","fileName":"x.pdf","totalPages":3,"currentPage":99,"status":"not_started"}]`
	if err := os.WriteFile(filepath.Join(dir, ".library.json"), []byte(index), 0644); err != nil {
		t.Fatal(err)
	}
	b, err := New(dir)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	got, err := b.BookByID("x")
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentPage != 3 || got.Status != catalog.StatusCompleted {
		t.Errorf("expected clamped page 3/completed, got %d/%q", got.CurrentPage, got.Status)
	}
	if got.Format != catalog.FormatPDF {
		t.Errorf("Format: got %q, want pdf", got.Format)
	}
	if got.SyncState != catalog.SyncNotSynced {
		t.Errorf("SyncState: got %q, want not_synced", got.SyncState)
	}
}

func TestFSBackend_CorruptIndex(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".library.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(dir); err == nil {
		t.Error("expected error for corrupt index, got nil")
	}
}

func TestFSBackend_DuplicateRemoteID(t *testing.T) {
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	first := sampleBook("a", "a.pdf", time.Unix(1, 0))
	first.RemoteID = "r"
	second := sampleBook("b", "b.pdf", time.Unix(2, 0))
	second.RemoteID = "r"

	if err := b.PutBook(first); err != nil {
		t.Fatal(err)
	}
	if err := b.PutBook(second); !errors.Is(err, catalog.ErrDuplicateRemoteID) {
		t.Errorf("got %v, want ErrDuplicateRemoteID", err)
	}
	// Re-putting the holder itself is fine.
	if err := b.PutBook(first); err != nil {
		t.Errorf("re-put holder: %v", err)
	}
}

func TestFSBackend_LookupsAndOrder(t *testing.T) {
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	late := sampleBook("late", "same.pdf", time.Unix(50, 0))
	early := sampleBook("early", "same.pdf", time.Unix(5, 0))
	early.RemoteID = "r5"
	for _, bk := range []catalog.Book{late, early} {
		if err := b.PutBook(bk); err != nil {
			t.Fatal(err)
		}
	}

	books, _ := b.AllBooks()
	if len(books) != 2 || books[0].ID != "early" {
		t.Errorf("AllBooks order: got %+v", books)
	}
	if got, err := b.BookByFileName("same.pdf"); err != nil || got.ID != "early" {
		t.Errorf("BookByFileName: got %+v, %v", got, err)
	}
	if got, err := b.BookByRemoteID("r5"); err != nil || got.ID != "early" {
		t.Errorf("BookByRemoteID: got %+v, %v", got, err)
	}
	if _, err := b.BookByRemoteID("missing"); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("BookByRemoteID(missing): got %v", err)
	}
}

func TestFSBackend_ReturnedBooksAreCopies(t *testing.T) {
	b, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := b.PutBook(sampleBook("a", "a.pdf", time.Unix(1, 0))); err != nil {
		t.Fatal(err)
	}
	got, _ := b.BookByID("a")
	got.Title = "mutated"

	again, _ := b.BookByID("a")
	if again.Title == "mutated" {
		t.Error("mutating a returned book changed the stored value")
	}
}

func TestFSBackend_Delete(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.PutBook(sampleBook("a", "a.pdf", time.Unix(1, 0))); err != nil {
		t.Fatal(err)
	}
	if err := b.DeleteBook("a"); err != nil {
		t.Fatalf("DeleteBook() error: %v", err)
	}
	if err := b.DeleteBook("a"); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("second delete: got %v, want ErrNotFound", err)
	}

	reopened, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if books, _ := reopened.AllBooks(); len(books) != 0 {
		t.Errorf("delete not persisted: %d books remain", len(books))
	}
}

func TestFSBackend_ImplementsBackend(t *testing.T) {
	var _ catalog.Backend = (*Backend)(nil)
}
