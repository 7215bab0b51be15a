package library

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banux/shelfsync/internal/backend/fs"
	"github.com/banux/shelfsync/internal/catalog"
	"github.com/banux/shelfsync/internal/logging"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	backend, err := fs.New(t.TempDir())
	require.NoError(t, err)
	clock := &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	return New(backend, WithClock(clock.Now), WithLogger(logging.Discard())), clock
}

func TestCreate(t *testing.T) {
	s, clock := newTestStore(t)

	bk, err := s.Create(NewBook{FileName: "The Hobbit.epub", TotalPages: 12})
	require.NoError(t, err)

	assert.NotEmpty(t, bk.ID)
	assert.Equal(t, "The Hobbit", bk.Title)
	assert.Equal(t, catalog.FormatEPUB, bk.Format)
	assert.Equal(t, catalog.StatusNotStarted, bk.Status)
	assert.Equal(t, catalog.SyncNotSynced, bk.SyncState)
	assert.Nil(t, bk.LastSyncedAt)
	assert.True(t, bk.CreatedAt.Equal(clock.Now()))

	other, err := s.Create(NewBook{FileName: "notes.txt"})
	require.NoError(t, err)
	assert.NotEqual(t, bk.ID, other.ID)
	assert.Equal(t, catalog.FormatOther, other.Format)
}

func TestCreate_SyncedFromRemote(t *testing.T) {
	s, clock := newTestStore(t)

	bk, err := s.Create(NewBook{FileName: "r.pdf", RemoteID: "5", TotalPages: 10, CurrentPage: 4, Synced: true})
	require.NoError(t, err)
	assert.Equal(t, catalog.SyncSynced, bk.SyncState)
	require.NotNil(t, bk.LastSyncedAt)
	assert.True(t, bk.LastSyncedAt.Equal(clock.Now()))
	assert.Equal(t, catalog.StatusReading, bk.Status)
}

func TestUpdateProgress_ClampsAndDerivesStatus(t *testing.T) {
	s, _ := newTestStore(t)
	bk, err := s.Create(NewBook{FileName: "a.pdf", TotalPages: 10})
	require.NoError(t, err)

	cases := []struct {
		page       int
		wantPage   int
		wantStatus catalog.Status
	}{
		{-5, 0, catalog.StatusNotStarted},
		{3, 3, catalog.StatusReading},
		{10, 10, catalog.StatusCompleted},
		{99, 10, catalog.StatusCompleted},
		{0, 0, catalog.StatusNotStarted},
	}
	for _, tc := range cases {
		got, err := s.UpdateProgress(bk.ID, tc.page)
		require.NoError(t, err)
		assert.Equal(t, tc.wantPage, got.CurrentPage, "page %d", tc.page)
		assert.Equal(t, tc.wantStatus, got.Status, "page %d", tc.page)

		stored, err := s.Get(bk.ID)
		require.NoError(t, err)
		assert.Equal(t, tc.wantPage, stored.CurrentPage)
	}
}

func TestUpdateProgress_SinglePageCompletes(t *testing.T) {
	s, _ := newTestStore(t)
	bk, err := s.Create(NewBook{FileName: "leaflet.pdf", TotalPages: 1})
	require.NoError(t, err)

	got, err := s.UpdateProgress(bk.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusCompleted, got.Status)
}

func TestUpdateProgress_LastOpened(t *testing.T) {
	s, clock := newTestStore(t)
	bk, err := s.Create(NewBook{FileName: "a.pdf", TotalPages: 10})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	got, err := s.UpdateProgress(bk.ID, 2)
	require.NoError(t, err)
	assert.True(t, got.LastOpened.Equal(clock.Now()))

	opened := got.LastOpened
	clock.Advance(time.Minute)
	got, err = s.UpdateProgress(bk.ID, 2)
	require.NoError(t, err)
	assert.True(t, got.LastOpened.Equal(opened), "same page must not bump LastOpened")
}

func TestSetTotalPages_ReclampsCurrentPage(t *testing.T) {
	s, _ := newTestStore(t)
	bk, err := s.Create(NewBook{FileName: "a.epub", TotalPages: 40})
	require.NoError(t, err)
	_, err = s.UpdateProgress(bk.ID, 30)
	require.NoError(t, err)

	got, err := s.SetTotalPages(bk.ID, 12)
	require.NoError(t, err)
	assert.Equal(t, 12, got.TotalPages)
	assert.Equal(t, 12, got.CurrentPage)
	assert.Equal(t, catalog.StatusCompleted, got.Status)
}

func TestAssignRemoteID_Immutable(t *testing.T) {
	s, _ := newTestStore(t)
	bk, err := s.Create(NewBook{FileName: "a.pdf"})
	require.NoError(t, err)

	_, err = s.AssignRemoteID(bk.ID, "r1")
	require.NoError(t, err)
	_, err = s.AssignRemoteID(bk.ID, "r1")
	require.NoError(t, err, "re-assigning the same id is allowed")

	_, err = s.AssignRemoteID(bk.ID, "r2")
	assert.ErrorIs(t, err, catalog.ErrRemoteIDImmutable)

	_, err = s.Update(bk.ID, func(b *catalog.Book) error {
		b.RemoteID = ""
		return nil
	})
	assert.ErrorIs(t, err, catalog.ErrRemoteIDImmutable)

	stored, err := s.Get(bk.ID)
	require.NoError(t, err)
	assert.Equal(t, "r1", stored.RemoteID)
}

func TestAssignRemoteID_Duplicate(t *testing.T) {
	s, _ := newTestStore(t)
	a, err := s.Create(NewBook{FileName: "a.pdf"})
	require.NoError(t, err)
	b, err := s.Create(NewBook{FileName: "b.pdf"})
	require.NoError(t, err)

	_, err = s.AssignRemoteID(a.ID, "same")
	require.NoError(t, err)
	_, err = s.AssignRemoteID(b.ID, "same")
	assert.ErrorIs(t, err, catalog.ErrDuplicateRemoteID)
}

func TestNeedsSync(t *testing.T) {
	s, clock := newTestStore(t)
	fresh, err := s.Create(NewBook{FileName: "fresh.pdf"})
	require.NoError(t, err)
	synced, err := s.Create(NewBook{FileName: "synced.pdf"})
	require.NoError(t, err)
	_, err = s.MarkSynced(synced.ID)
	require.NoError(t, err)

	ids := func(books []catalog.Book) []string {
		var out []string
		for _, b := range books {
			out = append(out, b.ID)
		}
		return out
	}

	due, err := s.NeedsSync(clock.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{fresh.ID}, ids(due))

	due, err = s.NeedsSync(clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{fresh.ID}, ids(due), "exactly one hour is still fresh")

	due, err = s.NeedsSync(clock.Now().Add(time.Hour + time.Second))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{fresh.ID, synced.ID}, ids(due))

	_, err = s.ClearSynced(synced.ID, catalog.SyncPendingProgress)
	require.NoError(t, err)
	due, err = s.NeedsSync(clock.Now())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{fresh.ID, synced.ID}, ids(due))
}

func TestUpdateMetadata_LastWriteWins(t *testing.T) {
	s, _ := newTestStore(t)
	bk, err := s.Create(NewBook{FileName: "a.pdf", Title: "Old"})
	require.NoError(t, err)

	first, second := "First", "Second"
	author := "Someone"
	_, err = s.UpdateMetadata(bk.ID, MetadataUpdate{Title: &first})
	require.NoError(t, err)
	got, err := s.UpdateMetadata(bk.ID, MetadataUpdate{Title: &second, Author: &author})
	require.NoError(t, err)
	assert.Equal(t, "Second", got.Title)
	assert.Equal(t, "Someone", got.Author)

	empty := ""
	got, err = s.UpdateMetadata(bk.ID, MetadataUpdate{Title: &empty})
	require.NoError(t, err)
	assert.Equal(t, "Second", got.Title, "blank title is ignored")
}

func TestStatusNotIndependentlySettable(t *testing.T) {
	s, _ := newTestStore(t)
	bk, err := s.Create(NewBook{FileName: "a.pdf", TotalPages: 10})
	require.NoError(t, err)

	got, err := s.Update(bk.ID, func(b *catalog.Book) error {
		b.Status = catalog.StatusCompleted
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusNotStarted, got.Status)
}

func TestUpdate_CallbackErrorLeavesBookUntouched(t *testing.T) {
	s, _ := newTestStore(t)
	bk, err := s.Create(NewBook{FileName: "a.pdf", Title: "Keep"})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = s.Update(bk.ID, func(b *catalog.Book) error {
		b.Title = "Changed"
		return boom
	})
	assert.ErrorIs(t, err, boom)

	stored, err := s.Get(bk.ID)
	require.NoError(t, err)
	assert.Equal(t, "Keep", stored.Title)
}

func TestUpdate_Missing(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.UpdateProgress("nope", 1)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestConcurrentUpdatesSameBook(t *testing.T) {
	s, _ := newTestStore(t)
	bk, err := s.Create(NewBook{FileName: "a.pdf", TotalPages: 1000})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(bk.ID, func(b *catalog.Book) error {
				b.SetPage(b.CurrentPage+1, time.Now())
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := s.Get(bk.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, stored.CurrentPage, "increments under the per-book lock must not be lost")
	assert.Equal(t, 0, s.locks.size())
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t)
	bk, err := s.Create(NewBook{FileName: "a.pdf"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(bk.ID))
	_, err = s.Get(bk.ID)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	assert.NoError(t, s.Delete(bk.ID), "deleting twice is fine")
}

func TestLookups(t *testing.T) {
	s, _ := newTestStore(t)
	bk, err := s.Create(NewBook{FileName: "find-me.epub", RemoteID: "rid"})
	require.NoError(t, err)

	byRemote, err := s.ByRemoteID("rid")
	require.NoError(t, err)
	assert.Equal(t, bk.ID, byRemote.ID)

	byName, err := s.ByFileName("find-me.epub")
	require.NoError(t, err)
	assert.Equal(t, bk.ID, byName.ID)
}
