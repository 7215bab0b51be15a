package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatFromFileName(t *testing.T) {
	cases := map[string]Format{
		"book.pdf":     FormatPDF,
		"BOOK.EPUB":    FormatEPUB,
		"notes.txt":    FormatOther,
		"no-extension": FormatOther,
		"dir.epub/x":   FormatOther,
	}
	for name, want := range cases {
		assert.Equal(t, want, FormatFromFileName(name), name)
	}
}

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		name    string
		current int
		total   int
		want    Status
	}{
		{"untouched", 0, 10, StatusNotStarted},
		{"middle", 4, 10, StatusReading},
		{"last page", 10, 10, StatusCompleted},
		{"single page any progress", 1, 1, StatusCompleted},
		{"zero pages with progress", 3, 0, StatusCompleted},
		{"single page untouched", 0, 1, StatusNotStarted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveStatus(tc.current, tc.total))
		})
	}
}

func TestSetPage_ClampsIntoRange(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, page := range []int{-50, -1, 0, 3, 7, 8, 1000} {
		b := Book{TotalPages: 7}
		b.SetPage(page, now)
		assert.GreaterOrEqual(t, b.CurrentPage, 0)
		assert.LessOrEqual(t, b.CurrentPage, b.TotalPages)
	}
}

func TestSetPage_SinglePageBookCompletes(t *testing.T) {
	now := time.Now()
	for _, page := range []int{1, 2, 99} {
		b := Book{TotalPages: 1}
		b.SetPage(page, now)
		assert.Equal(t, StatusCompleted, b.Status)
	}
}

func TestSetPage_LastOpenedOnlyOnChange(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	b := Book{TotalPages: 10, CurrentPage: 3, LastOpened: t0}
	b.SetPage(3, t1)
	assert.Equal(t, t0, b.LastOpened)
	b.SetPage(4, t1)
	assert.Equal(t, t1, b.LastOpened)
	assert.Equal(t, StatusReading, b.Status)
}

func TestSetTotalPages_ReclampsCurrentPage(t *testing.T) {
	b := Book{TotalPages: 100, CurrentPage: 80}
	b.SetTotalPages(12, time.Now())
	assert.Equal(t, 12, b.CurrentPage)
	assert.Equal(t, StatusCompleted, b.Status)
}

func TestNeedsSync(t *testing.T) {
	now := time.Date(2026, 5, 5, 10, 0, 0, 0, time.UTC)
	b := Book{}
	assert.True(t, b.NeedsSync(now), "never synced")

	fresh := now.Add(-59 * time.Minute)
	b.LastSyncedAt = &fresh
	assert.False(t, b.NeedsSync(now))

	exact := now.Add(-time.Hour)
	b.LastSyncedAt = &exact
	assert.False(t, b.NeedsSync(now), "exactly one hour is not stale")

	stale := now.Add(-time.Hour - time.Second)
	b.LastSyncedAt = &stale
	assert.True(t, b.NeedsSync(now))
}

func TestAssignRemoteID(t *testing.T) {
	b := Book{}
	require.NoError(t, b.AssignRemoteID("42"))
	require.NoError(t, b.AssignRemoteID("42"))
	assert.ErrorIs(t, b.AssignRemoteID("43"), ErrRemoteIDImmutable)
	assert.Equal(t, "42", b.RemoteID)
}

func TestMarkAndClearSynced(t *testing.T) {
	now := time.Now()
	b := Book{}
	b.MarkSynced(now)
	require.NotNil(t, b.LastSyncedAt)
	assert.Equal(t, SyncSynced, b.SyncState)

	b.ClearSynced(SyncPendingProgress)
	assert.Nil(t, b.LastSyncedAt)
	assert.Equal(t, SyncPendingProgress, b.SyncState)
	assert.True(t, b.NeedsSync(now))
}

func TestNormalize(t *testing.T) {
	b := Book{FileName: "a.epub", TotalPages: -3, CurrentPage: 9, RemoteID: "7"}
	b.Normalize()
	assert.Equal(t, 0, b.TotalPages)
	assert.Equal(t, 0, b.CurrentPage)
	assert.Equal(t, FormatEPUB, b.Format)
	assert.Equal(t, SyncPendingProgress, b.SyncState)
}

func TestStatusMapping(t *testing.T) {
	assert.Equal(t, "unread", StatusNotStarted.RemoteStatus())
	assert.Equal(t, "reading", StatusReading.RemoteStatus())
	assert.Equal(t, "finished", StatusCompleted.RemoteStatus())
	assert.Equal(t, StatusNotStarted, StatusFromRemote("processing"))
	assert.Equal(t, StatusCompleted, StatusFromRemote("FINISHED"))
}
