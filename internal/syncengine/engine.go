// Package syncengine keeps the local library consistent with the remote
// catalog: uploads local-only books, pushes reading progress with retry,
// downloads missing files, propagates deletes, and reconciles listings.
package syncengine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/banux/shelfsync/internal/apiclient"
	"github.com/banux/shelfsync/internal/catalog"
	"github.com/banux/shelfsync/internal/library"
	"github.com/banux/shelfsync/internal/logging"
	"github.com/banux/shelfsync/internal/session"
)

const (
	// MaxUploadSize is the largest file the catalog accepts.
	MaxUploadSize = 20 << 20

	// DefaultPageSize is the listing page size used by Reconcile.
	DefaultPageSize = 50

	// DefaultWorkers bounds concurrent network work.
	DefaultWorkers = 4

	suspendTimeout = 10 * time.Second
)

// DefaultBackoff is the delay before each progress retry.
var DefaultBackoff = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

var (
	// ErrPaused is returned by Flush while the session is invalidated.
	ErrPaused = errors.New("sync paused until re-authentication")

	// ErrTooLarge is returned for files above MaxUploadSize.
	ErrTooLarge = errors.New("file exceeds the 20 MiB upload limit")

	// ErrUnsupportedFormat is returned for files that are neither PDF nor EPUB.
	ErrUnsupportedFormat = errors.New("only PDF or EPUB files can be uploaded")

	// ErrNoLocalFile is returned when a book's file is missing on disk.
	ErrNoLocalFile = errors.New("book has no local file")

	// ErrNotRemote is returned when a remote-only operation is asked of a
	// book that was never uploaded.
	ErrNotRemote = errors.New("book has no remote id")
)

// Remote is the subset of the catalog client the engine needs.
type Remote interface {
	ListBooks(ctx context.Context, skip, limit int) ([]apiclient.RemoteBook, error)
	UploadBook(ctx context.Context, u apiclient.Upload) (apiclient.RemoteBook, error)
	UpdateProgress(ctx context.Context, id string, currentPage int, status string) (apiclient.RemoteBook, error)
	DownloadURL(ctx context.Context, id string) (string, error)
	DeleteBook(ctx context.Context, id string) error
	Fetch(ctx context.Context, rawURL string, w io.Writer) (int64, error)
}

// Engine drives every sync operation. It is safe for concurrent use.
type Engine struct {
	store      *library.Store
	remote     Remote
	session    *session.Context
	libraryDir string
	logger     *slog.Logger
	workers    int
	pageSize   int
	backoff    []time.Duration
	sleep      func(ctx context.Context, d time.Duration) error

	// barrier orders deletes and uploads before reconciliation: they share
	// it, Reconcile takes it exclusively.
	barrier sync.RWMutex

	deletedMu sync.Mutex
	deleted   map[string]struct{}

	tasksMu sync.Mutex
	tasks   map[taskKey]catalog.SyncTask

	flushMu sync.Mutex
	kick    chan struct{}
	bg      sync.WaitGroup
}

type taskKey struct {
	bookID string
	kind   catalog.TaskKind
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers bounds concurrent network work.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithPageSize overrides the listing page size.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithBackoff overrides the progress retry delays. Its length is the number
// of retries.
func WithBackoff(delays ...time.Duration) Option {
	return func(e *Engine) {
		e.backoff = append([]time.Duration(nil), delays...)
	}
}

// WithSleeper overrides how retry delays are waited out (useful for tests).
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New builds an engine over store and remote. Book files live in
// libraryDir. sess may be nil when the remote needs no authentication.
func New(store *library.Store, remote Remote, sess *session.Context, libraryDir string, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		remote:     remote,
		session:    sess,
		libraryDir: libraryDir,
		workers:    DefaultWorkers,
		pageSize:   DefaultPageSize,
		backoff:    DefaultBackoff,
		sleep:      SleepWithContext,
		deleted:    make(map[string]struct{}),
		tasks:      make(map[taskKey]catalog.SyncTask),
		kick:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrDefault(e.logger)

	if sess != nil {
		sess.OnChange(func(valid bool) {
			if valid {
				e.logger.Info("session restored; resuming sync")
				e.Kick()
			}
		})
	}
	return e
}

// SleepWithContext waits for d or until ctx is done.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Paused reports whether sync is paused waiting for a new token.
func (e *Engine) Paused() bool {
	return e.session != nil && e.session.Invalidated()
}

// Pending returns the sync tasks currently in flight, ordered by book and kind.
func (e *Engine) Pending() []catalog.SyncTask {
	e.tasksMu.Lock()
	defer e.tasksMu.Unlock()
	out := make([]catalog.SyncTask, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BookID != out[j].BookID {
			return out[i].BookID < out[j].BookID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// begin registers a task. It returns false when the same task is already in
// flight, in which case the caller must not start it again.
func (e *Engine) begin(bookID string, kind catalog.TaskKind) bool {
	e.tasksMu.Lock()
	defer e.tasksMu.Unlock()
	k := taskKey{bookID, kind}
	if _, busy := e.tasks[k]; busy {
		return false
	}
	e.tasks[k] = catalog.SyncTask{BookID: bookID, Kind: kind}
	return true
}

func (e *Engine) retrying(bookID string, kind catalog.TaskKind, attempt int, next time.Time) {
	e.tasksMu.Lock()
	defer e.tasksMu.Unlock()
	k := taskKey{bookID, kind}
	if t, ok := e.tasks[k]; ok {
		t.Attempt = attempt
		t.NextRetryAt = next
		e.tasks[k] = t
	}
}

func (e *Engine) finish(bookID string, kind catalog.TaskKind) {
	e.tasksMu.Lock()
	delete(e.tasks, taskKey{bookID, kind})
	e.tasksMu.Unlock()
}

// WasDeleted reports whether remoteID was deleted during this session.
func (e *Engine) WasDeleted(remoteID string) bool {
	e.deletedMu.Lock()
	defer e.deletedMu.Unlock()
	_, ok := e.deleted[remoteID]
	return ok
}

func (e *Engine) rememberDeleted(remoteID string) {
	e.deletedMu.Lock()
	e.deleted[remoteID] = struct{}{}
	e.deletedMu.Unlock()
}
