// Package controller wires user actions (importing a file, opening a book,
// turning pages, deleting) to the library store, the sync engine, and the
// EPUB extractor.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/banux/shelfsync/internal/catalog"
	"github.com/banux/shelfsync/internal/epub"
	"github.com/banux/shelfsync/internal/library"
	"github.com/banux/shelfsync/internal/pdfmeta"
	"github.com/banux/shelfsync/internal/logging"
	"github.com/banux/shelfsync/internal/session"
	"github.com/banux/shelfsync/internal/syncengine"
)

var (
	// ErrExists is returned when a file with the same name is already in
	// the library.
	ErrExists = errors.New("a file with this name is already in the library")

	// ErrNotEPUB is returned by OpenBook for books that are not EPUBs.
	ErrNotEPUB = errors.New("only EPUB books have chapters")

	// ErrUnreadable is returned when an imported EPUB cannot be parsed.
	ErrUnreadable = errors.New("unreadable epub")
)

// Controller is the entry point for user actions. It is safe for
// concurrent use.
type Controller struct {
	store      *library.Store
	engine     *syncengine.Engine
	extractor  *epub.Extractor
	session    *session.Context
	libraryDir string
	logger     *slog.Logger

	mu   sync.Mutex
	open map[string]*catalog.ChapterManifest
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// New returns a Controller. Imported files are stored in libraryDir.
func New(store *library.Store, engine *syncengine.Engine, extractor *epub.Extractor, sess *session.Context, libraryDir string, opts ...Option) *Controller {
	c := &Controller{
		store:      store,
		engine:     engine,
		extractor:  extractor,
		session:    sess,
		libraryDir: libraryDir,
		open:       make(map[string]*catalog.ChapterManifest),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDefault(c.logger)
	return c
}

// Import describes a file to add to the library. Title, Author, and
// TotalPages are optional; EPUB metadata fills them when empty.
type Import struct {
	FileName   string
	Title      string
	Author     string
	TotalPages int
	Content    io.Reader
}

// AddFile copies the file into the library and registers it as a local-only
// book, then asks the engine to upload it. Only PDF and EPUB files are
// accepted, and an existing file is never overwritten.
func (c *Controller) AddFile(ctx context.Context, in Import) (*catalog.Book, error) {
	name := filepath.Base(strings.TrimSpace(in.FileName))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return nil, fmt.Errorf("add file: empty file name")
	}
	format := catalog.FormatFromFileName(name)
	if format == catalog.FormatOther {
		return nil, fmt.Errorf("add %q: %w", name, syncengine.ErrUnsupportedFormat)
	}
	if _, err := c.store.ByFileName(name); err == nil {
		return nil, fmt.Errorf("add %q: %w", name, ErrExists)
	}

	dest := filepath.Join(c.libraryDir, name)
	if _, err := os.Stat(dest); err == nil {
		return nil, fmt.Errorf("add %q: %w", name, ErrExists)
	}
	if err := writeAtomic(ctx, c.libraryDir, dest, in.Content); err != nil {
		return nil, fmt.Errorf("add %q: %w", name, err)
	}

	nb := library.NewBook{
		Title:        in.Title,
		Author:       in.Author,
		FileName:     name,
		LocalFileURI: dest,
		TotalPages:   in.TotalPages,
	}
	if format == catalog.FormatEPUB {
		md, err := epub.ReadMetadata(dest)
		if err != nil {
			_ = os.Remove(dest)
			return nil, fmt.Errorf("add %q: %w: %w", name, ErrUnreadable, err)
		}
		if nb.Title == "" {
			nb.Title = md.Title
		}
		if nb.Author == "" {
			nb.Author = md.Author
		}
		if nb.TotalPages <= 0 {
			nb.TotalPages = md.SpineItems
		}
	}

	if format == catalog.FormatPDF && nb.TotalPages <= 0 {
		n, err := pdfmeta.PageCount(dest)
		if err != nil {
			// Progress stays at zero until a page count is known.
			c.logger.Warn("could not count pdf pages", slog.String("file", name), slog.Any("error", err))
		} else {
			nb.TotalPages = n
		}
	}

	bk, err := c.store.Create(nb)
	if err != nil {
		_ = os.Remove(dest)
		return nil, err
	}
	c.logger.Info("book added",
		slog.String("id", bk.ID),
		slog.String("file", name),
		slog.String("format", string(bk.Format)),
	)
	c.engine.Kick()
	return bk, nil
}

// AddPath imports the file at path.
func (c *Controller) AddPath(ctx context.Context, path string) (*catalog.Book, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return c.AddFile(ctx, Import{FileName: filepath.Base(path), Content: f})
}

func writeAtomic(ctx context.Context, dir, dest string, src io.Reader) error {
	if src == nil {
		return errors.New("no content")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create library dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".import-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := io.Copy(tmp, ctxReader{ctx, src}); err != nil {
		tmp.Close()
		return fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// OpenBook prepares the chapters of an EPUB book, downloading the file
// first when only the remote copy exists. Extraction runs on its own
// goroutine; if ctx is done first OpenBook returns ctx.Err() and the
// abandoned extraction is cleaned up when it finishes. On success the
// book's page count becomes the chapter count. The manifest stays valid
// until ReleaseChapters, Delete, or Close.
func (c *Controller) OpenBook(ctx context.Context, id string) (*catalog.ChapterManifest, error) {
	bk, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	if bk.Format != catalog.FormatEPUB {
		return nil, fmt.Errorf("open %q: %w", bk.FileName, ErrNotEPUB)
	}
	if bk.LocalFileURI == "" || !exists(bk.LocalFileURI) {
		if bk.RemoteID == "" {
			return nil, fmt.Errorf("open %q: %w", bk.FileName, syncengine.ErrNoLocalFile)
		}
		if err := c.engine.DownloadIfMissing(ctx, id); err != nil {
			return nil, fmt.Errorf("open %q: %w", bk.FileName, err)
		}
		if bk, err = c.store.Get(id); err != nil {
			return nil, err
		}
	}

	type result struct {
		m   *catalog.ChapterManifest
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := c.extractor.PrepareChapters(ctx, bk.LocalFileURI)
		done <- result{m, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				_ = c.extractor.Release(r.m)
			}
		}()
		return nil, ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return nil, res.err
	}

	if n := res.m.Len(); n != bk.TotalPages {
		if _, err := c.store.SetTotalPages(id, n); err != nil {
			_ = c.extractor.Release(res.m)
			return nil, err
		}
	}

	c.mu.Lock()
	prev := c.open[id]
	c.open[id] = res.m
	c.mu.Unlock()
	if prev != nil {
		_ = c.extractor.Release(prev)
	}
	return res.m, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ReleaseChapters removes the extraction directory of the book's open
// manifest, if any.
func (c *Controller) ReleaseChapters(id string) error {
	c.mu.Lock()
	m := c.open[id]
	delete(c.open, id)
	c.mu.Unlock()
	return c.extractor.Release(m)
}

// UpdateProgress moves the book to page and marks it for sync when the
// page actually changed.
func (c *Controller) UpdateProgress(id string, page int) (*catalog.Book, error) {
	now := c.store.Now()
	changed := false
	bk, err := c.store.Update(id, func(b *catalog.Book) error {
		before := b.CurrentPage
		b.SetPage(page, now)
		if b.CurrentPage == before {
			return nil
		}
		changed = true
		if b.IsLocalOnly() {
			b.ClearSynced(catalog.SyncNotSynced)
		} else {
			b.ClearSynced(catalog.SyncPendingProgress)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		c.engine.Kick()
	}
	return bk, nil
}

// UpdateMetadata applies title and author edits. The last write wins.
func (c *Controller) UpdateMetadata(id string, u library.MetadataUpdate) (*catalog.Book, error) {
	return c.store.UpdateMetadata(id, u)
}

// Delete removes the book locally and remotely.
func (c *Controller) Delete(ctx context.Context, id string) error {
	if err := c.ReleaseChapters(id); err != nil {
		c.logger.Warn("release chapters", slog.String("id", id), slog.Any("error", err))
	}
	return c.engine.Delete(ctx, id)
}

// SyncNow reconciles with the remote listing and then flushes local changes.
func (c *Controller) SyncNow(ctx context.Context) (syncengine.ReconcileResult, error) {
	res, err := c.engine.Reconcile(ctx)
	if err != nil {
		return res, err
	}
	return res, c.engine.Flush(ctx)
}

// List returns every book ordered by creation time.
func (c *Controller) List() ([]catalog.Book, error) {
	return c.store.All()
}

// Get returns a single book.
func (c *Controller) Get(id string) (*catalog.Book, error) {
	return c.store.Get(id)
}

// SetToken re-authenticates the session; a paused engine resumes.
func (c *Controller) SetToken(token string) error {
	if c.session == nil {
		return errors.New("no session configured")
	}
	return c.session.SetToken(token)
}

// Status is a snapshot of the sync state.
type Status struct {
	Paused  bool               `json:"paused"`
	Pending []catalog.SyncTask `json:"pending"`
}

// Status reports whether sync is paused and which tasks are in flight.
func (c *Controller) Status() Status {
	return Status{Paused: c.engine.Paused(), Pending: c.engine.Pending()}
}

// Suspend fires a final progress push without waiting for it.
func (c *Controller) Suspend() {
	c.engine.Suspend()
}

// Close releases every open manifest and closes the store.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.open = make(map[string]*catalog.ChapterManifest)
	c.mu.Unlock()
	return errors.Join(c.extractor.Close(), c.store.Close())
}
