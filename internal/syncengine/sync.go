package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banux/shelfsync/internal/apiclient"
	"github.com/banux/shelfsync/internal/catalog"
	"github.com/banux/shelfsync/internal/library"
)

// Kick requests an immediate flush from the background loop. It never
// blocks; kicks that arrive while one is pending are merged.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Start runs Flush every interval, and whenever Kick is called, until ctx is
// done. A zero interval disables the ticker but still honours kicks.
func (e *Engine) Start(ctx context.Context, interval time.Duration) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()

		var tick <-chan time.Time
		if interval > 0 {
			t := time.NewTicker(interval)
			defer t.Stop()
			tick = t.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick:
			case <-e.kick:
			}
			if err := e.Flush(ctx); err != nil && !errors.Is(err, ErrPaused) && ctx.Err() == nil {
				e.logger.Warn("background flush failed", slog.Any("error", err))
			}
		}
	}()
}

// Wait blocks until the background loop has stopped and every detached
// push started by Suspend has finished.
func (e *Engine) Wait() {
	e.bg.Wait()
}

// Flush syncs every book in the needs-sync set: local-only books are
// uploaded, the rest push their progress. Work runs on a bounded pool.
// A flush already in progress makes this call a no-op. While the session is
// invalidated Flush returns ErrPaused without touching the network.
func (e *Engine) Flush(ctx context.Context) error {
	if e.Paused() {
		return ErrPaused
	}
	if !e.flushMu.TryLock() {
		return nil
	}
	defer e.flushMu.Unlock()

	books, err := e.store.NeedsSync(e.store.Now())
	if err != nil {
		return fmt.Errorf("list books needing sync: %w", err)
	}
	if len(books) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, bk := range books {
		if bk.IsLocalOnly() && bk.Format == catalog.FormatOther {
			continue
		}
		id, localOnly := bk.ID, bk.IsLocalOnly()
		g.Go(func() error {
			var err error
			if localOnly {
				err = e.Upload(gctx, id)
			} else {
				err = e.PushProgress(gctx, id)
			}
			switch {
			case err == nil:
			case apiclient.IsUnauthorized(err):
				// Stop the rest of the batch; nothing will succeed without a session.
				return err
			case gctx.Err() != nil:
				return gctx.Err()
			default:
				e.logger.Warn("sync book failed", slog.String("id", id), slog.Any("error", err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	e.logger.Debug("flush complete", slog.Int("books", len(books)))
	return nil
}

// ReconcileResult summarizes one Reconcile pass.
type ReconcileResult struct {
	Listed     int `json:"listed"`
	Created    int `json:"created"`
	Adopted    int `json:"adopted"`
	Downloaded int `json:"downloaded"`
	Failed     int `json:"failed"`
}

// Reconcile pages through the remote listing and creates a local book for
// every record not yet known locally. A local-only book with the same file
// name is adopted instead of duplicated. Records deleted during this session
// are never recreated. Missing files are downloaded after the merge.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	if e.Paused() {
		return res, ErrPaused
	}

	toDownload, err := e.merge(ctx, &res)
	if err != nil {
		return res, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	results := make(chan error, len(toDownload))
	for _, id := range toDownload {
		g.Go(func() error {
			err := e.DownloadIfMissing(gctx, id)
			results <- err
			if apiclient.IsUnauthorized(err) {
				return err
			}
			if err != nil {
				e.logger.Warn("download failed", slog.String("id", id), slog.Any("error", err))
			}
			return nil
		})
	}
	waitErr := g.Wait()
	close(results)
	for err := range results {
		if err == nil {
			res.Downloaded++
		} else {
			res.Failed++
		}
	}
	if waitErr != nil {
		return res, fmt.Errorf("reconcile downloads: %w", waitErr)
	}

	e.logger.Info("reconcile complete",
		slog.Int("listed", res.Listed),
		slog.Int("created", res.Created),
		slog.Int("adopted", res.Adopted),
		slog.Int("downloaded", res.Downloaded),
		slog.Int("failed", res.Failed),
	)
	return res, nil
}

// merge runs under the delete barrier and returns the ids of books whose
// files are not on disk.
func (e *Engine) merge(ctx context.Context, res *ReconcileResult) ([]string, error) {
	e.barrier.Lock()
	defer e.barrier.Unlock()

	var toDownload []string
	for skip := 0; ; skip += e.pageSize {
		page, err := e.remote.ListBooks(ctx, skip, e.pageSize)
		if err != nil {
			return nil, fmt.Errorf("list remote books: %w", err)
		}
		res.Listed += len(page)

		for _, rb := range page {
			id, created, err := e.mergeOne(rb)
			if err != nil {
				return nil, err
			}
			if id == "" {
				continue
			}
			if created {
				res.Created++
			} else {
				res.Adopted++
			}
			if !e.haveFile(id) {
				toDownload = append(toDownload, id)
			}
		}
		if len(page) < e.pageSize {
			return toDownload, nil
		}
	}
}

// mergeOne applies a single remote record. It returns the local id of a
// book that was created or adopted, or "" when nothing changed.
func (e *Engine) mergeOne(rb apiclient.RemoteBook) (string, bool, error) {
	remoteID := rb.ID.String()
	if e.WasDeleted(remoteID) {
		return "", false, nil
	}
	if _, err := e.store.ByRemoteID(remoteID); err == nil {
		return "", false, nil
	} else if !errors.Is(err, catalog.ErrNotFound) {
		return "", false, err
	}

	fileName := rb.FileName()
	if local, err := e.store.ByFileName(fileName); err == nil && local.IsLocalOnly() {
		// The upload reached the server but its response never came back.
		now := e.store.Now()
		if _, err := e.store.Update(local.ID, func(b *catalog.Book) error {
			if err := b.AssignRemoteID(remoteID); err != nil {
				return err
			}
			b.MarkSynced(now)
			return nil
		}); err != nil {
			return "", false, fmt.Errorf("adopt %q: %w", fileName, err)
		}
		e.logger.Info("adopted remote record", slog.String("id", local.ID), slog.String("remote_id", remoteID))
		return local.ID, false, nil
	}

	bk, err := e.store.Create(library.NewBook{
		Title:       rb.Title,
		Author:      rb.Author,
		FileName:    fileName,
		TotalPages:  rb.TotalPages,
		CurrentPage: rb.CurrentPage,
		RemoteID:    remoteID,
		Synced:      true,
	})
	if err != nil {
		return "", false, err
	}
	return bk.ID, true, nil
}

func (e *Engine) haveFile(id string) bool {
	bk, err := e.store.Get(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(e.libraryDir, filepath.Base(bk.FileName)))
	if err == nil && bk.LocalFileURI == "" {
		_, _ = e.store.SetLocalFile(id, filepath.Join(e.libraryDir, filepath.Base(bk.FileName)))
	}
	return err == nil
}

// Suspend fires a final progress push for every uploaded book that needs
// sync and returns without waiting. Each push makes a single attempt under
// its own timeout; use Wait to block until they finish.
func (e *Engine) Suspend() {
	if e.Paused() {
		return
	}
	books, err := e.store.NeedsSync(e.store.Now())
	if err != nil {
		e.logger.Warn("suspend: list books", slog.Any("error", err))
		return
	}
	for _, bk := range books {
		if bk.IsLocalOnly() {
			continue
		}
		id := bk.ID
		e.bg.Add(1)
		go func() {
			defer e.bg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), suspendTimeout)
			defer cancel()
			if err := e.pushProgress(ctx, id, 0); err != nil {
				e.logger.Debug("suspend push failed", slog.String("id", id), slog.Any("error", err))
			}
		}()
	}
}
