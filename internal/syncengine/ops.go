package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/banux/shelfsync/internal/apiclient"
	"github.com/banux/shelfsync/internal/catalog"
)

// localPath returns where the book's file lives, or would live once
// downloaded.
func (e *Engine) localPath(bk *catalog.Book) string {
	if bk.LocalFileURI != "" {
		return bk.LocalFileURI
	}
	return filepath.Join(e.libraryDir, filepath.Base(bk.FileName))
}

// Upload sends a local-only book to the catalog and records the remote id.
// Books that already have a remote id are left alone. Transient failures are
// logged and swallowed so the next flush retries; Unauthorized is returned
// and pauses sync until the session is restored.
func (e *Engine) Upload(ctx context.Context, id string) error {
	bk, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if !bk.IsLocalOnly() {
		return nil
	}
	if bk.Format != catalog.FormatPDF && bk.Format != catalog.FormatEPUB {
		return fmt.Errorf("upload %q: %w", bk.FileName, ErrUnsupportedFormat)
	}
	path := e.localPath(bk)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("upload %q: %w", bk.FileName, ErrNoLocalFile)
	}
	if info.Size() > MaxUploadSize {
		return fmt.Errorf("upload %q (%d bytes): %w", bk.FileName, info.Size(), ErrTooLarge)
	}

	if !e.begin(id, catalog.TaskUpload) {
		return nil
	}
	defer e.finish(id, catalog.TaskUpload)

	updated, err := e.upload(ctx, id, path)
	if err != nil || updated == nil {
		return err
	}

	// Progress made before the upload is not part of the upload request.
	if updated.CurrentPage > 0 {
		if err := e.pushProgress(ctx, id, 0); err != nil {
			e.logger.Debug("post-upload progress push failed", slog.String("id", id), slog.Any("error", err))
		}
	}
	return nil
}

// upload sends the file and records the new remote id. It holds the delete
// barrier so Reconcile never sees the remote record before the local book
// carries its id. A nil book means there is nothing left to do.
func (e *Engine) upload(ctx context.Context, id, path string) (*catalog.Book, error) {
	e.barrier.RLock()
	defer e.barrier.RUnlock()

	// Another upload may have finished, or the book been deleted, while we
	// waited for the task slot.
	bk, err := e.store.Get(id)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !bk.IsLocalOnly() {
		return nil, nil
	}
	if _, err := e.store.SetSyncState(id, catalog.SyncPendingUpload); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("upload %q: %w", bk.FileName, err)
	}
	defer f.Close()

	rb, err := e.remote.UploadBook(ctx, apiclient.Upload{
		FileName:   bk.FileName,
		Title:      bk.Title,
		Author:     bk.Author,
		TotalPages: bk.TotalPages,
		Content:    f,
	})
	if err != nil {
		_, _ = e.store.SetSyncState(id, catalog.SyncNotSynced)
		return nil, e.swallowTransient("upload", bk, err)
	}
	remoteID := rb.ID.String()

	now := e.store.Now()
	updated, err := e.store.Update(id, func(b *catalog.Book) error {
		if err := b.AssignRemoteID(remoteID); err != nil {
			return err
		}
		b.MarkSynced(now)
		return nil
	})
	if errors.Is(err, catalog.ErrNotFound) {
		// Deleted while the request was in flight: drop the copy we just created.
		e.rememberDeleted(remoteID)
		if derr := e.remote.DeleteBook(ctx, remoteID); derr != nil && !errors.Is(derr, apiclient.ErrNotFound) {
			e.logger.Warn("remote delete of book removed during upload failed",
				slog.String("id", id),
				slog.String("remote_id", remoteID),
				slog.Any("error", derr),
			)
		}
		e.logger.Info("book deleted during upload", slog.String("id", id), slog.String("remote_id", remoteID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("record upload of %q: %w", bk.FileName, err)
	}
	e.logger.Info("book uploaded",
		slog.String("id", id),
		slog.String("remote_id", updated.RemoteID),
		slog.String("file", updated.FileName),
	)
	return updated, nil
}

// swallowTransient logs err and drops it when a later flush may succeed.
func (e *Engine) swallowTransient(op string, bk *catalog.Book, err error) error {
	if apiclient.IsTransient(err) {
		e.logger.Warn(op+" failed; will retry on next flush",
			slog.String("id", bk.ID),
			slog.String("file", bk.FileName),
			slog.Any("error", err),
		)
		return nil
	}
	if apiclient.IsUnauthorized(err) {
		e.logger.Warn(op+" rejected; sync paused until re-authentication", slog.String("id", bk.ID))
	}
	return fmt.Errorf("%s %q: %w", op, bk.FileName, err)
}

// DownloadIfMissing fetches the book's file when nothing exists locally
// under its file name. The file is written to a temp file and renamed into
// place, so a partial download never appears under the final name.
func (e *Engine) DownloadIfMissing(ctx context.Context, id string) error {
	bk, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if bk.RemoteID == "" {
		return fmt.Errorf("download %q: %w", bk.FileName, ErrNotRemote)
	}
	dest := filepath.Join(e.libraryDir, filepath.Base(bk.FileName))
	if _, err := os.Stat(dest); err == nil {
		if bk.LocalFileURI == "" {
			_, err = e.store.SetLocalFile(id, dest)
		}
		return err
	}

	if !e.begin(id, catalog.TaskDownload) {
		return nil
	}
	defer e.finish(id, catalog.TaskDownload)

	u, err := e.remote.DownloadURL(ctx, bk.RemoteID)
	if err != nil {
		return fmt.Errorf("download %q: %w", bk.FileName, err)
	}

	if err := os.MkdirAll(e.libraryDir, 0755); err != nil {
		return fmt.Errorf("create library dir: %w", err)
	}
	tmp, err := os.CreateTemp(e.libraryDir, ".download-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	n, err := e.remote.Fetch(ctx, u, tmp)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("download %q: %w", bk.FileName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("rename download: %w", err)
	}

	if _, err := e.store.SetLocalFile(id, dest); err != nil {
		return err
	}
	e.logger.Info("book downloaded",
		slog.String("id", id),
		slog.String("file", dest),
		slog.Int64("bytes", n),
	)
	return nil
}

// PushProgress sends the current page and status. Transient failures are
// retried after each delay of the backoff schedule; other failures such as
// NotFound or DecodingFailed are not retried. Once it gives up the book
// returns to the needs-sync set and no error is reported. Unauthorized
// stops retrying at once and is returned.
func (e *Engine) PushProgress(ctx context.Context, id string) error {
	return e.pushProgress(ctx, id, len(e.backoff))
}

func (e *Engine) pushProgress(ctx context.Context, id string, retries int) error {
	if !e.begin(id, catalog.TaskProgressUpdate) {
		return nil
	}
	defer e.finish(id, catalog.TaskProgressUpdate)

	var lastErr error
	for attempt := 0; ; attempt++ {
		// Re-read so a retry carries the latest page.
		bk, err := e.store.Get(id)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				return nil
			}
			return err
		}
		if bk.RemoteID == "" {
			return nil
		}

		_, err = e.remote.UpdateProgress(ctx, bk.RemoteID, bk.CurrentPage, bk.Status.RemoteStatus())
		if err == nil {
			_, err = e.store.Update(id, func(b *catalog.Book) error {
				// Only a push of the current page counts as synced.
				if b.CurrentPage == bk.CurrentPage {
					b.MarkSynced(e.store.Now())
				}
				return nil
			})
			return err
		}
		lastErr = err

		if apiclient.IsUnauthorized(err) || ctx.Err() != nil {
			e.markDirty(id)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("push progress %q: %w", bk.FileName, err)
		}
		if !apiclient.IsTransient(err) || attempt >= retries || attempt >= len(e.backoff) {
			break
		}

		delay := e.backoff[attempt]
		e.retrying(id, catalog.TaskProgressUpdate, attempt+1, e.store.Now().Add(delay))
		e.logger.Debug("progress push failed; retrying",
			slog.String("id", id),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		if err := e.sleep(ctx, delay); err != nil {
			e.markDirty(id)
			return err
		}
	}

	e.markDirty(id)
	e.logger.Warn("progress push gave up; will retry on next flush",
		slog.String("id", id),
		slog.Any("error", lastErr),
	)
	return nil
}

// markDirty clears the sync stamp so the book re-enters the needs-sync set.
func (e *Engine) markDirty(id string) {
	if _, err := e.store.ClearSynced(id, catalog.SyncPendingProgress); err != nil && !errors.Is(err, catalog.ErrNotFound) {
		e.logger.Warn("mark book dirty", slog.String("id", id), slog.Any("error", err))
	}
}

// Delete removes the book locally and, best effort, remotely. A remote
// failure is logged and not retried. The remote id is remembered so that a
// later Reconcile in this session does not resurrect the book.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.barrier.RLock()
	defer e.barrier.RUnlock()

	bk, err := e.store.Get(id)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !e.begin(id, catalog.TaskDelete) {
		return nil
	}
	defer e.finish(id, catalog.TaskDelete)

	_, _ = e.store.SetSyncState(id, catalog.SyncPendingDelete)

	if bk.RemoteID != "" {
		e.rememberDeleted(bk.RemoteID)
		if err := e.remote.DeleteBook(ctx, bk.RemoteID); err != nil && !errors.Is(err, apiclient.ErrNotFound) {
			e.logger.Warn("remote delete failed; removing locally anyway",
				slog.String("id", id),
				slog.String("remote_id", bk.RemoteID),
				slog.Any("error", err),
			)
		}
	}

	path := e.localPath(bk)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.logger.Warn("remove book file", slog.String("path", path), slog.Any("error", err))
	}
	if err := e.store.Delete(id); err != nil {
		return fmt.Errorf("delete book %q: %w", id, err)
	}
	e.logger.Info("book deleted", slog.String("id", id), slog.String("file", bk.FileName))
	return nil
}
