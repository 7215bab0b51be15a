package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"github.com/banux/shelfsync/internal/apiclient"
	"github.com/banux/shelfsync/internal/backend/fs"
	"github.com/banux/shelfsync/internal/backend/sqlite"
	"github.com/banux/shelfsync/internal/catalog"
	"github.com/banux/shelfsync/internal/config"
	"github.com/banux/shelfsync/internal/controller"
	"github.com/banux/shelfsync/internal/epub"
	"github.com/banux/shelfsync/internal/library"
	"github.com/banux/shelfsync/internal/session"
	"github.com/banux/shelfsync/internal/syncengine"
)

// app is one process's handle on a library directory.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	lock   *flock.Flock
	store  *library.Store
	engine *syncengine.Engine
	ctl    *controller.Controller
}

// newBackend opens the local index selected by cfg.Backend.
func newBackend(cfg config.Config) (catalog.Backend, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "sqlite":
		return sqlite.New(cfg.DatabasePath())
	case "fs":
		return fs.New(cfg.LibraryDir)
	default:
		return nil, fmt.Errorf("unknown backend %q (want sqlite or fs)", cfg.Backend)
	}
}

// tokenPath returns where the bearer token is stored.
func tokenPath(cfg config.Config) string {
	if cfg.TokenFile != "" {
		return cfg.TokenFile
	}
	return filepath.Join(cfg.LibraryDir, ".token")
}

// openApp locks the library directory and wires every component. Only one
// process may hold a library at a time.
func openApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.LibraryDir, 0755); err != nil {
		return nil, fmt.Errorf("create library dir: %w", err)
	}
	lock := flock.New(cfg.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("library %s is in use by another shelfsync process", cfg.LibraryDir)
	}

	a, err := wire(cfg, logger, lock)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return a, nil
}

func wire(cfg config.Config, logger *slog.Logger, lock *flock.Flock) (*app, error) {
	backend, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	sess, err := session.LoadFile(tokenPath(cfg))
	if err != nil {
		if c, ok := backend.(catalog.Closer); ok {
			_ = c.Close()
		}
		return nil, err
	}

	store := library.New(backend, library.WithLogger(logger))
	client := apiclient.New(cfg.APIBaseURL, sess,
		apiclient.WithTimeout(cfg.RequestTimeout),
		apiclient.WithLogger(logger),
	)
	engine := syncengine.New(store, client, sess, cfg.LibraryDir,
		syncengine.WithWorkers(cfg.Workers),
		syncengine.WithLogger(logger),
	)
	extractor := epub.NewExtractor(cfg.ExtractDir, logger)
	ctl := controller.New(store, engine, extractor, sess, cfg.LibraryDir, controller.WithLogger(logger))

	return &app{
		cfg:    cfg,
		logger: logger,
		lock:   lock,
		store:  store,
		engine: engine,
		ctl:    ctl,
	}, nil
}

// Close releases extraction directories, the index, and the lock.
func (a *app) Close() error {
	err := a.ctl.Close()
	return errors.Join(err, a.lock.Unlock())
}

// resolveID accepts a full local ID, a remote ID, or a unique local ID prefix.
func (a *app) resolveID(arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", errors.New("empty book id")
	}
	if bk, err := a.store.Get(arg); err == nil {
		return bk.ID, nil
	}
	if bk, err := a.store.ByRemoteID(arg); err == nil {
		return bk.ID, nil
	}
	books, err := a.store.All()
	if err != nil {
		return "", err
	}
	var matches []string
	for _, bk := range books {
		if strings.HasPrefix(bk.ID, arg) {
			matches = append(matches, bk.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%q: %w", arg, catalog.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q matches %d books; use a longer id", arg, len(matches))
	}
}
