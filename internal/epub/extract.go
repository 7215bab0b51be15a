package epub

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/banux/shelfsync/internal/catalog"
	"github.com/banux/shelfsync/internal/logging"
)

const containerPath = "META-INF/container.xml"

// Extractor unpacks EPUB archives into ephemeral directories and builds
// chapter manifests from them. Every directory it creates is tracked until
// Release or Close removes it.
type Extractor struct {
	root   string
	logger *slog.Logger

	mu   sync.Mutex
	dirs map[string]struct{}
}

// NewExtractor returns an Extractor that unpacks under root. An empty root
// means the OS temp directory.
func NewExtractor(root string, logger *slog.Logger) *Extractor {
	if root == "" {
		root = filepath.Join(os.TempDir(), "shelfsync-epub")
	}
	return &Extractor{
		root:   root,
		logger: logging.OrDefault(logger),
		dirs:   make(map[string]struct{}),
	}
}

// PrepareChapters unpacks the archive at archivePath and returns its reading
// order. The returned manifest owns an extraction directory; call Release
// when done with it. Calling PrepareChapters again on the same archive yields
// the same order in a new directory.
func (x *Extractor) PrepareChapters(ctx context.Context, archivePath string) (*catalog.ChapterManifest, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, newError(KindAccessDenied, archivePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, newError(KindAccessDenied, archivePath, err)
	}
	if info.IsDir() {
		return nil, newError(KindAccessDenied, archivePath, errors.New("is a directory"))
	}

	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return nil, newError(KindCorrupt, archivePath, err)
	}

	dir, err := x.newDir()
	if err != nil {
		return nil, fmt.Errorf("create extraction dir: %w", err)
	}

	if err := x.unzip(ctx, zr, dir); err != nil {
		x.remove(dir)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newError(KindCorrupt, archivePath, err)
	}

	m, err := x.buildManifest(dir)
	if err != nil {
		x.remove(dir)
		var epubErr *Error
		if errors.As(err, &epubErr) && epubErr.Path == "" {
			epubErr.Path = archivePath
		}
		return nil, err
	}

	x.logger.Debug("epub chapters prepared",
		slog.String("archive", archivePath),
		slog.String("dir", dir),
		slog.Int("chapters", m.Len()),
	)
	return m, nil
}

// Release removes the extraction directory owned by m.
func (x *Extractor) Release(m *catalog.ChapterManifest) error {
	if m == nil || m.Dir == "" {
		return nil
	}
	x.mu.Lock()
	_, tracked := x.dirs[m.Dir]
	delete(x.dirs, m.Dir)
	x.mu.Unlock()
	if !tracked {
		return nil
	}
	if err := os.RemoveAll(m.Dir); err != nil {
		return fmt.Errorf("remove extraction dir %q: %w", m.Dir, err)
	}
	return nil
}

// Close removes every extraction directory not yet released.
func (x *Extractor) Close() error {
	x.mu.Lock()
	dirs := make([]string, 0, len(x.dirs))
	for d := range x.dirs {
		dirs = append(dirs, d)
	}
	x.dirs = make(map[string]struct{})
	x.mu.Unlock()

	var errs []error
	for _, d := range dirs {
		if err := os.RemoveAll(d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Outstanding returns the number of extraction directories not yet released.
func (x *Extractor) Outstanding() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.dirs)
}

func (x *Extractor) newDir() (string, error) {
	if err := os.MkdirAll(x.root, 0755); err != nil {
		return "", err
	}
	dir := filepath.Join(x.root, "epub-"+uuid.NewString())
	if err := os.Mkdir(dir, 0755); err != nil {
		return "", err
	}
	x.mu.Lock()
	x.dirs[dir] = struct{}{}
	x.mu.Unlock()
	return dir, nil
}

func (x *Extractor) remove(dir string) {
	x.mu.Lock()
	delete(x.dirs, dir)
	x.mu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		x.logger.Warn("remove extraction dir", slog.String("dir", dir), slog.Any("error", err))
	}
}

// unzip writes every archive entry below dir. Entries whose names would
// land outside dir are skipped.
func (x *Extractor) unzip(ctx context.Context, zr *zip.Reader, dir string) error {
	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := path.Clean(strings.ReplaceAll(zf.Name, "\\", "/"))
		if name == "." || name == ".." || strings.HasPrefix(name, "../") || strings.HasPrefix(name, "/") {
			x.logger.Warn("skipping unsafe archive entry", slog.String("entry", zf.Name))
			continue
		}
		dest := filepath.Join(dir, filepath.FromSlash(name))

		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
		if err := writeEntry(zf, dest); err != nil {
			return fmt.Errorf("extract %q: %w", zf.Name, err)
		}
	}
	return nil
}

func writeEntry(zf *zip.File, dest string) error {
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// buildManifest walks container.xml -> OPF -> spine inside an extracted
// archive and returns absolute chapter paths with display titles.
func (x *Extractor) buildManifest(dir string) (*catalog.ChapterManifest, error) {
	cf, err := os.Open(filepath.Join(dir, filepath.FromSlash(containerPath)))
	if err != nil {
		return nil, newError(KindMissingContainer, "", err)
	}
	fullPath, ok := rootfilePath(NewScanner(cf))
	cf.Close()
	if !ok {
		return nil, newError(KindMissingContainer, "", errors.New("no full-path attribute"))
	}

	opfRel, ok := resolveHref("", fullPath)
	if !ok {
		return nil, newError(KindMissingOPF, "", fmt.Errorf("invalid rootfile path %q", fullPath))
	}
	of, err := os.Open(filepath.Join(dir, filepath.FromSlash(opfRel)))
	if err != nil {
		return nil, newError(KindMissingOPF, "", err)
	}
	doc := readPackage(NewScanner(of))
	of.Close()

	if len(doc.spine) == 0 {
		return nil, newError(KindNoSpineItems, "", errors.New("spine is empty"))
	}
	order := readingOrder(doc, path.Dir(opfRel))
	if len(order) == 0 {
		return nil, newError(KindNoSpineItems, "", errors.New("no spine item matches the manifest"))
	}

	m := &catalog.ChapterManifest{Dir: dir}
	for _, rel := range order {
		abs := filepath.Join(dir, filepath.FromSlash(rel))
		f, err := os.Open(abs)
		if err != nil {
			x.logger.Warn("skipping unreadable chapter",
				slog.String("chapter", rel),
				slog.Any("error", err),
			)
			continue
		}
		title := chapterTitle(NewScanner(f))
		f.Close()
		if title == "" {
			title = fmt.Sprintf("Chapter %d", len(m.Paths)+1)
		}
		m.Paths = append(m.Paths, abs)
		m.Titles = append(m.Titles, title)
	}
	if len(m.Paths) == 0 {
		return nil, newError(KindNoSpineItems, "", errors.New("every chapter file is missing"))
	}
	return m, nil
}
