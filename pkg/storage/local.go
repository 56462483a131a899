package storage

import (
	"context"
	"crypto/md5" //nolint:gosec // MD5 is the catalog's content checksum, not a security primitive
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds parallel copies when none is configured.
const DefaultConcurrency = 4

// ErrChecksumMismatch is returned when a copied file does not hash to the
// expected MD5.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// LocalConfig configures a LocalTransport.
type LocalConfig struct {
	// Destination is the storage box root directory.
	Destination string

	// Concurrency bounds parallel copies.
	Concurrency int

	Logger *slog.Logger
}

// LocalTransport copies files into a directory on a locally mounted
// storage box. Each file is written to a temporary name and renamed into
// place once its size and checksum verify.
type LocalTransport struct {
	cfg LocalConfig
}

// NewLocal creates a LocalTransport.
func NewLocal(cfg LocalConfig) (*LocalTransport, error) {
	if cfg.Destination == "" {
		return nil, errors.New("local transport: destination is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LocalTransport{cfg: cfg}, nil
}

// Name returns the transport name.
func (*LocalTransport) Name() string {
	return "local"
}

// Protocol returns the replica protocol.
func (*LocalTransport) Protocol() string {
	return "file"
}

// Close does nothing.
func (*LocalTransport) Close() error {
	return nil
}

// Transfer copies files from src into the destination, keeping their
// relative paths. Failures do not stop the remaining copies.
func (t *LocalTransport) Transfer(ctx context.Context, src string, files []File) error {
	if err := os.MkdirAll(t.cfg.Destination, 0o750); err != nil {
		return fmt.Errorf("creating destination %s: %w", t.cfg.Destination, err)
	}

	var (
		mu       sync.Mutex
		failures []FileFailure
	)
	fail := func(path string, err error) {
		mu.Lock()
		failures = append(failures, FileFailure{Path: path, Err: err})
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.Concurrency)
	for _, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				fail(f.Path, err)
				return nil
			}
			if err := t.copyFile(gctx, src, f); err != nil {
				t.cfg.Logger.Warn("file transfer failed", "transport", t.Name(), "path", f.Path, "error", err)
				fail(f.Path, err)
				return nil
			}
			t.cfg.Logger.Debug("file transferred", "transport", t.Name(), "path", f.Path)
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) == 0 {
		return nil
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].Path < failures[j].Path })
	return &TransferError{Transport: t.Name(), Failures: failures}
}

func (t *LocalTransport) copyFile(ctx context.Context, src string, f File) error {
	rel, err := localPath(f.Path)
	if err != nil {
		return err
	}
	in, err := os.Open(filepath.Join(src, rel)) //nolint:gosec // path is validated by localPath
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer func() { _ = in.Close() }()

	dst := filepath.Join(t.cfg.Destination, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".partial-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	h := md5.New() //nolint:gosec // content checksum
	n, err := io.Copy(io.MultiWriter(tmp, h), &ctxReader{ctx: ctx, r: in})
	if err != nil {
		return fmt.Errorf("copying: %w", err)
	}
	if f.Size > 0 && n != f.Size {
		return fmt.Errorf("size mismatch: expected %d bytes, copied %d", f.Size, n)
	}
	if sum := hex.EncodeToString(h.Sum(nil)); f.MD5 != "" && !strings.EqualFold(sum, f.MD5) {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, f.MD5, sum)
	}
	if err := tmp.Chmod(0o640); err != nil {
		return fmt.Errorf("setting mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	committed = true
	return nil
}

// localPath converts a slash-separated relative path into an OS path that
// cannot escape its root.
func localPath(p string) (string, error) {
	rel := filepath.FromSlash(p)
	if p == "" || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("invalid relative path %q", p)
	}
	return rel, nil
}

// ctxReader stops a copy once its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Verify interface compliance.
var _ Transport = (*LocalTransport)(nil)
