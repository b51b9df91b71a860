// Package storage handles the files a driver process leaves behind: its
// scratch directory and the driver log.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// FilePersister keeps files that would otherwise go away with a driver
// process, such as its log.
type FilePersister interface {
	Persist(ctx context.Context, path string, data io.Reader) error
}

// LocalFilePersister keeps files on the local disk.
//
// A file is written next to its destination under a temporary name and
// renamed into place once complete, so a reader of the log directory never
// sees a partial log, and a failed copy leaves an older log untouched.
type LocalFilePersister struct {
	// Perm is the mode of persisted files. Zero means 0o600.
	Perm fs.FileMode
}

// Persist stores the contents of data at path, creating parent directories
// and replacing any existing file. Copying stops once ctx is done.
func (l *LocalFilePersister) Persist(ctx context.Context, path string, data io.Reader) (err error) {
	dst := filepath.Clean(path)
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating log directory %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*")
	if err != nil {
		return fmt.Errorf("creating temporary file for %q: %w", dst, err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	_, err = io.Copy(tmp, &ctxReader{ctx: ctx, r: data})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing %q: %w", dst, err)
	}

	perm := l.Perm
	if perm == 0 {
		perm = 0o600
	}
	if err = os.Chmod(tmp.Name(), perm); err != nil {
		return fmt.Errorf("setting mode of %q: %w", dst, err)
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("moving %q into place: %w", dst, err)
	}

	return nil
}

// PersistFile hands the file at src to p to be kept at dst. A missing src
// is not an error: a driver that never wrote its log has nothing to keep.
func PersistFile(ctx context.Context, p FilePersister, dst, src string) error {
	f, err := os.Open(filepath.Clean(src))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening %q: %w", src, err)
	}
	defer func() { _ = f.Close() }()

	return p.Persist(ctx, dst, f) //nolint:wrapcheck
}

// ctxReader stops reading once ctx is done.
type ctxReader struct {
	ctx context.Context //nolint:containedctx
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err //nolint:wrapcheck
	}
	return r.r.Read(p) //nolint:wrapcheck
}
