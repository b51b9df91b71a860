package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFilePersister(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		path     string
		existing string
		data     string
		perm     os.FileMode
		wantPerm os.FileMode
	}{
		{
			name:     "new_file",
			path:     "vu-1-4242.log",
			data:     "[1.000][INFO]: Starting ChromeDriver",
			wantPerm: 0o600,
		},
		{
			name:     "creates_dirs",
			path:     "logs/run-1/vu-1-4242.log",
			data:     "[1.000][INFO]: Starting ChromeDriver",
			wantPerm: 0o600,
		},
		{
			name:     "replaces_existing",
			path:     "vu-1-4242.log",
			existing: "an older and longer driver log",
			data:     "newer log",
			wantPerm: 0o600,
		},
		{
			name:     "custom_perm",
			path:     "vu-2-4243.log",
			data:     "log",
			perm:     0o644,
			wantPerm: 0o644,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := filepath.Join(t.TempDir(), tt.path)
			if tt.existing != "" {
				require.NoError(t, os.WriteFile(p, []byte(tt.existing), 0o600))
			}

			l := &LocalFilePersister{Perm: tt.perm}
			require.NoError(t, l.Persist(context.Background(), p, strings.NewReader(tt.data)))

			bb, err := os.ReadFile(p)
			require.NoError(t, err)
			assert.Equal(t, tt.data, string(bb))

			i, err := os.Stat(p)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPerm, i.Mode().Perm())

			// no temporary files left next to the log
			entries, err := os.ReadDir(filepath.Dir(p))
			require.NoError(t, err)
			assert.Len(t, entries, 1)
		})
	}
}

func TestLocalFilePersisterFailedCopy(t *testing.T) {
	t.Parallel()

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	errGone := errors.New("log went away")

	tests := []struct {
		name    string
		ctx     context.Context //nolint:containedctx
		data    io.Reader
		wantErr error
	}{
		{name: "canceled", ctx: canceled, data: strings.NewReader("newer log"), wantErr: context.Canceled},
		{name: "read_error", ctx: context.Background(), data: iotest.ErrReader(errGone), wantErr: errGone},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			p := filepath.Join(dir, "vu-1-4242.log")
			require.NoError(t, os.WriteFile(p, []byte("older log"), 0o600))

			var l LocalFilePersister
			require.ErrorIs(t, l.Persist(tt.ctx, p, tt.data), tt.wantErr)

			// the older log is kept and nothing else is left behind
			bb, err := os.ReadFile(p)
			require.NoError(t, err)
			assert.Equal(t, "older log", string(bb))

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Len(t, entries, 1)
		})
	}
}

func TestPersistFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "scratch", "chromedriver.log")
	dst := filepath.Join(dir, "logs", "vu-1-4242.log")
	var l LocalFilePersister

	// nothing to keep yet
	require.NoError(t, PersistFile(context.Background(), &l, dst, src))
	assert.NoFileExists(t, dst)

	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
	require.NoError(t, os.WriteFile(src, []byte("[1.000][INFO]: Starting ChromeDriver\n"), 0o600))

	require.NoError(t, PersistFile(context.Background(), &l, dst, src))
	bb, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "[1.000][INFO]: Starting ChromeDriver\n", string(bb))
}
