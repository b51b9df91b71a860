package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirMakeCleanup(t *testing.T) {
	t.Parallel()

	var d Dir
	require.NoError(t, d.Make(t.TempDir(), "chromedriver-*"))
	require.DirExists(t, d.Dir)

	require.NoError(t, os.WriteFile(filepath.Join(d.Dir, "chromedriver.log"), []byte("x"), 0o600))

	require.NoError(t, d.Cleanup())
	assert.NoDirExists(t, d.Dir)

	// a second cleanup is a no-op
	assert.NoError(t, d.Cleanup())
}

func TestDirCleanupWithoutMake(t *testing.T) {
	t.Parallel()

	var d *Dir
	assert.NoError(t, d.Cleanup())
	assert.NoError(t, (&Dir{Dir: t.TempDir()}).Cleanup())
}
