package pushdaemon_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-daemon/pushdaemon"
)

func TestLogFile_Reopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "push.log")

	lf, err := pushdaemon.OpenLogFile(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lf.Close() })

	_, err = lf.Write([]byte("before\n"))
	require.NoError(t, err)

	// Rotate the file away, as logrotate would.
	rotated := filepath.Join(dir, "push.log.1")
	require.NoError(t, os.Rename(path, rotated))

	_, err = lf.Write([]byte("still old\n"))
	require.NoError(t, err)

	require.NoError(t, lf.Reopen())
	_, err = lf.Write([]byte("after\n"))
	require.NoError(t, err)

	old, err := os.ReadFile(rotated)
	require.NoError(t, err)
	assert.Equal(t, "before\nstill old\n", string(old))

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "after\n", string(current))
}

func TestOpenLogFile_BadPath(t *testing.T) {
	_, err := pushdaemon.OpenLogFile(filepath.Join(t.TempDir(), "missing", "push.log"))
	assert.Error(t, err)
}
