// ABOUTME: Tests for per-instance credential directories
// ABOUTME: Covers purge keeping the directory, full removal and id validation

package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentials_PurgeKeepsDirectory(t *testing.T) {
	creds, err := NewCredentials(t.TempDir())
	require.NoError(t, err)

	dir, err := creds.Ensure("tenant-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, CredentialsFile), []byte(`{}`), 0600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "crypto"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "crypto", "store.db"), []byte("x"), 0600))
	assert.True(t, creds.Exists("tenant-1"))

	require.NoError(t, creds.Purge("tenant-1"))

	assert.False(t, creds.Exists("tenant-1"))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCredentials_PurgeMissingIsNoop(t *testing.T) {
	creds, err := NewCredentials(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, creds.Purge("never-created"))
}

func TestCredentials_Remove(t *testing.T) {
	creds, err := NewCredentials(t.TempDir())
	require.NoError(t, err)

	dir, err := creds.Ensure("tenant-1")
	require.NoError(t, err)
	require.NoError(t, creds.Remove("tenant-1"))

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, creds.Remove("tenant-1"), "removing twice is fine")
}

func TestCredentials_RejectsTraversal(t *testing.T) {
	creds, err := NewCredentials(t.TempDir())
	require.NoError(t, err)

	_, err = creds.Dir("../../etc")
	assert.ErrorIs(t, err, ErrInvalidID)
	assert.ErrorIs(t, creds.Remove(".."), ErrInvalidID)
}
