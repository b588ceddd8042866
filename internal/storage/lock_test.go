package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLock(t *testing.T, dir string, owner LockOwner) {
	t.Helper()
	data, err := json.Marshal(owner)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, LockFileName), data, 0644))
}

func localHost(t *testing.T) string {
	t.Helper()
	hostname, err := os.Hostname()
	require.NoError(t, err)
	return hostname
}

func TestLockDataDirAndRelease(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	lock, err := LockDataDir(dir, "elicit serve")
	require.NoError(t, err)
	assert.FileExists(t, lock.Path)
	assert.Equal(t, os.Getpid(), lock.Owner.PID)

	again, err := LockDataDir(dir, "elicit interview")
	require.NoError(t, err, "same process may reacquire")
	assert.Equal(t, "elicit serve", again.Owner.Holder)

	require.NoError(t, lock.Release())
	assert.NoFileExists(t, lock.Path)
	assert.NoError(t, lock.Release(), "release is idempotent")

	var nilLock *DataLock
	assert.NoError(t, nilLock.Release())
}

func TestLockHeldByLiveProcess(t *testing.T) {
	dir := t.TempDir()
	// The test binary's parent outlives the test
	writeLock(t, dir, LockOwner{Holder: "other", PID: os.Getppid(), Hostname: localHost(t), StartedAt: time.Now()})

	_, err := LockDataDir(dir, "test")
	require.ErrorIs(t, err, ErrDataDirLocked)
	assert.Contains(t, err.Error(), "in use by other")
}

func TestLockReplacesStaleOwner(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"dead pid", `{"holder":"dead","pid":4194304,"hostname":"` + localHost(t) + `"}`},
		{"corrupt", `{"holder":`},
		{"zero pid", `{"holder":"x","pid":0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, LockFileName), []byte(tt.body), 0644))

			lock, err := LockDataDir(dir, "test")
			require.NoError(t, err)

			owner, err := readLockOwner(lock.Path)
			require.NoError(t, err)
			assert.Equal(t, os.Getpid(), owner.PID)
			assert.Equal(t, "test", owner.Holder)
		})
	}
}

func TestLockRemoteOwnerAssumedLive(t *testing.T) {
	dir := t.TempDir()
	writeLock(t, dir, LockOwner{Holder: "remote", PID: 1, Hostname: "some-other-host.invalid", StartedAt: time.Now()})

	_, err := LockDataDir(dir, "test")
	assert.ErrorIs(t, err, ErrDataDirLocked)
}

func TestReleaseKeepsForeignLock(t *testing.T) {
	dir := t.TempDir()
	lock, err := LockDataDir(dir, "test")
	require.NoError(t, err)

	// Another process took the directory over after ours was presumed dead
	writeLock(t, dir, LockOwner{Holder: "successor", PID: os.Getppid(), Hostname: localHost(t), StartedAt: time.Now()})

	require.NoError(t, lock.Release())
	assert.FileExists(t, lock.Path, "a successor's lock is not ours to remove")
}
