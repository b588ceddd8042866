package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// LockFileName is created inside the data directory while a process owns it
const LockFileName = ".elicit.lock"

// ErrDataDirLocked means another live process owns the data directory
var ErrDataDirLocked = errors.New("data directory locked")

// LockOwner is the lock file body. The quota state file and the in-memory
// session registry assume one owning process per data directory.
type LockOwner struct {
	Holder    string    `json:"holder"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
}

func (o LockOwner) String() string {
	return fmt.Sprintf("%s (PID %d on %s, since %s)", o.Holder, o.PID, o.Hostname, o.StartedAt.Format(time.RFC3339))
}

// DataLock is a held claim on a data directory
type DataLock struct {
	Path  string
	Owner LockOwner
}

// LockDataDir claims dataDir for this process, creating the directory if
// needed. The lock file is created exclusively, so two processes starting
// together cannot both win. A lock whose owner is gone is replaced once.
// A lock already held by this process is returned as is.
func LockDataDir(dataDir, holder string) (*DataLock, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to get hostname: %w", err)
	}

	lock := &DataLock{
		Path:  filepath.Join(dataDir, LockFileName),
		Owner: LockOwner{Holder: holder, PID: os.Getpid(), Hostname: hostname, StartedAt: time.Now().UTC()},
	}

	for attempt := 0; attempt < 2; attempt++ {
		created, err := lock.create()
		if err != nil {
			return nil, err
		}
		if created {
			return lock, nil
		}

		current, err := readLockOwner(lock.Path)
		switch {
		case err != nil:
			// Unreadable or half-written lock: treat as abandoned
		case current.PID == lock.Owner.PID && strings.EqualFold(current.Hostname, hostname):
			lock.Owner = current
			return lock, nil
		case ownerAlive(current, hostname):
			return nil, fmt.Errorf("%w: %s is in use by %s", ErrDataDirLocked, dataDir, current)
		}

		if err := os.Remove(lock.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale lock: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: %s was claimed while replacing a stale lock", ErrDataDirLocked, dataDir)
}

// create writes the lock file if none exists. It reports false when the
// file is already there.
func (l *DataLock) create() (bool, error) {
	f, err := os.OpenFile(l.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(l.Owner); err != nil {
		_ = os.Remove(l.Path)
		return false, fmt.Errorf("failed to write lock file: %w", err)
	}
	return true, nil
}

// Release removes the lock file if this process still owns it. Safe to
// call more than once.
func (l *DataLock) Release() error {
	if l == nil {
		return nil
	}
	current, err := readLockOwner(l.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil && current.PID != l.Owner.PID {
		return nil
	}
	if err := os.Remove(l.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func readLockOwner(path string) (LockOwner, error) {
	var owner LockOwner
	data, err := os.ReadFile(path)
	if err != nil {
		return owner, err
	}
	if err := json.Unmarshal(data, &owner); err != nil {
		return owner, fmt.Errorf("corrupt lock file: %w", err)
	}
	if owner.PID <= 0 {
		return owner, fmt.Errorf("corrupt lock file: pid %d", owner.PID)
	}
	return owner, nil
}

// ownerAlive reports whether the lock's process still runs. Owners on
// other hosts cannot be checked and count as alive.
func ownerAlive(owner LockOwner, localHost string) bool {
	if !strings.EqualFold(owner.Hostname, localHost) {
		return true
	}
	proc, err := os.FindProcess(owner.PID)
	if err != nil {
		return false
	}
	switch err := proc.Signal(syscall.Signal(0)); {
	case err == nil, errors.Is(err, syscall.EPERM):
		return true
	default:
		return false
	}
}
