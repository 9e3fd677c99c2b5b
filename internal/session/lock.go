package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned when another process holds the instance lock.
var ErrLocked = fmt.Errorf("another diskbox instance is mounting: %w", ErrAlreadyMounted)

// LockInfo is the metadata stored in the lock file.
type LockInfo struct {
	PID         int       `json:"pid" yaml:"pid"`
	VMPID       int       `json:"vm_pid,omitempty" yaml:"vm_pid,omitempty"`
	// VMStartedAt is the VM process creation time in ms, telling a
	// recycled pid apart from the VM.
	VMStartedAt int64     `json:"vm_started_at,omitempty" yaml:"vm_started_at,omitempty"`
	AcquiredAt  time.Time `json:"acquired_at" yaml:"acquired_at"`
}

// Lock is the instance lease. The flock is held for as long as the file
// stays open, so a crashed holder releases it implicitly.
type Lock struct {
	file *os.File
	path string
	info LockInfo
}

// AcquireLock takes the lock at path without blocking.
func AcquireLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	l := &Lock{
		file: f,
		path: path,
		info: LockInfo{PID: os.Getpid(), AcquiredAt: time.Now().UTC()},
	}
	if err := writeLockInfo(f, l.info); err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		return nil, fmt.Errorf("write lock metadata: %w", err)
	}
	return l, nil
}

// Info returns the metadata written by this holder.
func (l *Lock) Info() LockInfo {
	return l.info
}

// SetVMPID records the VM process and its start time so a later stop can
// find it even if this process dies before a session is written.
func (l *Lock) SetVMPID(ctx context.Context, pid int) error {
	if l == nil || l.file == nil {
		return nil
	}
	l.info.VMPID = pid
	l.info.VMStartedAt = 0
	if pid > 0 {
		l.info.VMStartedAt = ProcessStartTime(ctx, pid)
	}
	return writeLockInfo(l.file, l.info)
}

// Release clears the metadata and drops the lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = l.file.Truncate(0)
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadLock reports whether the lock at path is held and what its holder
// wrote. Metadata left behind by a holder that died is returned with
// held=false.
func ReadLock(path string) (info LockInfo, held bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return LockInfo{}, false, nil
		}
		return LockInfo{}, false, fmt.Errorf("open lock file: %w", err)
	}
	defer f.Close()

	switch err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); {
	case err == nil:
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	case errors.Is(err, unix.EWOULDBLOCK):
		held = true
	default:
		return LockInfo{}, false, fmt.Errorf("flock %s: %w", path, err)
	}
	return readLockInfo(f), held, nil
}

func readLockInfo(f *os.File) LockInfo {
	if _, err := f.Seek(0, 0); err != nil {
		return LockInfo{}
	}
	var info LockInfo
	if err := json.NewDecoder(f).Decode(&info); err != nil {
		return LockInfo{}
	}
	return info
}

func writeLockInfo(f *os.File, info LockInfo) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	return json.NewEncoder(f).Encode(info)
}
