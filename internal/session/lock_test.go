package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLockExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", LockFileName)

	l, err := AcquireLock(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), l.Info().PID)
	assert.False(t, l.Info().AcquiredAt.IsZero())

	_, err = AcquireLock(path)
	assert.True(t, errors.Is(err, ErrLocked))
	assert.True(t, errdefs.IsAlreadyExists(err))

	require.NoError(t, l.Release())
	require.NoError(t, l.Release())

	l2, err := AcquireLock(path)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestReadLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), LockFileName)

	_, held, err := ReadLock(path)
	require.NoError(t, err)
	assert.False(t, held)

	l, err := AcquireLock(path)
	require.NoError(t, err)
	require.NoError(t, l.SetVMPID(context.Background(), 31337))

	info, held, err := ReadLock(path)
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, 31337, info.VMPID)

	require.NoError(t, l.Release())
	info, held, err = ReadLock(path)
	require.NoError(t, err)
	assert.False(t, held)
	assert.Zero(t, info.PID)
}

func TestReadLockLeftoverMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), LockFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"pid":12,"vm_pid":34,"acquired_at":"2026-01-01T00:00:00Z"}`), 0600))

	info, held, err := ReadLock(path)
	require.NoError(t, err)
	assert.False(t, held)
	assert.Equal(t, 34, info.VMPID)
}

func TestNilLock(t *testing.T) {
	var l *Lock
	assert.NoError(t, l.Release())
	assert.NoError(t, l.SetVMPID(context.Background(), 1))
}

func TestSetVMPIDRecordsStartTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), LockFileName)
	l, err := AcquireLock(path)
	require.NoError(t, err)
	defer l.Release()

	require.NoError(t, l.SetVMPID(context.Background(), os.Getpid()))
	info, _, err := ReadLock(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.VMPID)
	assert.Equal(t, ProcessStartTime(context.Background(), os.Getpid()), info.VMStartedAt)
	assert.NotZero(t, info.VMStartedAt)
}
