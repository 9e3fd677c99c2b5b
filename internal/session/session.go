// Package session persists the record of the active mount and guards the
// instance lock.
//
// At most one MountSession exists at a time. It lives under a single key in
// a bbolt bucket and carries a token taken from the bucket sequence, so a
// supervisor only ever removes the record it created.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/spin-stack/diskbox/internal/boltstore"
	"github.com/spin-stack/diskbox/internal/ident"
)

const (
	// DBFileName is the session database inside the state directory.
	DBFileName = "sessions.db"
	// LockFileName is the instance lock inside the state directory.
	LockFileName = "diskbox.lock"

	bucketName = "sessions"
	currentKey = "current"
)

var (
	// ErrAlreadyMounted is returned when a session already exists.
	ErrAlreadyMounted = fmt.Errorf("a diskbox mount is already active: %w", errdefs.ErrAlreadyExists)

	// ErrNotMounted is returned when no session exists.
	ErrNotMounted = fmt.Errorf("nothing is mounted: %w", errdefs.ErrNotFound)

	// ErrTokenMismatch is returned by Remove when the stored session was
	// created by someone else.
	ErrTokenMismatch = fmt.Errorf("session belongs to another invocation: %w", errdefs.ErrFailedPrecondition)
)

// Session is the persisted record of an active mount.
type Session struct {
	ID       string `json:"id" yaml:"id"`
	Token    uint64 `json:"token" yaml:"token"`
	OwnerPID int    `json:"owner_pid" yaml:"owner_pid"`
	VMPID    int    `json:"vm_pid" yaml:"vm_pid"`
	// VMStartedAt is the VM process creation time in milliseconds since the
	// epoch. It guards against PID reuse.
	VMStartedAt int64      `json:"vm_started_at,omitempty" yaml:"vm_started_at,omitempty"`
	Plan        ident.Plan `json:"plan" yaml:"plan"`
	MountPoint  string     `json:"mount_point" yaml:"mount_point"`
	ExportPath  string     `json:"export_path" yaml:"export_path"`
	// Nested are host mount points below MountPoint, parent-first.
	Nested    []string  `json:"nested,omitempty" yaml:"nested,omitempty"`
	Action    string    `json:"action,omitempty" yaml:"action,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// MountPoints returns every host mount point, innermost first.
func (s *Session) MountPoints() []string {
	out := make([]string, 0, len(s.Nested)+1)
	for i := len(s.Nested) - 1; i >= 0; i-- {
		out = append(out, s.Nested[i])
	}
	return append(out, s.MountPoint)
}

// State summarizes what status reports.
type State string

const (
	StateNotMounted State = "not mounted"
	StateMounting   State = "mounting"
	StateMounted    State = "mounted"
	// StateStale is a session whose VM is gone. stop removes it.
	StateStale State = "stale"
)

// Status is the read-only view used by the status command.
type Status struct {
	State   State     `json:"state" yaml:"state"`
	Session *Session  `json:"session,omitempty" yaml:"session,omitempty"`
	Lock    *LockInfo `json:"lock,omitempty" yaml:"lock,omitempty"`
}

// AliveFunc reports whether pid is running and, when startedAt is non-zero,
// was started at that time.
type AliveFunc func(ctx context.Context, pid int, startedAt int64) bool

// Registry owns the session store and the lock path.
type Registry struct {
	store    boltstore.Store[Session]
	lockPath string
	alive    AliveFunc
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithAliveFunc replaces the process liveness check.
func WithAliveFunc(fn AliveFunc) Option {
	return func(r *Registry) { r.alive = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Open returns the registry for stateDir. The database is opened per
// operation with the given lock wait.
func Open(stateDir string, timeout time.Duration, opts ...Option) (*Registry, error) {
	store, err := boltstore.NewBoltStore[Session](filepath.Join(stateDir, DBFileName), bucketName, timeout)
	if err != nil {
		return nil, err
	}
	return NewRegistry(store, filepath.Join(stateDir, LockFileName), opts...), nil
}

// NewRegistry wraps an existing store.
func NewRegistry(store boltstore.Store[Session], lockPath string, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		lockPath: lockPath,
		alive:    ProcessAlive,
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// LockPath returns the instance lock location.
func (r *Registry) LockPath() string {
	return r.lockPath
}

// AcquireLock takes the instance lock.
func (r *Registry) AcquireLock() (*Lock, error) {
	return AcquireLock(r.lockPath)
}

// Create persists s as the current session. ID, Token and CreatedAt are
// assigned here.
func (r *Registry) Create(ctx context.Context, s Session) (*Session, error) {
	created, err := r.store.Create(ctx, currentKey, func(seq uint64) (*Session, error) {
		s.ID = uuid.NewString()
		s.Token = seq
		s.CreatedAt = r.now().UTC()
		return &s, nil
	})
	if err != nil {
		if errors.Is(err, boltstore.ErrExists) {
			return nil, ErrAlreadyMounted
		}
		return nil, fmt.Errorf("create session: %w", err)
	}
	log.G(ctx).WithFields(log.Fields{"id": created.ID, "token": created.Token}).Debug("session created")
	return created, nil
}

// Current returns the stored session, stale or not.
func (r *Registry) Current(ctx context.Context) (*Session, error) {
	s, err := r.store.Get(ctx, currentKey)
	if err != nil {
		if errors.Is(err, boltstore.ErrNotFound) {
			return nil, ErrNotMounted
		}
		return nil, fmt.Errorf("read session: %w", err)
	}
	return s, nil
}

// Remove deletes the session created with token.
func (r *Registry) Remove(ctx context.Context, token uint64) error {
	err := r.store.Delete(ctx, currentKey, func(s *Session) bool { return s.Token == token })
	if errors.Is(err, boltstore.ErrMismatch) {
		return ErrTokenMismatch
	}
	return err
}

// ForceRemove deletes whatever session is stored.
func (r *Registry) ForceRemove(ctx context.Context) error {
	return r.store.Delete(ctx, currentKey, nil)
}

// Alive reports whether the session's VM is still running.
func (r *Registry) Alive(ctx context.Context, s *Session) bool {
	return r.alive(ctx, s.VMPID, s.VMStartedAt)
}

// Status reads the session and the lock without modifying either.
func (r *Registry) Status(ctx context.Context) (Status, error) {
	info, held, err := ReadLock(r.lockPath)
	if err != nil {
		return Status{}, err
	}

	s, err := r.Current(ctx)
	switch {
	case err == nil:
		st := Status{State: StateMounted, Session: s}
		if !r.Alive(ctx, s) {
			st.State = StateStale
		}
		if held {
			st.Lock = &info
		}
		return st, nil
	case errors.Is(err, ErrNotMounted):
	default:
		return Status{}, err
	}

	if held {
		return Status{State: StateMounting, Lock: &info}, nil
	}
	return Status{State: StateNotMounted}, nil
}

// ProcessAlive is the default AliveFunc.
func ProcessAlive(ctx context.Context, pid int, startedAt int64) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !ok {
		return false
	}
	if startedAt == 0 {
		return true
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	if st, err := p.StatusWithContext(ctx); err == nil && len(st) > 0 && st[0] == process.Zombie {
		return false
	}
	created, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return true
	}
	return created == startedAt
}

// ProcessStartTime returns pid's creation time for Session.VMStartedAt, or
// zero when it cannot be read.
func ProcessStartTime(ctx context.Context, pid int) int64 {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0
	}
	created, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return 0
	}
	return created
}
