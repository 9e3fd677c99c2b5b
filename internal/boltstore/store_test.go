package boltstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Token uint64 `json:"token"`
}

func stores(t *testing.T) map[string]Store[record] {
	t.Helper()
	bs, err := NewBoltStore[record](filepath.Join(t.TempDir(), "state", "test.db"), "records", time.Second)
	require.NoError(t, err)
	return map[string]Store[record]{
		"bolt":   bs,
		"memory": NewInMemoryStore[record](),
	}
}

func TestGetMissing(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), "current")
			assert.True(t, errors.Is(err, ErrNotFound))
			assert.True(t, errdefs.IsNotFound(err))
		})
	}
}

func TestCreateAssignsSequence(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			build := func(seq uint64) (*record, error) { return &record{Name: "a", Token: seq}, nil }

			first, err := s.Create(ctx, "current", build)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), first.Token)

			_, err = s.Create(ctx, "current", build)
			assert.True(t, errors.Is(err, ErrExists))

			got, err := s.Get(ctx, "current")
			require.NoError(t, err)
			assert.Equal(t, *first, *got)

			require.NoError(t, s.Delete(ctx, "current", nil))
			second, err := s.Create(ctx, "current", build)
			require.NoError(t, err)
			assert.Greater(t, second.Token, first.Token)
		})
	}
}

func TestCreateBuildError(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			boom := errors.New("boom")
			_, err := s.Create(ctx, "current", func(uint64) (*record, error) { return nil, boom })
			assert.True(t, errors.Is(err, boom))

			_, err = s.Get(ctx, "current")
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestConditionalDelete(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Set(ctx, "current", &record{Name: "a", Token: 7}))

			err := s.Delete(ctx, "current", func(r *record) bool { return r.Token == 8 })
			assert.True(t, errors.Is(err, ErrMismatch))
			assert.True(t, errdefs.IsFailedPrecondition(err))

			_, err = s.Get(ctx, "current")
			require.NoError(t, err)

			require.NoError(t, s.Delete(ctx, "current", func(r *record) bool { return r.Token == 7 }))
			_, err = s.Get(ctx, "current")
			assert.True(t, errors.Is(err, ErrNotFound))

			// Deleting again is a no-op.
			require.NoError(t, s.Delete(ctx, "current", nil))
		})
	}
}

func TestBoltStoreSeparateHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	a, err := NewBoltStore[record](path, "records", time.Second)
	require.NoError(t, err)
	b, err := NewBoltStore[record](path, "records", time.Second)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Set(ctx, "k", &record{Name: "from-a"}))
	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "from-a", got.Name)
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
}

func TestBoltStoreCanceledContext(t *testing.T) {
	s, err := NewBoltStore[record](filepath.Join(t.TempDir(), "x.db"), "records", time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Set(ctx, "k", &record{})
	assert.True(t, errors.Is(err, context.Canceled))
}
