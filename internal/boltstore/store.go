// Package boltstore provides small typed key-value stores backed by bbolt.
//
// Values are stored as JSON. The bolt database is opened for the duration of
// a single operation and closed again, so several diskbox processes can use
// the same file without one of them holding the bolt flock indefinitely.
package boltstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	bolt "go.etcd.io/bbolt"
)

// Store provides type-safe key-value storage
type Store[T any] interface {
	Get(ctx context.Context, key string) (*T, error)
	// Create stores the value built by fn under key unless the key already
	// exists. fn receives the bucket's next sequence number.
	Create(ctx context.Context, key string, fn func(seq uint64) (*T, error)) (*T, error)
	Set(ctx context.Context, key string, value *T) error
	// Delete removes key when match returns true for the stored value. A nil
	// match deletes unconditionally. A missing key is not an error.
	Delete(ctx context.Context, key string, match func(*T) bool) error
	Close() error
}

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errdefs.ErrNotFound

	// ErrExists is returned by Create when the key is already present.
	ErrExists = errdefs.ErrAlreadyExists

	// ErrMismatch is returned by Delete when the stored value does not match.
	ErrMismatch = fmt.Errorf("stored value does not match: %w", errdefs.ErrFailedPrecondition)
)

// BoltStore is the bolt-backed Store[T]. Each operation opens the database
// with a bounded lock wait and closes it before returning.
type BoltStore[T any] struct {
	path       string
	bucketName []byte
	timeout    time.Duration
}

// NewBoltStore creates a store for bucketName in the database at dbPath.
// The file is created lazily on the first write.
func NewBoltStore[T any](dbPath, bucketName string, timeout time.Duration) (Store[T], error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &BoltStore[T]{
		path:       dbPath,
		bucketName: []byte(bucketName),
		timeout:    timeout,
	}, nil
}

func (s *BoltStore[T]) open(ctx context.Context, readOnly bool) (*bolt.DB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if readOnly {
		if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
	}
	timeout := s.timeout
	if d, ok := ctx.Deadline(); ok {
		if left := time.Until(d); left < timeout {
			timeout = left
		}
	}
	db, err := bolt.Open(s.path, 0600, &bolt.Options{
		Timeout:  timeout,
		ReadOnly: readOnly,
	})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("open %s: database is locked by another process: %w", s.path, errdefs.ErrUnavailable)
		}
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}
	return db, nil
}

func (s *BoltStore[T]) view(ctx context.Context, fn func(b *bolt.Bucket) error) error {
	db, err := s.open(ctx, true)
	if err != nil {
		return err
	}
	if db == nil {
		return fn(nil)
	}
	defer db.Close()
	return db.View(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(s.bucketName))
	})
}

func (s *BoltStore[T]) update(ctx context.Context, fn func(b *bolt.Bucket) error) error {
	db, err := s.open(ctx, false)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucketName)
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		return fn(b)
	})
}

// Get retrieves a value by key
func (s *BoltStore[T]) Get(ctx context.Context, key string) (*T, error) {
	var value T
	err := s.view(ctx, func(b *bolt.Bucket) error {
		if b == nil {
			return ErrNotFound
		}
		data := b.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &value)
	})
	if err != nil {
		return nil, err
	}
	return &value, nil
}

// Create stores a new value under key in a single write transaction.
func (s *BoltStore[T]) Create(ctx context.Context, key string, fn func(seq uint64) (*T, error)) (*T, error) {
	var created *T
	err := s.update(ctx, func(b *bolt.Bucket) error {
		if b.Get([]byte(key)) != nil {
			return fmt.Errorf("key %q: %w", key, ErrExists)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		value, err := fn(seq)
		if err != nil {
			return err
		}
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		created = value
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Set stores a value by key
func (s *BoltStore[T]) Set(ctx context.Context, key string, value *T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return s.update(ctx, func(b *bolt.Bucket) error {
		return b.Put([]byte(key), data)
	})
}

// Delete removes a value by key
func (s *BoltStore[T]) Delete(ctx context.Context, key string, match func(*T) bool) error {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return s.update(ctx, func(b *bolt.Bucket) error {
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		if match != nil {
			var value T
			if err := json.Unmarshal(data, &value); err != nil {
				return fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
			}
			if !match(&value) {
				return fmt.Errorf("key %q: %w", key, ErrMismatch)
			}
		}
		return b.Delete([]byte(key))
	})
}

// Close is a no-op: nothing stays open between operations.
func (s *BoltStore[T]) Close() error {
	return nil
}
