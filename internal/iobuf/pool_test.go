package iobuf

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	buf := Get()
	defer Put(buf)

	require.NotNil(t, buf)
	assert.Len(t, *buf, Size)
}

func TestPutClears(t *testing.T) {
	buf := Get()
	copy(*buf, "hunter2")
	Put(buf)

	assert.Equal(t, make([]byte, Size), *buf, "secret must not survive Put")
}

func TestPutOtherSize(t *testing.T) {
	small := []byte("passphrase")
	Put(&small)
	assert.Equal(t, make([]byte, len(small)), small)

	Put(nil)
}

func TestConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				buf := Get()
				if len(*buf) != Size {
					t.Errorf("buffer length = %d, want %d", len(*buf), Size)
					return
				}
				(*buf)[0] = 0xFF
				Put(buf)
			}
		}()
	}
	wg.Wait()
}

func BenchmarkGetPut(b *testing.B) {
	for b.Loop() {
		Put(Get())
	}
}
