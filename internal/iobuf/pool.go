// Package iobuf pools scratch buffers that may hold secrets. Buffers are
// zeroed on return.
package iobuf

import "sync"

// Size is the pooled buffer length.
const Size = 4096

var pool = sync.Pool{
	New: func() any {
		buf := make([]byte, Size)
		return &buf
	},
}

// Get returns a zeroed Size-byte buffer.
func Get() *[]byte {
	return pool.Get().(*[]byte)
}

// Put clears buf and returns it to the pool. Buffers of another size are
// cleared and dropped.
func Put(buf *[]byte) {
	if buf == nil {
		return
	}
	clear(*buf)
	if len(*buf) != Size {
		return
	}
	pool.Put(buf)
}
