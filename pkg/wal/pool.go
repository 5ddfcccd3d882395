package wal

import "sync"

// pool.go keeps entry and scratch-buffer allocation off the GC's hot path.

var (
	entryPool = sync.Pool{
		New: func() interface{} {
			return &Entry{
				Body: make([]byte, 0, 4096),
			}
		},
	}

	bufferPool = sync.Pool{
		New: func() interface{} {
			buf := make([]byte, 0, 8192)
			return &buf
		},
	}
)

// AcquireEntry obtains an Entry from the pool.
func AcquireEntry() *Entry {
	return entryPool.Get().(*Entry)
}

// ReleaseEntry returns an Entry to the pool.
func ReleaseEntry(e *Entry) {
	e.Header = Header{}
	e.Body = e.Body[:0]
	entryPool.Put(e)
}

// AcquireBuffer obtains a scratch byte buffer from the pool.
func AcquireBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// ReleaseBuffer returns a scratch byte buffer to the pool.
func ReleaseBuffer(buf *[]byte) {
	*buf = (*buf)[:0]
	bufferPool.Put(buf)
}
