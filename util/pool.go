package util

import "sync"

// ReadBufSize is the per-read chunk size used by connection read loops.
const ReadBufSize = 32 * 1024

// bufPool hands out read buffers so that many idle sessions do not
// each pin a private 32 KiB slice.
var bufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, ReadBufSize)
		return &buf
	},
}

// GetBuf retrieves a buffer from the pool.  Callers must return it
// with [PutBuf] when finished.
func GetBuf() *[]byte {
	return bufPool.Get().(*[]byte)
}

// PutBuf returns a buffer to the pool for reuse.
func PutBuf(buf *[]byte) {
	if buf == nil {
		return
	}
	bufPool.Put(buf)
}
