package packets

import "sync"

// bufferPool is a pool of byte slices used while reading packet payloads.
// A fixed 4KB size covers most control packets; larger packets still
// allocate their own buffer.
var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 4096)
		return &buf
	},
}

// GetBuffer returns a buffer from the pool sized to at least size bytes.
// Requests larger than 4096 bytes bypass the pool entirely.
func GetBuffer(size int) *[]byte {
	if size > 4096 {
		buf := make([]byte, size)
		return &buf
	}
	return bufferPool.Get().(*[]byte)
}

// PutBuffer returns a buffer to the pool. Only pooled-sized buffers are kept.
func PutBuffer(bufPtr *[]byte) {
	if cap(*bufPtr) != 4096 {
		return
	}
	bufferPool.Put(bufPtr)
}
