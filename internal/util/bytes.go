package util

// WipeBytes zeroes each buffer in place. Nil buffers are ignored.
func WipeBytes(bufs ...[]byte) {
	for _, b := range bufs {
		clear(b)
	}
}
