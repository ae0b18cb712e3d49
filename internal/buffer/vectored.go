package buffer

import (
	"io"
	"net"
)

// WriteVectored writes bufs to w through net.Buffers.WriteTo, which uses a
// single writev call when w is a connection from package net that supports
// it, and falls back to sequential Write calls otherwise. It returns the
// total bytes written.
func WriteVectored(w io.Writer, bufs [][]byte) (int64, error) {
	nb := net.Buffers(bufs)
	return nb.WriteTo(w)
}
