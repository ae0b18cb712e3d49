package http1

import (
	"bytes"
	"errors"
)

// ErrChunkMalformed indicates a malformed chunk-size line.
var ErrChunkMalformed = errors.New("http1: malformed chunk")

// ChunkedDecoder incrementally decodes a chunked transfer-coded body,
// consuming from a caller-supplied buffer and yielding decoded bytes into
// a caller-supplied output slice.
type ChunkedDecoder struct {
	state     chunkState
	remaining int64 // bytes left in current chunk
	done      bool
}

type chunkState int

const (
	chunkReadSize chunkState = iota
	chunkReadData
	chunkReadCRLF
	chunkReadTrailer
	chunkDone
)

// NewChunkedDecoder creates a decoder positioned at the start of a chunked
// body.
func NewChunkedDecoder() *ChunkedDecoder { return &ChunkedDecoder{} }

// Done reports whether the terminating zero-length chunk (and trailer) has
// been consumed.
func (d *ChunkedDecoder) Done() bool { return d.state == chunkDone }

// Decode consumes as much of in as forms complete chunk framing, appends
// decoded payload bytes to out, and returns the number of input bytes
// consumed, the (possibly grown) output slice, and an error.
//
// Decode may need to be called again with more input if in does not yet
// contain a full chunk-size line or a full chunk's worth of data.
func (d *ChunkedDecoder) Decode(in []byte, out []byte) (consumed int, result []byte, err error) {
	pos := 0
	for pos < len(in) && d.state != chunkDone {
		switch d.state {
		case chunkReadSize:
			idx := bytes.Index(in[pos:], []byte("\r\n"))
			if idx < 0 {
				if len(in)-pos > 4096 {
					return pos, out, ErrChunkMalformed
				}
				return pos, out, nil // need more
			}
			line := in[pos : pos+idx]
			if semi := bytes.IndexByte(line, ';'); semi >= 0 {
				line = line[:semi]
			}
			size, perr := parseHex(line)
			if perr != nil {
				return pos, out, ErrChunkMalformed
			}
			pos += idx + 2
			d.remaining = size
			if size == 0 {
				d.state = chunkReadTrailer
			} else {
				d.state = chunkReadData
			}

		case chunkReadData:
			avail := int64(len(in) - pos)
			take := d.remaining
			if avail < take {
				take = avail
			}
			out = append(out, in[pos:pos+int(take)]...)
			pos += int(take)
			d.remaining -= take
			if d.remaining == 0 {
				d.state = chunkReadCRLF
			} else {
				return pos, out, nil // need more
			}

		case chunkReadCRLF:
			if len(in)-pos < 2 {
				return pos, out, nil
			}
			if in[pos] != '\r' || in[pos+1] != '\n' {
				return pos, out, ErrChunkMalformed
			}
			pos += 2
			d.state = chunkReadSize

		case chunkReadTrailer:
			idx := bytes.Index(in[pos:], []byte("\r\n"))
			if idx < 0 {
				return pos, out, nil
			}
			if idx == 0 {
				pos += 2
				d.state = chunkDone
				continue
			}
			pos += idx + 2
		}
	}
	return pos, out, nil
}

func parseHex(b []byte) (int64, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return 0, ErrChunkMalformed
	}
	var n int64
	for _, c := range b {
		var v int64
		switch {
		case c >= '0' && c <= '9':
			v = int64(c - '0')
		case c >= 'a' && c <= 'f':
			v = int64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v = int64(c-'A') + 10
		default:
			return 0, ErrChunkMalformed
		}
		n = n*16 + v
	}
	return n, nil
}
