package http1

import (
	"errors"
	"io"

	"zhttpbridge/internal/buffer"
)

// ErrBufferExceeded is returned when a header cannot be parsed even after
// growing the ring buffer to its ceiling.
var ErrBufferExceeded = errors.New("http1: receive buffer exceeded while parsing header")

// ReceiveHeader reads from r into ring until a full request header can be
// parsed, growing ring as needed. It returns io.EOF unchanged when the
// peer closes before any bytes arrive, a normal close between cycles,
// and ErrBufferExceeded when the ring cannot grow far enough to hold a
// complete header. The returned Request borrows slices into ring's
// backing array; callers must copy out anything they need to retain
// before the next CommitRead/Grow on ring.
func ReceiveHeader(r io.Reader, ring *buffer.Ring) (*Request, error) {
	for {
		if avail := ring.ReadBuf(); len(avail) > 0 {
			req, err := ParseRequest(avail)
			if err == nil {
				return req, nil
			}
			if err != ErrNeedMore {
				return nil, err
			}
		}

		wbuf := ring.WriteBuf()
		if len(wbuf) == 0 {
			if err := ring.Grow(); err != nil {
				return nil, ErrBufferExceeded
			}
			continue
		}

		n, err := r.Read(wbuf)
		if n > 0 {
			ring.CommitWrite(n)
		}
		if err != nil {
			if n == 0 {
				return nil, err
			}
		}
	}
}
