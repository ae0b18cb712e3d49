// Package buffer implements the ring buffers the connection drivers use to
// stage bytes between the peer stream and the zhttp codecs. A Ring owns a
// single contiguous slab; read and write cursors only ever move forward,
// and Align compacts unread bytes back to offset 0 when the slab needs
// refilling from the front.
package buffer

import "errors"

// ErrNoSpace is returned by CommitWrite and Grow when a write would exceed
// the slab's capacity. Callers must never silently truncate a write.
var ErrNoSpace = errors.New("buffer: no space")

// ErrViewsLive is returned by Align while a view taken with HoldView (for
// example a parsed http1.Request whose fields are slices of the read
// buffer) hasn't been released with ReleaseView yet. Compacting the slab
// while views are live would invalidate them.
var ErrViewsLive = errors.New("buffer: views still live")

// Ring is a growable-or-fixed byte ring buffer with a read cursor and a
// write cursor, 0 <= read <= write <= len(buf). It is not safe for
// concurrent use; each connection driver owns exactly one.
type Ring struct {
	buf      []byte
	read     int
	write    int
	maxSize  int // 0 means fixed at len(buf); otherwise the growth ceiling
	viewsOut int
}

// NewFixed allocates a Ring that never grows past size bytes.
func NewFixed(size int) *Ring {
	return &Ring{buf: make([]byte, size)}
}

// NewGrowable allocates a Ring that starts at `initial` bytes and may grow
// (via Grow) up to `max` bytes.
func NewGrowable(initial, max int) *Ring {
	if max < initial {
		max = initial
	}
	return &Ring{buf: make([]byte, initial), maxSize: max}
}

// Cap reports the current slab capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Len reports the number of unread bytes.
func (r *Ring) Len() int { return r.write - r.read }

// ReadAvail reports how many bytes are available to read (alias of Len,
// kept distinct for readability at call sites mirroring the write side).
func (r *Ring) ReadAvail() int { return r.Len() }

// WriteAvail reports how many bytes may still be written before the slab
// is full (ignoring the ability to Align or Grow).
func (r *Ring) WriteAvail() int { return len(r.buf) - r.write }

// ReadBuf borrows the unread region. The caller must not retain the slice
// past the next mutating call (CommitRead, Align, Grow).
func (r *Ring) ReadBuf() []byte { return r.buf[r.read:r.write] }

// WriteBuf borrows the writable region after the write cursor.
func (r *Ring) WriteBuf() []byte { return r.buf[r.write:] }

// CommitRead advances the read cursor by n, which must be <= Len().
func (r *Ring) CommitRead(n int) {
	if n < 0 || r.read+n > r.write {
		panic("buffer: CommitRead out of range")
	}
	r.read += n
	if r.read == r.write {
		// nothing left unread; reset cursors for free so Align isn't
		// needed on the common fully-drained path.
		r.read = 0
		r.write = 0
	}
}

// CommitWrite advances the write cursor by n, which must be <= WriteAvail().
func (r *Ring) CommitWrite(n int) error {
	if n < 0 || r.write+n > len(r.buf) {
		return ErrNoSpace
	}
	r.write += n
	return nil
}

// Base returns the backing slab. Offsets captured via Base must not be
// dereferenced after Align or Grow moves bytes within it.
func (r *Ring) Base() []byte { return r.buf }

// HoldView marks that an offset-based view (e.g. a parsed header range set)
// into this Ring is live. Align refuses to run until ReleaseView is called
// a matching number of times.
func (r *Ring) HoldView() { r.viewsOut++ }

// ReleaseView releases a view previously marked with HoldView.
func (r *Ring) ReleaseView() {
	if r.viewsOut > 0 {
		r.viewsOut--
	}
}

// Align moves unread bytes to offset 0, making room at the tail. It
// refuses while a view is live: realigning would move memory a caller
// still holds a slice into.
func (r *Ring) Align() error {
	if r.viewsOut > 0 {
		return ErrViewsLive
	}
	if r.read == 0 {
		return nil
	}
	n := copy(r.buf, r.buf[r.read:r.write])
	r.read = 0
	r.write = n
	return nil
}

// Grow increases the slab capacity up to maxSize, doubling (capped) each
// call. It is a no-op for fixed-size Rings (maxSize == 0) or once maxSize
// is reached, in which case ErrNoSpace is returned if the caller still
// needs more room than WriteAvail() provides.
func (r *Ring) Grow() error {
	if r.maxSize == 0 || len(r.buf) >= r.maxSize {
		return ErrNoSpace
	}
	next := len(r.buf) * 2
	if next > r.maxSize {
		next = r.maxSize
	}
	if next <= len(r.buf) {
		return ErrNoSpace
	}
	nb := make([]byte, next)
	copy(nb, r.buf[:r.write])
	r.buf = nb
	return nil
}

// Reset drops all buffered bytes and resets cursors, for reuse across
// keep-alive request cycles. It does not release the underlying slab.
func (r *Ring) Reset() {
	r.read = 0
	r.write = 0
}
