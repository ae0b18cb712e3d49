package ws

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"unicode/utf8"
)

// ErrUtf8 indicates a CLOSE frame reason was not valid UTF-8.
var ErrUtf8 = errors.New("ws: invalid utf-8 in close reason")

const maxHeaderFramePayload = 1 << 16 // split logical writes across frames above this

// Encoder serializes outbound WebSocket frames. It supports an open
// "message in progress" so a logical message's payload can be handed
// over in several SendMessageContent calls before the final one closes
// out the frame sequence.
type Encoder struct {
	masked   bool // true for a client encoder, false for a server encoder
	pending  bool
	opcode   byte
}

// NewEncoder creates an Encoder. masked selects whether frames carry a
// masking key (RFC 6455 requires client->server frames to be masked,
// server->client frames to be unmasked).
func NewEncoder(masked bool) *Encoder { return &Encoder{masked: masked} }

// SendMessageStart opens an outbound frame sequence for opcode (TEXT or
// BINARY). It is an error to call while another message is in progress.
func (e *Encoder) SendMessageStart(opcode byte) error {
	if e.pending {
		return ErrBadFrame
	}
	e.opcode = opcode
	e.pending = true
	return nil
}

// SendMessageContent writes one or more frames carrying payload to w,
// splitting across frames of at most maxHeaderFramePayload bytes as
// convenient. done marks the final frame of the logical message (FIN=1).
func (e *Encoder) SendMessageContent(w io.Writer, payload []byte, done bool) error {
	if !e.pending {
		return ErrBadFrame
	}
	op := e.opcode
	remaining := payload
	first := true
	for {
		chunkLen := len(remaining)
		more := false
		if chunkLen > maxHeaderFramePayload {
			chunkLen = maxHeaderFramePayload
			more = true
		}
		chunk := remaining[:chunkLen]
		remaining = remaining[chunkLen:]

		fin := done && !more
		frameOp := op
		if !first {
			frameOp = OpCont
		}
		if err := e.writeFrame(w, frameOp, chunk, fin); err != nil {
			return err
		}
		first = false
		if !more {
			break
		}
	}
	if done {
		e.pending = false
	} else {
		e.opcode = OpCont
	}
	return nil
}

// SendControl writes a single-frame control message (CLOSE, PING, or
// PONG). Control frames are never fragmented.
func (e *Encoder) SendControl(w io.Writer, opcode byte, payload []byte) error {
	return e.writeFrame(w, opcode, payload, true)
}

func (e *Encoder) writeFrame(w io.Writer, opcode byte, payload []byte, fin bool) error {
	var hdr [14]byte
	b0 := opcode
	if fin {
		b0 |= 0x80
	}
	hdr[0] = b0

	n := len(payload)
	var hlen int
	switch {
	case n < 126:
		hdr[1] = byte(n)
		hlen = 2
	case n <= 0xFFFF:
		hdr[1] = 126
		binary.BigEndian.PutUint16(hdr[2:4], uint16(n))
		hlen = 4
	default:
		hdr[1] = 127
		binary.BigEndian.PutUint64(hdr[2:10], uint64(n))
		hlen = 10
	}

	var maskKey [4]byte
	if e.masked {
		hdr[1] |= 0x80
		if _, err := rand.Read(maskKey[:]); err != nil {
			return err
		}
		copy(hdr[hlen:hlen+4], maskKey[:])
		hlen += 4
	}

	if _, err := w.Write(hdr[:hlen]); err != nil {
		return err
	}

	if e.masked {
		masked := make([]byte, len(payload))
		copy(masked, payload)
		unmaskInto(masked, maskKey, 0)
		_, err := w.Write(masked)
		return err
	}

	_, err := w.Write(payload)
	return err
}

// BuildClosePayload encodes a CLOSE frame payload: a 2-byte big-endian
// code followed by a UTF-8 reason. Callers apply DefaultCloseCode/
// DefaultCloseReason themselves before calling when no concrete code is
// known.
func BuildClosePayload(code uint16, reason string) []byte {
	buf := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(buf[:2], code)
	copy(buf[2:], reason)
	return buf
}

// DefaultCloseCode and DefaultCloseReason are used when a backend CLOSE
// message omits {code, reason}: 1000 (normal closure) rather than the
// reserved 1005 "no status received" code, which RFC 6455 forbids
// sending on the wire.
const DefaultCloseCode = 1000

// DefaultCloseReason is the empty string.
const DefaultCloseReason = ""

// ParseClosePayload decodes a CLOSE frame payload into its code and
// reason, applying the default when payload is empty.
func ParseClosePayload(payload []byte) (code uint16, reason string, err error) {
	if len(payload) == 0 {
		return DefaultCloseCode, DefaultCloseReason, nil
	}
	if len(payload) < 2 {
		return 0, "", ErrBadFrame
	}
	code = binary.BigEndian.Uint16(payload[:2])
	r := payload[2:]
	if !utf8.Valid(r) {
		return 0, "", ErrUtf8
	}
	return code, string(r), nil
}
