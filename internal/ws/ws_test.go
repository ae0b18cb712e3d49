package ws

import (
	"bytes"
	"strings"
	"testing"
)

func TestComputeAcceptKnownVector(t *testing.T) {
	// RFC 6455 §1.3 worked example.
	got, err := ComputeAccept("dGhlIHNhbXBsZSBub25jZQ==")
	if err != nil {
		t.Fatalf("ComputeAccept: %v", err)
	}
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Fatalf("ComputeAccept = %q, want %q", got, want)
	}
}

func TestComputeAcceptOverflow(t *testing.T) {
	key := strings.Repeat("a", hashInputMax-len(GUID)+1)
	if _, err := ComputeAccept(key); err != ErrKeyTooLong {
		t.Fatalf("err = %v, want ErrKeyTooLong", err)
	}
	key2 := strings.Repeat("a", hashInputMax-len(GUID))
	if _, err := ComputeAccept(key2); err != nil {
		t.Fatalf("boundary key should succeed: %v", err)
	}
}

func frameBytes(t *testing.T, opcode byte, payload []byte, masked, fin bool) []byte {
	t.Helper()
	e := NewEncoder(masked)
	var buf bytes.Buffer
	if opcode == OpClose || opcode == OpPing || opcode == OpPong {
		if err := e.SendControl(&buf, opcode, payload); err != nil {
			t.Fatalf("SendControl: %v", err)
		}
		return buf.Bytes()
	}
	if err := e.SendMessageStart(opcode); err != nil {
		t.Fatalf("SendMessageStart: %v", err)
	}
	if err := e.SendMessageContent(&buf, payload, fin); err != nil {
		t.Fatalf("SendMessageContent: %v", err)
	}
	return buf.Bytes()
}

func TestEncodeDecodeTextRoundTrip(t *testing.T) {
	frame := frameBytes(t, OpText, []byte("hello"), true, true)
	d := NewDecoder()
	n, op, out, end, err := d.Decode(frame, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(frame) {
		t.Fatalf("consumed = %d, want %d", n, len(frame))
	}
	if op != OpText || !end || string(out) != "hello" {
		t.Fatalf("op=%v end=%v out=%q", op, end, out)
	}
}

func TestEncodeDecodeMaskedRoundTrip(t *testing.T) {
	frame := frameBytes(t, OpBinary, []byte("binarydata"), true, true)
	d := NewDecoder()
	_, op, out, end, err := d.Decode(frame, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if op != OpBinary || !end || string(out) != "binarydata" {
		t.Fatalf("op=%v end=%v out=%q", op, end, out)
	}
}

func TestDecodeFragmentedMessage(t *testing.T) {
	e := NewEncoder(false)
	var buf bytes.Buffer
	_ = e.SendMessageStart(OpText)
	_ = e.SendMessageContent(&buf, []byte("hel"), false)
	// simulate a second content call by resetting pending (encoder keeps
	// state open since done=false); emulate continuation frame directly.
	e2 := NewEncoder(false)
	e2.pending = true
	e2.opcode = OpCont
	var buf2 bytes.Buffer
	_ = e2.SendMessageContent(&buf2, []byte("lo"), true)

	all := append(buf.Bytes(), buf2.Bytes()...)

	d := NewDecoder()
	pos := 0
	var full []byte
	for {
		n, op, out, end, err := d.Decode(all[pos:], full)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		pos += n
		full = out
		if end {
			if op != OpText {
				t.Fatalf("final op = %v, want OpText", op)
			}
			break
		}
		if n == 0 {
			t.Fatalf("made no progress")
		}
	}
	if string(full) != "hello" {
		t.Fatalf("assembled = %q, want %q", full, "hello")
	}
}

func TestDecodeContinuationWithoutStartIsBadFrame(t *testing.T) {
	e := NewEncoder(false)
	e.pending = true
	e.opcode = OpCont
	var buf bytes.Buffer
	_ = e.SendMessageContent(&buf, []byte("x"), true)

	d := NewDecoder()
	_, _, _, _, err := d.Decode(buf.Bytes(), nil)
	if err != ErrBadFrame {
		t.Fatalf("err = %v, want ErrBadFrame", err)
	}
}

func TestDecodeNewDataFrameWhileAssemblingIsBadFrame(t *testing.T) {
	var buf bytes.Buffer
	e := NewEncoder(false)
	_ = e.SendMessageStart(OpText)
	_ = e.SendMessageContent(&buf, []byte("a"), false) // not done: still assembling

	e2 := NewEncoder(false)
	_ = e2.SendMessageStart(OpBinary)
	var buf2 bytes.Buffer
	_ = e2.SendMessageContent(&buf2, []byte("b"), true)

	all := append(buf.Bytes(), buf2.Bytes()...)
	d := NewDecoder()
	n, _, out, end, err := d.Decode(all, nil)
	if err != nil || end {
		t.Fatalf("first frame decode err=%v end=%v", err, end)
	}
	_, _, _, _, err = d.Decode(all[n:], out)
	if err != ErrBadFrame {
		t.Fatalf("err = %v, want ErrBadFrame", err)
	}
}

func TestDecodeControlFrameInterleavedDuringAssembly(t *testing.T) {
	var dataBuf bytes.Buffer
	e := NewEncoder(false)
	_ = e.SendMessageStart(OpText)
	_ = e.SendMessageContent(&dataBuf, []byte("part1"), false)

	var pingBuf bytes.Buffer
	pe := NewEncoder(false)
	_ = pe.SendControl(&pingBuf, OpPing, []byte("ping"))

	all := append(dataBuf.Bytes(), pingBuf.Bytes()...)
	d := NewDecoder()

	n, op, out, end, err := d.Decode(all, nil)
	if err != nil || end || op != OpText {
		t.Fatalf("frame1: op=%v end=%v err=%v", op, end, err)
	}
	_, op2, out2, end2, err2 := d.Decode(all[n:], nil)
	if err2 != nil || !end2 || op2 != OpPing || string(out2) != "ping" {
		t.Fatalf("frame2: op=%v end=%v err=%v out=%q", op2, end2, err2, out2)
	}
	_ = out
}

func TestParseClosePayloadDefaultsWhenEmpty(t *testing.T) {
	code, reason, err := ParseClosePayload(nil)
	if err != nil {
		t.Fatalf("ParseClosePayload: %v", err)
	}
	if code != DefaultCloseCode || reason != DefaultCloseReason {
		t.Fatalf("code=%d reason=%q", code, reason)
	}
}

func TestParseClosePayloadInvalidUTF8(t *testing.T) {
	payload := BuildClosePayload(1000, "")
	payload = append(payload, 0xff, 0xfe) // invalid utf-8 tail
	_, _, err := ParseClosePayload(payload)
	if err != ErrUtf8 {
		t.Fatalf("err = %v, want ErrUtf8", err)
	}
}

func TestStateMachineBothCloseDirections(t *testing.T) {
	m := NewMachine()
	if err := m.OnPeerClose(); err != nil {
		t.Fatalf("OnPeerClose: %v", err)
	}
	if m.State() != StatePeerClosed {
		t.Fatalf("state = %v, want StatePeerClosed", m.State())
	}
	if err := m.OnSendClose(); err != nil {
		t.Fatalf("OnSendClose: %v", err)
	}
	if !m.Finished() {
		t.Fatalf("Finished() = false, want true")
	}

	m2 := NewMachine()
	_ = m2.OnSendClose()
	if m2.State() != StateClosing {
		t.Fatalf("state = %v, want StateClosing", m2.State())
	}
	_ = m2.OnPeerClose()
	if !m2.Finished() {
		t.Fatalf("Finished() = false, want true")
	}
}

func TestFrameOversizePayloadLength(t *testing.T) {
	d := NewDecoder()
	var hdr [10]byte
	hdr[0] = 0x80 | OpBinary
	hdr[1] = 127
	// encode length > MaxFramePayload
	for i := 2; i < 10; i++ {
		hdr[i] = 0xff
	}
	_, _, _, _, err := d.Decode(hdr[:], nil)
	if err != ErrBadFrame {
		t.Fatalf("err = %v, want ErrBadFrame", err)
	}
}
