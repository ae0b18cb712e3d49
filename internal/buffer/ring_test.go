package buffer

import "testing"

func TestRingWriteReadRoundTrip(t *testing.T) {
	r := NewFixed(16)
	n := copy(r.WriteBuf(), []byte("hello"))
	if err := r.CommitWrite(n); err != nil {
		t.Fatalf("CommitWrite: %v", err)
	}
	if got := string(r.ReadBuf()); got != "hello" {
		t.Fatalf("ReadBuf = %q, want %q", got, "hello")
	}
	r.CommitRead(5)
	if r.Len() != 0 {
		t.Fatalf("Len after full drain = %d, want 0", r.Len())
	}
}

func TestRingCommitWriteOverflow(t *testing.T) {
	r := NewFixed(4)
	if err := r.CommitWrite(5); err != ErrNoSpace {
		t.Fatalf("CommitWrite overflow = %v, want ErrNoSpace", err)
	}
}

func TestRingAlignMovesUnreadToFront(t *testing.T) {
	r := NewFixed(8)
	n := copy(r.WriteBuf(), []byte("abcdefgh"))
	_ = r.CommitWrite(n)
	r.CommitRead(6) // leaves "gh" unread; cursors only auto-reset once fully drained
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
	if err := r.Align(); err != nil {
		t.Fatalf("Align: %v", err)
	}
	if got := string(r.ReadBuf()); got != "gh" {
		t.Fatalf("ReadBuf after align = %q, want %q", got, "gh")
	}
	if r.WriteAvail() != 6 {
		t.Fatalf("WriteAvail after align = %d, want 6", r.WriteAvail())
	}
}

func TestRingAlignRefusedWhileViewLive(t *testing.T) {
	r := NewFixed(8)
	n := copy(r.WriteBuf(), []byte("abcdefgh"))
	_ = r.CommitWrite(n)
	r.CommitRead(4)
	r.HoldView()
	if err := r.Align(); err != ErrViewsLive {
		t.Fatalf("Align with live view = %v, want ErrViewsLive", err)
	}
	r.ReleaseView()
	if err := r.Align(); err != nil {
		t.Fatalf("Align after release: %v", err)
	}
}

func TestRingGrowDoublesUpToMax(t *testing.T) {
	r := NewGrowable(4, 16)
	if err := r.Grow(); err != nil {
		t.Fatalf("Grow: %v", err)
	}
	if r.Cap() != 8 {
		t.Fatalf("Cap = %d, want 8", r.Cap())
	}
	if err := r.Grow(); err != nil {
		t.Fatalf("Grow: %v", err)
	}
	if r.Cap() != 16 {
		t.Fatalf("Cap = %d, want 16", r.Cap())
	}
	if err := r.Grow(); err != ErrNoSpace {
		t.Fatalf("Grow past max = %v, want ErrNoSpace", err)
	}
}
