package connstate

import (
	"sync"
	"testing"
)

func TestResetClearsState(t *testing.T) {
	s := New()
	s.SetToAddr([]byte("backend-1"))
	s.IncOutSeq()
	s.Reset()
	if s.ToAddr() != nil {
		t.Fatalf("ToAddr after Reset = %v, want nil", s.ToAddr())
	}
	if s.OutSeq() != 0 {
		t.Fatalf("OutSeq after Reset = %d, want 0", s.OutSeq())
	}
}

func TestIncOutSeqMonotonic(t *testing.T) {
	s := New()
	for i := uint32(0); i < 5; i++ {
		if got := s.IncOutSeq(); got != i {
			t.Fatalf("IncOutSeq() = %d, want %d", got, i)
		}
	}
}

func TestAddrOver64BytesPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for oversized address")
		}
	}()
	s := New()
	s.SetToAddr(make([]byte, 65))
}

func TestConcurrentReadDuringCancel(t *testing.T) {
	s := New()
	s.SetToAddr([]byte("addr"))
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = s.ToAddr() }()
	go func() { defer wg.Done(); s.IncOutSeq() }()
	wg.Wait()
}
