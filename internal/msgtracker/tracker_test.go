package msgtracker

import "testing"

func TestStartExtendDoneConsumed(t *testing.T) {
	tr := New(4)
	if err := tr.Start(0x1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !tr.InProgress() {
		t.Fatalf("InProgress = false, want true")
	}
	tr.Extend(5)
	tr.Done()
	if tr.InProgress() {
		t.Fatalf("InProgress = true after Done, want false")
	}

	op, avail, done, ok := tr.Current()
	if !ok || op != 0x1 || avail != 5 || !done {
		t.Fatalf("Current = (%v,%v,%v,%v), want (0x1,5,true,true)", op, avail, done, ok)
	}

	tr.Consumed(5, true)
	if tr.Len() != 0 {
		t.Fatalf("Len = %d, want 0", tr.Len())
	}
}

func TestStartWhileInProgressFails(t *testing.T) {
	tr := New(4)
	if err := tr.Start(0x2); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tr.Start(0x1); err != ErrInProgress {
		t.Fatalf("Start while in progress = %v, want ErrInProgress", err)
	}
}

func TestStartAtCapacityFails(t *testing.T) {
	tr := New(1)
	if err := tr.Start(0x1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tr.Done()
	if err := tr.Start(0x2); err != ErrFull {
		t.Fatalf("Start over capacity = %v, want ErrFull", err)
	}
}

func TestCurrentWithMultipleItemsAlwaysDoneForHead(t *testing.T) {
	tr := New(4)
	_ = tr.Start(0x1)
	tr.Extend(3)
	tr.Done()
	_ = tr.Start(0x2)
	tr.Extend(2)
	// tail still partial, but head (0x1) must report done=true regardless.
	op, avail, done, ok := tr.Current()
	if !ok || op != 0x1 || avail != 3 || !done {
		t.Fatalf("Current head = (%v,%v,%v,%v)", op, avail, done, ok)
	}
}

func TestConsumedPartial(t *testing.T) {
	tr := New(4)
	_ = tr.Start(0x2)
	tr.Extend(10)
	tr.Done()
	tr.Consumed(4, false)
	op, avail, _, _ := tr.Current()
	if op != 0x2 || avail != 6 {
		t.Fatalf("Current after partial consume = (%v,%v), want (0x2,6)", op, avail)
	}
}
