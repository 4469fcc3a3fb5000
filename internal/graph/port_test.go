package graph

import (
	"testing"
	"time"
)

func TestPortPushPop(t *testing.T) {
	p := newPort(2)
	b1 := NewBlob(0, 1)
	b2 := NewBlob(0, 2)

	if st := p.push(b1, time.Millisecond); st != SendSuccess {
		t.Fatalf("push 1: %v", st)
	}
	if st := p.push(b2, time.Millisecond); st != SendSuccess {
		t.Fatalf("push 2: %v", st)
	}

	// Port is full now; timeout-bounded push must report without consuming.
	b3 := NewBlob(0, 3)
	if st := p.push(b3, 5*time.Millisecond); st != SendPortFullTimeout {
		t.Fatalf("push on full port: %v, want timeout", st)
	}
	if p.depth() != 2 {
		t.Fatalf("depth after failed push = %d, want 2", p.depth())
	}

	got := p.popMatch(nil, time.Millisecond)
	if got != b1 {
		t.Error("FIFO order violated")
	}
}

func TestPortPopMatchPredicate(t *testing.T) {
	p := newPort(4)
	p.push(NewBlob(1, 10), 0)
	p.push(NewBlob(2, 11), 0)
	p.push(NewBlob(1, 12), 0)

	got := p.popMatch(func(b *Blob) bool { return b.StreamID == 2 }, time.Millisecond)
	if got == nil || got.FrameID != 11 {
		t.Fatalf("predicate pop returned %+v", got)
	}
	// Remaining order is preserved for the untouched stream.
	first := p.popMatch(func(b *Blob) bool { return b.StreamID == 1 }, time.Millisecond)
	second := p.popMatch(func(b *Blob) bool { return b.StreamID == 1 }, time.Millisecond)
	if first.FrameID != 10 || second.FrameID != 12 {
		t.Errorf("stream 1 order: got %d then %d", first.FrameID, second.FrameID)
	}
}

func TestPortPopTimeout(t *testing.T) {
	p := newPort(1)
	start := time.Now()
	got := p.popMatch(nil, 20*time.Millisecond)
	if got != nil {
		t.Fatal("pop on empty port should time out to nil")
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("pop returned too early: %v", elapsed)
	}
}

func TestPortBlockedPushWakesOnPop(t *testing.T) {
	p := newPort(1)
	p.push(NewBlob(0, 1), 0)

	done := make(chan SendStatus, 1)
	go func() {
		done <- p.push(NewBlob(0, 2), time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	if p.popMatch(nil, time.Millisecond) == nil {
		t.Fatal("expected queued blob")
	}
	select {
	case st := <-done:
		if st != SendSuccess {
			t.Fatalf("blocked push finished with %v", st)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked push never woke")
	}
}

func TestPortClose(t *testing.T) {
	p := newPort(2)
	p.push(NewBlob(0, 1), 0)
	p.close()

	// Queued items stay poppable after close.
	if got := p.popMatch(nil, time.Millisecond); got == nil {
		t.Fatal("queued blob lost on close")
	}
	if got := p.popMatch(nil, time.Millisecond); got != nil {
		t.Fatal("drained closed port should return nil")
	}
	if st := p.push(NewBlob(0, 2), time.Millisecond); st != SendNullPort {
		t.Errorf("push after close: %v, want null-port", st)
	}
}

func TestPortPushFrontBypassesBound(t *testing.T) {
	p := newPort(1)
	p.push(NewBlob(0, 2), 0)
	p.pushFront(NewBlob(0, 1))
	got := p.popMatch(nil, time.Millisecond)
	if got.FrameID != 1 {
		t.Errorf("pushFront should land at head, got frame %d", got.FrameID)
	}
}
