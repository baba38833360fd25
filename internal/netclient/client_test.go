package netclient

import (
	"testing"
	"time"

	"netplay64/internal/wire"
)

func TestBlockingQueuePushPop(t *testing.T) {
	q := NewBlockingQueue[int]()
	q.Push(1)
	q.Push(2)
	v, ok := q.Pop()
	if !ok || v != 1 {
		t.Fatalf("got %v, %v", v, ok)
	}
	v, ok = q.Pop()
	if !ok || v != 2 {
		t.Fatalf("got %v, %v", v, ok)
	}
}

func TestBlockingQueueBlocksUntilPush(t *testing.T) {
	q := NewBlockingQueue[int]()
	done := make(chan int, 1)
	go func() {
		v, ok := q.Pop()
		if !ok {
			done <- -1
			return
		}
		done <- v
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatalf("Pop returned before any Push")
	default:
	}
	q.Push(42)
	if v := <-done; v != 42 {
		t.Fatalf("got %d, want 42", v)
	}
}

func TestBlockingQueueInterruptUnblocksWaiters(t *testing.T) {
	q := NewBlockingQueue[int]()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	q.Interrupt()
	if ok := <-done; ok {
		t.Fatalf("expected Pop to report !ok after Interrupt")
	}
	// Further Pop calls also return immediately until Reset.
	if _, ok := q.Pop(); ok {
		t.Fatalf("expected Pop to stay interrupted")
	}
	q.Reset()
	q.Push(7)
	if v, ok := q.Pop(); !ok || v != 7 {
		t.Fatalf("got %v, %v after Reset", v, ok)
	}
}

func TestCheckGolfSwingIsEdgeTriggered(t *testing.T) {
	c := &Client{}
	present := [4]bool{true, false, false, false}

	held := wire.InputSample{Data: [4]uint32{zTrigBit, 0, 0, 0}}
	released := wire.InputSample{Data: [4]uint32{0, 0, 0, 0}}

	if !c.checkGolfSwing(held, present) {
		t.Fatalf("expected rising edge to trigger on first press")
	}
	if c.checkGolfSwing(held, present) {
		t.Fatalf("expected held trigger to NOT re-fire every tick")
	}
	if c.checkGolfSwing(released, present) {
		t.Fatalf("release should not trigger")
	}
	if !c.checkGolfSwing(held, present) {
		t.Fatalf("expected a second press after a release to trigger again")
	}
}

func TestCheckGolfSwingIgnoresAbsentControllers(t *testing.T) {
	c := &Client{}
	present := [4]bool{false, false, false, false}
	held := wire.InputSample{Data: [4]uint32{zTrigBit, 0, 0, 0}}
	if c.checkGolfSwing(held, present) {
		t.Fatalf("Z_TRIG on an absent controller must not trigger a swing")
	}
}

func TestMedianOf7(t *testing.T) {
	if got := medianOf7(nil); got != 0 {
		t.Fatalf("median of empty = %v, want 0", got)
	}
	got := medianOf7([]float64{0.05, 0.01, 0.2, 0.03, 0.04})
	if got != 0.04 {
		t.Fatalf("median = %v, want 0.04", got)
	}
}
