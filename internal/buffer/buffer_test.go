package buffer

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBuffer_BasicPushReceive(t *testing.T) {
	buf := New[int](10)

	for i := 0; i < 5; i++ {
		if err := buf.Push(i); err != nil {
			t.Fatalf("Push(%d) failed: %v", i, err)
		}
	}

	if buf.Len() != 5 {
		t.Errorf("Len() = %d, want 5", buf.Len())
	}

	for i := 0; i < 5; i++ {
		val, ok := buf.TryReceive()
		if !ok {
			t.Fatalf("TryReceive() returned false for item %d", i)
		}
		if val != i {
			t.Errorf("received %d, want %d", val, i)
		}
	}

	if buf.Len() != 0 {
		t.Errorf("Len() = %d, want 0", buf.Len())
	}
}

func TestBuffer_GrowAt70Percent(t *testing.T) {
	buf := New[int](10)

	for i := 0; i < 7; i++ {
		buf.Push(i)
	}

	stats := buf.Stats()
	if stats.Capacity <= 10 {
		t.Errorf("Capacity = %d, expected growth after 70%% fill", stats.Capacity)
	}
	if stats.ResizeCount != 1 {
		t.Errorf("ResizeCount = %d, want 1", stats.ResizeCount)
	}

	for i := 0; i < 7; i++ {
		val, _ := buf.TryReceive()
		if val != i {
			t.Errorf("received %d, want %d", val, i)
		}
	}
}

func TestBuffer_WrappedGrowKeepsOrder(t *testing.T) {
	buf := New[int](4)

	// Advance head so later pushes wrap around the backing array.
	buf.Push(0)
	buf.Push(1)
	buf.TryReceive()
	buf.TryReceive()

	for i := 0; i < 100; i++ {
		buf.Push(i)
	}

	for i := 0; i < 100; i++ {
		val, ok := buf.TryReceive()
		if !ok {
			t.Fatalf("TryReceive() returned false for item %d", i)
		}
		if val != i {
			t.Fatalf("received %d, want %d", val, i)
		}
	}
}

func TestBuffer_BoundedRejectsNewest(t *testing.T) {
	buf := NewBounded[string](2, 3)

	for _, s := range []string{"a", "b", "c"} {
		if err := buf.Push(s); err != nil {
			t.Fatalf("Push(%q) failed: %v", s, err)
		}
	}

	err := buf.Push("d")
	if !errors.Is(err, ErrFull) {
		t.Fatalf("Push at limit = %v, want ErrFull", err)
	}

	stats := buf.Stats()
	if stats.Count != 3 {
		t.Errorf("Count = %d, want 3", stats.Count)
	}
	if stats.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", stats.Rejected)
	}
	if stats.Capacity > 3 {
		t.Errorf("Capacity = %d, want <= limit 3", stats.Capacity)
	}

	// Oldest items are kept, newest was rejected.
	got := buf.DrainTo(0)
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("item %d = %q, want %q", i, got[i], want[i])
		}
	}

	// Space frees up after draining.
	if err := buf.Push("d"); err != nil {
		t.Errorf("Push after drain failed: %v", err)
	}
}

func TestBuffer_FlushStopsAtFirstError(t *testing.T) {
	buf := New[string](4)
	buf.Push("A")
	buf.Push("B")
	buf.Push("C")

	var sent []string
	failOn := "B"
	n, err := buf.Flush(func(s string) error {
		if s == failOn {
			return errors.New("write failed")
		}
		sent = append(sent, s)
		return nil
	})

	if err == nil {
		t.Fatal("expected flush error")
	}
	if n != 1 {
		t.Errorf("flushed = %d, want 1", n)
	}
	if buf.Len() != 2 {
		t.Errorf("Len() = %d, want 2 (failed item stays queued)", buf.Len())
	}

	failOn = ""
	n, err = buf.Flush(func(s string) error {
		sent = append(sent, s)
		return nil
	})
	if err != nil {
		t.Fatalf("second flush failed: %v", err)
	}
	if n != 2 {
		t.Errorf("flushed = %d, want 2", n)
	}

	want := []string{"A", "B", "C"}
	if len(sent) != len(want) {
		t.Fatalf("sent %v, want %v", sent, want)
	}
	for i := range want {
		if sent[i] != want[i] {
			t.Errorf("sent[%d] = %q, want %q", i, sent[i], want[i])
		}
	}
}

func TestBuffer_PeekDiscard(t *testing.T) {
	buf := New[int](2)

	if _, ok := buf.Peek(); ok {
		t.Error("Peek on empty buffer returned true")
	}
	if buf.Discard() {
		t.Error("Discard on empty buffer returned true")
	}

	buf.Push(7)
	v, ok := buf.Peek()
	if !ok || v != 7 {
		t.Errorf("Peek() = %d, %v, want 7, true", v, ok)
	}
	if buf.Len() != 1 {
		t.Errorf("Len() after Peek = %d, want 1", buf.Len())
	}
	if !buf.Discard() {
		t.Error("Discard returned false")
	}
	if buf.Len() != 0 {
		t.Errorf("Len() after Discard = %d, want 0", buf.Len())
	}
}

func TestBuffer_BlockingReceive(t *testing.T) {
	buf := New[int](10)

	received := make(chan int, 1)
	go func() {
		val, ok := buf.Receive()
		if ok {
			received <- val
		}
	}()

	// Give receiver time to start waiting
	time.Sleep(10 * time.Millisecond)
	buf.Push(42)

	select {
	case val := <-received:
		if val != 42 {
			t.Errorf("received %d, want 42", val)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for receive")
	}
}

func TestBuffer_CloseUnblocksReceivers(t *testing.T) {
	buf := New[int](10)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := buf.Receive(); ok {
				t.Error("expected closed receive to return false")
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	buf.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("receivers not released by Close")
	}

	if err := buf.Push(1); !errors.Is(err, ErrClosed) {
		t.Errorf("Push after Close = %v, want ErrClosed", err)
	}
}

func TestBuffer_CloseDrainsRemaining(t *testing.T) {
	buf := New[int](10)
	buf.Push(1)
	buf.Push(2)
	buf.Close()

	for _, want := range []int{1, 2} {
		v, ok := buf.Receive()
		if !ok || v != want {
			t.Errorf("Receive() = %d, %v, want %d, true", v, ok, want)
		}
	}
	if _, ok := buf.Receive(); ok {
		t.Error("expected false after draining closed buffer")
	}
}

func TestBuffer_Reset(t *testing.T) {
	buf := New[int](4)
	buf.Push(1)
	buf.Push(2)
	buf.Reset()

	if buf.Len() != 0 {
		t.Errorf("Len() after Reset = %d, want 0", buf.Len())
	}
	buf.Push(3)
	if v, _ := buf.TryReceive(); v != 3 {
		t.Errorf("received %d after Reset, want 3", v)
	}
}

func TestBuffer_ConcurrentPush(t *testing.T) {
	buf := New[int](4)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				buf.Push(i)
			}
		}()
	}
	wg.Wait()

	if buf.Len() != 2000 {
		t.Errorf("Len() = %d, want 2000", buf.Len())
	}
}
