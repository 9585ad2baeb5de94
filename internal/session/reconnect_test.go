package session

import (
	"bytes"
	"errors"
	"testing"
)

func TestSendQueueFIFO(t *testing.T) {
	t.Parallel()

	q := newSendQueue(4)
	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}

	for _, p := range payloads {
		if err := q.Push(p); err != nil {
			t.Fatalf("Push(%q) = %v", p, err)
		}
	}
	if got := q.Len(); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}

	drained := q.Drain()
	if len(drained) != len(payloads) {
		t.Fatalf("Drain returned %d items, want %d", len(drained), len(payloads))
	}
	for i, p := range payloads {
		if !bytes.Equal(drained[i], p) {
			t.Errorf("drained[%d] = %q, want %q", i, drained[i], p)
		}
	}
	if got := q.Len(); got != 0 {
		t.Errorf("Len after drain = %d, want 0", got)
	}
}

func TestSendQueueOverflow(t *testing.T) {
	t.Parallel()

	q := newSendQueue(2)
	if err := q.Push([]byte("a")); err != nil {
		t.Fatalf("Push = %v", err)
	}
	if err := q.Push([]byte("b")); err != nil {
		t.Fatalf("Push = %v", err)
	}

	err := q.Push([]byte("c"))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Push at capacity = %v, want ErrQueueFull", err)
	}
	if got := q.Len(); got != 2 {
		t.Errorf("Len = %d, want 2", got)
	}
}

func TestSendQueueDrainResets(t *testing.T) {
	t.Parallel()

	q := newSendQueue(1)
	if err := q.Push([]byte("x")); err != nil {
		t.Fatalf("Push = %v", err)
	}
	if err := q.Push([]byte("y")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Push = %v, want ErrQueueFull", err)
	}

	q.Drain()

	// Capacity is available again after a drain.
	if err := q.Push([]byte("z")); err != nil {
		t.Errorf("Push after drain = %v", err)
	}
}

func TestNewSeqBaseRange(t *testing.T) {
	t.Parallel()

	for range 1000 {
		base := newSeqBase()
		if base == 0 {
			t.Fatal("seq base must never be zero")
		}
		if base >= 1<<32-1 {
			t.Fatalf("seq base %d out of range", base)
		}
	}
}
