package tailbuffer

import "testing"

func TestSnapshotReturnsWrittenBytesWithinCapacity(t *testing.T) {
	b := New(16)
	b.Write([]byte("hello"))
	if got := b.Snapshot(); got != "hello" {
		t.Fatalf("Snapshot() = %q, want %q", got, "hello")
	}
}

func TestSnapshotDoesNotConsumeBytes(t *testing.T) {
	b := New(16)
	b.Write([]byte("abc"))
	first := b.Snapshot()
	second := b.Snapshot()
	if first != second {
		t.Fatalf("Snapshot() not idempotent: %q then %q", first, second)
	}
}

func TestWritePastCapacityDropsOldestBytes(t *testing.T) {
	b := New(4)
	b.Write([]byte("abcdef"))
	if got := b.Snapshot(); got != "cdef" {
		t.Fatalf("Snapshot() = %q, want %q", got, "cdef")
	}
}

func TestWriteLargerThanCapacityKeepsOnlyTail(t *testing.T) {
	b := New(3)
	b.Write([]byte("abcdefgh"))
	if got := b.Snapshot(); got != "fgh" {
		t.Fatalf("Snapshot() = %q, want %q", got, "fgh")
	}
}
