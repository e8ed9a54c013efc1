package buffer

import (
	"slices"
	"testing"
)

func TestRingKeepsNewestEntries(t *testing.T) {
	ring := NewRing[int](3)
	if got := ring.List(); got != nil {
		t.Fatalf("expected empty ring, got %v", got)
	}

	for i := 1; i <= 5; i++ {
		ring.Add(i)
	}
	if ring.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", ring.Len())
	}
	if got := ring.List(); !slices.Equal(got, []int{3, 4, 5}) {
		t.Fatalf("expected [3 4 5], got %v", got)
	}
}

func TestRingMinimumSize(t *testing.T) {
	ring := NewRing[string](0)
	ring.Add("a")
	ring.Add("b")
	if got := ring.List(); !slices.Equal(got, []string{"b"}) {
		t.Fatalf("expected [b], got %v", got)
	}
}

func TestNilRing(t *testing.T) {
	var ring *Ring[int]
	ring.Add(1)
	if ring.Len() != 0 || ring.List() != nil {
		t.Fatalf("expected nil ring to stay empty")
	}
}

func TestLinesTrimsAndSkipsBlank(t *testing.T) {
	lines := NewLines(2)
	lines.Add("starting\n")
	lines.Add("\r\n")
	lines.Add("listening on 8080\r\n")
	lines.Add("ready\n")
	if got := lines.String(); got != "listening on 8080\nready" {
		t.Fatalf("unexpected lines %q", got)
	}
}
