package memory

import (
	"bytes"
	"testing"
)

func mustSpace(t *testing.T, runs []Run) *SparseSpace {
	t.Helper()
	s, err := NewSparseSpace(runs)
	if err != nil {
		t.Fatalf("NewSparseSpace failed: %v", err)
	}
	return s
}

// TestReadRunsFullRange tests a read fully covered by one run
func TestReadRunsFullRange(t *testing.T) {
	s := mustSpace(t, []Run{{Addr: 0x1000, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}}})

	runs, err := s.ReadRuns(0x1002, 4)
	if err != nil {
		t.Fatalf("ReadRuns error: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	if runs[0].Addr != 0x1002 {
		t.Errorf("run addr = %#x, want 0x1002", runs[0].Addr)
	}
	if !bytes.Equal(runs[0].Data, []byte{3, 4, 5, 6}) {
		t.Errorf("run data = %v, want [3 4 5 6]", runs[0].Data)
	}
}

// TestReadRunsGap tests a read spanning a hole between two runs
func TestReadRunsGap(t *testing.T) {
	s := mustSpace(t, []Run{
		{Addr: 0x1000, Data: []byte{1, 2, 3, 4}},
		{Addr: 0x2000, Data: []byte{5, 6, 7, 8}},
	})

	runs, err := s.ReadRuns(0x1002, 0x1004-0x0002)
	if err != nil {
		t.Fatalf("ReadRuns error: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].Addr != 0x1002 || !bytes.Equal(runs[0].Data, []byte{3, 4}) {
		t.Errorf("first run = %#x %v", runs[0].Addr, runs[0].Data)
	}
	if runs[1].Addr != 0x2000 || !bytes.Equal(runs[1].Data, []byte{5, 6}) {
		t.Errorf("second run = %#x %v", runs[1].Addr, runs[1].Data)
	}
}

// TestReadRunsAbsent tests a read of a fully unmapped range
func TestReadRunsAbsent(t *testing.T) {
	s := mustSpace(t, []Run{{Addr: 0x1000, Data: []byte{1, 2, 3, 4}}})

	runs, err := s.ReadRuns(0x9000, 16)
	if err != nil {
		t.Fatalf("ReadRuns error: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("got %d runs for unmapped range, want 0", len(runs))
	}
}

// TestReadFull tests the all-or-nothing helper
func TestReadFull(t *testing.T) {
	s := mustSpace(t, []Run{{Addr: 0x1000, Data: []byte{1, 2, 3, 4}}})

	data, ok := ReadFull(s, 0x1000, 4)
	if !ok {
		t.Fatal("ReadFull failed for fully present range")
	}
	if !bytes.Equal(data, []byte{1, 2, 3, 4}) {
		t.Errorf("ReadFull data = %v", data)
	}

	if _, ok := ReadFull(s, 0x1000, 8); ok {
		t.Error("ReadFull succeeded for partially present range")
	}
	if _, ok := ReadFull(s, 0x5000, 4); ok {
		t.Error("ReadFull succeeded for absent range")
	}
}

// TestReadFullAdjacentRuns tests that back-to-back runs covering the
// whole range count as fully present
func TestReadFullAdjacentRuns(t *testing.T) {
	s := mustSpace(t, []Run{
		{Addr: 0x1000, Data: []byte{1, 2}},
		{Addr: 0x1002, Data: []byte{3, 4}},
		{Addr: 0x1004, Data: []byte{5, 6, 7, 8}},
	})

	data, ok := ReadFull(s, 0x1000, 8)
	if !ok {
		t.Fatal("ReadFull failed for adjacent runs covering the range")
	}
	if !bytes.Equal(data, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("ReadFull data = %v", data)
	}

	// A real hole between runs is still not fully present
	gappy := mustSpace(t, []Run{
		{Addr: 0x2000, Data: []byte{1, 2}},
		{Addr: 0x2004, Data: []byte{5, 6}},
	})
	if _, ok := ReadFull(gappy, 0x2000, 6); ok {
		t.Error("ReadFull succeeded across a hole")
	}
}

// TestIsValid tests mapped-address queries
func TestIsValid(t *testing.T) {
	s := mustSpace(t, []Run{
		{Addr: 0x1000, Data: make([]byte, 0x1000)},
		{Addr: 0x4000, Data: make([]byte, 0x100)},
	})

	tests := []struct {
		addr uint64
		want bool
	}{
		{0x0fff, false},
		{0x1000, true},
		{0x1fff, true},
		{0x2000, false},
		{0x4000, true},
		{0x40ff, true},
		{0x4100, false},
	}

	for _, tt := range tests {
		if got := s.IsValid(tt.addr); got != tt.want {
			t.Errorf("IsValid(%#x) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

// TestNewSparseSpaceOverlap tests rejection of overlapping runs
func TestNewSparseSpaceOverlap(t *testing.T) {
	_, err := NewSparseSpace([]Run{
		{Addr: 0x1000, Data: make([]byte, 0x100)},
		{Addr: 0x1080, Data: make([]byte, 0x100)},
	})
	if err == nil {
		t.Error("expected error for overlapping runs")
	}
}
