// Package memory defines the address space contract used to read
// virtual memory out of a capture or a live process. Reads never
// fault on unmapped pages: a request for a range returns the present
// sub-runs and silently omits the rest.
package memory

import (
	"fmt"
	"sort"
)

// Run is one contiguous present byte range of a virtual address space.
type Run struct {
	Addr uint64
	Data []byte
}

// End returns the first address past the run.
func (r Run) End() uint64 {
	return r.Addr + uint64(len(r.Data))
}

// AddressSpace is a random-access view of virtual memory. Implementors
// are read-only; callers must not retain returned buffers across
// unrelated reads of the same space.
type AddressSpace interface {
	// ReadRuns returns the present sub-runs of [addr, addr+length) in
	// ascending address order. An empty slice means the whole range is
	// unmapped. Errors are reserved for handle-level failures, never
	// for gaps.
	ReadRuns(addr, length uint64) ([]Run, error)

	// IsValid reports whether addr resolves to mapped memory.
	IsValid(addr uint64) bool
}

// ReadFull reads [addr, addr+length) and returns the bytes only when
// the entire range is present. Implementations may report contiguous
// memory as several adjacent runs (back-to-back capture ranges,
// per-region live reads); those still count as fully present and are
// coalesced here.
func ReadFull(as AddressSpace, addr, length uint64) ([]byte, bool) {
	runs, err := as.ReadRuns(addr, length)
	if err != nil || len(runs) == 0 {
		return nil, false
	}
	if len(runs) == 1 {
		if runs[0].Addr != addr || uint64(len(runs[0].Data)) != length {
			return nil, false
		}
		return runs[0].Data, true
	}

	buf := make([]byte, 0, length)
	next := addr
	for _, r := range runs {
		if r.Addr != next {
			return nil, false
		}
		buf = append(buf, r.Data...)
		next = r.End()
	}
	if next != addr+length {
		return nil, false
	}
	return buf, true
}

// SparseSpace is an AddressSpace backed by an in-memory list of
// non-overlapping runs. Capture-file providers build one from the
// ranges the capture actually recorded.
type SparseSpace struct {
	runs []Run
}

// NewSparseSpace builds a space from the given runs. Runs are sorted
// by address; overlapping runs are rejected.
func NewSparseSpace(runs []Run) (*SparseSpace, error) {
	sorted := make([]Run, 0, len(runs))
	for _, r := range runs {
		if len(r.Data) == 0 {
			continue
		}
		if r.End() < r.Addr {
			return nil, fmt.Errorf("run at %#x wraps the address space", r.Addr)
		}
		sorted = append(sorted, r)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Addr < sorted[j].Addr
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Addr < sorted[i-1].End() {
			return nil, fmt.Errorf("runs at %#x and %#x overlap",
				sorted[i-1].Addr, sorted[i].Addr)
		}
	}
	return &SparseSpace{runs: sorted}, nil
}

// ReadRuns returns the present portions of [addr, addr+length).
func (s *SparseSpace) ReadRuns(addr, length uint64) ([]Run, error) {
	if length == 0 {
		return nil, nil
	}
	end := addr + length
	if end < addr {
		return nil, fmt.Errorf("read of %d bytes at %#x wraps the address space", length, addr)
	}

	var out []Run
	for _, r := range s.runs {
		if r.End() <= addr {
			continue
		}
		if r.Addr >= end {
			break
		}
		lo, hi := r.Addr, r.End()
		if lo < addr {
			lo = addr
		}
		if hi > end {
			hi = end
		}
		out = append(out, Run{
			Addr: lo,
			Data: r.Data[lo-r.Addr : hi-r.Addr],
		})
	}
	return out, nil
}

// IsValid reports whether addr falls inside a present run.
func (s *SparseSpace) IsValid(addr uint64) bool {
	i := sort.Search(len(s.runs), func(i int) bool {
		return s.runs[i].End() > addr
	})
	return i < len(s.runs) && s.runs[i].Addr <= addr
}
