package pe

import (
	"fmt"

	"github.com/ineffectivecoder/pedumper/pkg/memory"
)

// WriteInstruction is one piece of the reconstructed file: write Data
// at file offset Offset. Offsets increase but are not contiguous;
// unwritten ranges are implicit zeros.
type WriteInstruction struct {
	Offset uint64
	Data   []byte
}

// Reconstruction is a single-pass stream of write instructions that
// rebuilds the file layout of an in-memory image. Instructions are
// produced on demand; at most one section's present runs are buffered
// at a time. A finished stream is not restartable.
type Reconstruction struct {
	model *ImageModel
	as    memory.AddressSpace
	base  uint64

	started bool
	secIdx  int
	pending []WriteInstruction
	err     error
	done    bool
}

// Reconstruct returns the instruction stream for the given parsed
// image. The address space is borrowed for the lifetime of the stream
// and never retained past it.
func Reconstruct(model *ImageModel, as memory.AddressSpace, base uint64) *Reconstruction {
	return &Reconstruction{model: model, as: as, base: base}
}

// Next returns the next write instruction. It returns false when the
// stream is exhausted or failed; check Err afterwards.
func (r *Reconstruction) Next() (WriteInstruction, bool) {
	if r.done {
		return WriteInstruction{}, false
	}

	// The header region comes first and is all-or-nothing: emitting a
	// truncated header would produce a file worse than no file.
	if !r.started {
		r.started = true
		hdr, ok := memory.ReadFull(r.as, r.base, uint64(r.model.HeaderSize))
		if !ok {
			r.fail(fmt.Errorf("header region at %#x: %w", r.base, ErrUnreadableHeader))
			return WriteInstruction{}, false
		}
		return WriteInstruction{Offset: 0, Data: hdr}, true
	}

	for len(r.pending) == 0 {
		if r.secIdx >= len(r.model.Sections) {
			r.done = true
			return WriteInstruction{}, false
		}
		sec := r.model.Sections[r.secIdx]
		r.secIdx++
		if sec.RawSize == 0 {
			continue
		}

		runs, err := r.as.ReadRuns(r.base+uint64(sec.VirtualAddress), uint64(sec.RawSize))
		if err != nil {
			r.fail(fmt.Errorf("reading section %q: %w", sec.Name, err))
			return WriteInstruction{}, false
		}
		secBase := r.base + uint64(sec.VirtualAddress)
		for _, run := range runs {
			r.pending = append(r.pending, WriteInstruction{
				Offset: uint64(sec.RawOffset) + (run.Addr - secBase),
				Data:   run.Data,
			})
		}
		// A fully absent section emits nothing; the file keeps an
		// implicit zero-filled gap there.
	}

	ins := r.pending[0]
	r.pending = r.pending[1:]
	return ins, true
}

// Err returns the failure that terminated the stream, if any.
func (r *Reconstruction) Err() error {
	return r.err
}

func (r *Reconstruction) fail(err error) {
	r.err = err
	r.done = true
}
