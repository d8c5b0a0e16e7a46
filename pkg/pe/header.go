// Package pe parses PE headers directly out of a virtual address
// space and rebuilds the on-disk file layout from them. The parser is
// built for memory captures: header fields are treated as untrusted
// input, and gaps in the address space are expected rather than
// fatal.
package pe

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ineffectivecoder/pedumper/internal/encoding"
	"github.com/ineffectivecoder/pedumper/pkg/memory"
)

// PE magic values
const (
	dosMagic = 0x5A4D     // "MZ"
	ntMagic  = 0x00004550 // "PE\0\0"

	optMagicPE32     = 0x10B
	optMagicPE32Plus = 0x20B
)

// Validation bounds for untrusted header fields
const (
	maxLfanew      = 0x10000000
	maxSections    = 96 // Windows image loader limit
	maxHeaderSize  = 16 << 20
	maxSectionSize = 1 << 30

	dosHeaderSize     = 64
	fileHeaderSize    = 20
	sectionHeaderSize = 40
)

// Errors returned by Parse. Both classes mean "no valid image at this
// base address"; callers skip the target rather than abort.
var (
	ErrMalformedHeader  = errors.New("malformed PE header")
	ErrUnreadableHeader = errors.New("PE header not resident")
)

// Section describes one section's virtual-to-file mapping.
type Section struct {
	Name           string
	VirtualAddress uint32
	VirtualSize    uint32
	RawOffset      uint32
	RawSize        uint32
}

// ImageModel is the parsed description of an in-memory PE image.
// Immutable once returned by Parse. Sections are ordered by file
// offset; sections without raw data carry RawSize 0 and contribute no
// file bytes.
type ImageModel struct {
	Machine           uint16
	Is64Bit           bool
	HeaderSize        uint32
	SizeOfImage       uint32
	ReconstructedSize uint64
	Sections          []Section
}

// Parse reads and validates the PE headers at base in the given
// address space. A non-resident header region returns
// ErrUnreadableHeader; any field that fails validation returns an
// error wrapping ErrMalformedHeader.
func Parse(as memory.AddressSpace, base uint64) (*ImageModel, error) {
	dos, ok := memory.ReadFull(as, base, dosHeaderSize)
	if !ok {
		return nil, fmt.Errorf("DOS header at %#x: %w", base, ErrUnreadableHeader)
	}
	if encoding.Uint16LE(dos[0:2]) != dosMagic {
		return nil, fmt.Errorf("no MZ magic at %#x: %w", base, ErrMalformedHeader)
	}

	lfanew := encoding.Uint32LE(dos[0x3C:0x40])
	if lfanew < dosHeaderSize || lfanew > maxLfanew {
		return nil, fmt.Errorf("e_lfanew %#x out of range: %w", lfanew, ErrMalformedHeader)
	}

	ntBase, err := addOverflow(base, uint64(lfanew))
	if err != nil {
		return nil, err
	}

	// NT signature plus COFF file header
	nt, ok := memory.ReadFull(as, ntBase, 4+fileHeaderSize)
	if !ok {
		return nil, fmt.Errorf("NT headers at %#x: %w", ntBase, ErrUnreadableHeader)
	}
	if encoding.Uint32LE(nt[0:4]) != ntMagic {
		return nil, fmt.Errorf("no PE signature at %#x: %w", ntBase, ErrMalformedHeader)
	}

	machine := encoding.Uint16LE(nt[4:6])
	numSections := encoding.Uint16LE(nt[6:8])
	optSize := encoding.Uint16LE(nt[20:22])

	// Bound the section count before allocating anything per-section
	if numSections > maxSections {
		return nil, fmt.Errorf("%d sections exceeds loader limit: %w", numSections, ErrMalformedHeader)
	}
	// SizeOfImage and SizeOfHeaders live at offsets 56 and 60 of the
	// optional header in both PE32 and PE32+.
	if optSize < 64 {
		return nil, fmt.Errorf("optional header size %d too small: %w", optSize, ErrMalformedHeader)
	}

	optBase, err := addOverflow(ntBase, 4+fileHeaderSize)
	if err != nil {
		return nil, err
	}
	opt, ok := memory.ReadFull(as, optBase, 64)
	if !ok {
		return nil, fmt.Errorf("optional header at %#x: %w", optBase, ErrUnreadableHeader)
	}

	optMagic := encoding.Uint16LE(opt[0:2])
	if optMagic != optMagicPE32 && optMagic != optMagicPE32Plus {
		return nil, fmt.Errorf("optional header magic %#x: %w", optMagic, ErrMalformedHeader)
	}

	sizeOfImage := encoding.Uint32LE(opt[56:60])
	headerSize := encoding.Uint32LE(opt[60:64])

	secTableOff := uint64(lfanew) + 4 + fileHeaderSize + uint64(optSize)
	secTableEnd := secTableOff + uint64(numSections)*sectionHeaderSize
	if headerSize > maxHeaderSize || uint64(headerSize) < secTableEnd {
		return nil, fmt.Errorf("SizeOfHeaders %#x does not cover section table: %w", headerSize, ErrMalformedHeader)
	}

	secTableBase, err := addOverflow(base, secTableOff)
	if err != nil {
		return nil, err
	}
	var table []byte
	if numSections > 0 {
		table, ok = memory.ReadFull(as, secTableBase, uint64(numSections)*sectionHeaderSize)
		if !ok {
			return nil, fmt.Errorf("section table at %#x: %w", secTableBase, ErrUnreadableHeader)
		}
	}

	sections := make([]Section, 0, numSections)
	reconSize := uint64(headerSize)
	for i := 0; i < int(numSections); i++ {
		raw := table[i*sectionHeaderSize : (i+1)*sectionHeaderSize]
		sec := Section{
			Name:           sectionName(raw[0:8]),
			VirtualSize:    encoding.Uint32LE(raw[8:12]),
			VirtualAddress: encoding.Uint32LE(raw[12:16]),
			RawSize:        encoding.Uint32LE(raw[16:20]),
			RawOffset:      encoding.Uint32LE(raw[20:24]),
		}
		if sec.RawSize > maxSectionSize || sec.VirtualSize > maxSectionSize {
			return nil, fmt.Errorf("section %q size exceeds %#x: %w", sec.Name, maxSectionSize, ErrMalformedHeader)
		}
		if _, err := addOverflow(base, uint64(sec.VirtualAddress)); err != nil {
			return nil, err
		}
		end := uint64(sec.RawOffset) + uint64(sec.RawSize)
		if end > reconSize {
			reconSize = end
		}
		sections = append(sections, sec)
	}

	sort.Slice(sections, func(i, j int) bool {
		return sections[i].RawOffset < sections[j].RawOffset
	})
	if err := checkRawOverlap(sections); err != nil {
		return nil, err
	}

	return &ImageModel{
		Machine:           machine,
		Is64Bit:           optMagic == optMagicPE32Plus,
		HeaderSize:        headerSize,
		SizeOfImage:       sizeOfImage,
		ReconstructedSize: reconSize,
		Sections:          sections,
	}, nil
}

// checkRawOverlap rejects images whose raw-backed sections claim
// overlapping file ranges. Sections must already be sorted by
// RawOffset.
func checkRawOverlap(sections []Section) error {
	prevEnd := uint64(0)
	for _, sec := range sections {
		if sec.RawSize == 0 {
			continue
		}
		if uint64(sec.RawOffset) < prevEnd {
			return fmt.Errorf("section %q raw range overlaps previous section: %w", sec.Name, ErrMalformedHeader)
		}
		prevEnd = uint64(sec.RawOffset) + uint64(sec.RawSize)
	}
	return nil
}

// sectionName decodes the fixed 8-byte section name field.
func sectionName(b []byte) string {
	end := len(b)
	for i, c := range b {
		if c == 0 {
			end = i
			break
		}
	}
	return string(b[:end])
}

// addOverflow adds two addresses, failing as malformed when the sum
// wraps. Header fields are hostile input; wrapped arithmetic must not
// turn into a bogus low address.
func addOverflow(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, fmt.Errorf("address %#x+%#x overflows: %w", a, b, ErrMalformedHeader)
	}
	return sum, nil
}
