// Package minidump provides parsing for Windows minidump files so a
// capture's recorded memory can be exposed as a gap-aware address
// space. Only the ranges the capture actually recorded are present;
// everything else reads as absent.
package minidump

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ineffectivecoder/pedumper/internal/encoding"
	"github.com/ineffectivecoder/pedumper/pkg/memory"
)

// Minidump file signature
const minidumpSignature = 0x504D444D // "MDMP"

// Stream types
const (
	UnusedStream         = 0
	ThreadListStream     = 3
	ModuleListStream     = 4
	MemoryListStream     = 5
	SystemInfoStream     = 7
	Memory64ListStream   = 9
	MiscInfoStream       = 15
	MemoryInfoListStream = 16
)

// Parser bounds for untrusted counts
const (
	maxStreams      = 64
	maxModules      = 1024
	maxMemoryRanges = 65536
)

// Header represents the minidump file header
type Header struct {
	Signature          uint32
	Version            uint32
	NumberOfStreams    uint32
	StreamDirectoryRVA uint32
	Checksum           uint32
	TimeDateStamp      uint32
	Flags              uint64
}

// Directory entry for streams
type Directory struct {
	StreamType uint32
	DataSize   uint32
	RVA        uint32
}

// SystemInfo from the dump
type SystemInfo struct {
	ProcessorArchitecture uint16
	ProcessorLevel        uint16
	ProcessorRevision     uint16
	NumberOfProcessors    uint8
	ProductType           uint8
	MajorVersion          uint32
	MinorVersion          uint32
	BuildNumber           uint32
	PlatformId            uint32
	CSDVersionRva         uint32
}

// Module represents a loaded executable image
type Module struct {
	BaseOfImage uint64
	SizeOfImage uint32
	ModuleName  string
}

// MemoryRange represents a captured memory region with its virtual
// address
type MemoryRange struct {
	StartVA    uint64 // Virtual address start
	DataSize   uint64 // Size of the region
	FileOffset uint64 // Offset in the capture file where the data starts
}

// Dump represents a parsed minidump file
type Dump struct {
	Header       Header
	SystemInfo   *SystemInfo
	Modules      []Module
	MemoryRanges []MemoryRange
	ProcessId    uint32 // From the MiscInfo stream; 0 when absent

	data []byte
}

// Parse parses a minidump file from raw bytes. The byte slice is
// retained; address space views read from it directly.
func Parse(data []byte) (*Dump, error) {
	if len(data) < 32 {
		return nil, fmt.Errorf("file too small for minidump header")
	}

	r := bytes.NewReader(data)
	dump := &Dump{data: data}

	if err := binary.Read(r, binary.LittleEndian, &dump.Header); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	if dump.Header.Signature != minidumpSignature {
		return nil, fmt.Errorf("invalid minidump signature: 0x%08X", dump.Header.Signature)
	}
	if dump.Header.NumberOfStreams > maxStreams {
		return nil, fmt.Errorf("implausible stream count %d", dump.Header.NumberOfStreams)
	}

	if err := dump.parseStreams(data); err != nil {
		return nil, fmt.Errorf("failed to parse streams: %w", err)
	}

	return dump, nil
}

// parseStreams parses the stream directory and relevant streams
func (d *Dump) parseStreams(data []byte) error {
	r := bytes.NewReader(data)

	if _, err := r.Seek(int64(d.Header.StreamDirectoryRVA), io.SeekStart); err != nil {
		return err
	}

	for i := uint32(0); i < d.Header.NumberOfStreams; i++ {
		var dir Directory
		if err := binary.Read(r, binary.LittleEndian, &dir); err != nil {
			return err
		}

		// Individual streams are best-effort; a capture with a broken
		// SystemInfo can still provide memory.
		switch dir.StreamType {
		case SystemInfoStream:
			d.parseSystemInfo(data, dir)
		case ModuleListStream:
			d.parseModules(data, dir)
		case Memory64ListStream:
			d.parseMemory64(data, dir)
		case MiscInfoStream:
			d.parseMiscInfo(data, dir)
		}
	}

	return nil
}

// parseSystemInfo parses the system info stream
func (d *Dump) parseSystemInfo(data []byte, dir Directory) error {
	if int(dir.RVA)+56 > len(data) {
		return fmt.Errorf("system info stream out of bounds")
	}

	r := bytes.NewReader(data[dir.RVA:])
	d.SystemInfo = &SystemInfo{}
	return binary.Read(r, binary.LittleEndian, d.SystemInfo)
}

// parseModules parses the module list stream
func (d *Dump) parseModules(data []byte, dir Directory) error {
	if int(dir.RVA)+4 > len(data) {
		return fmt.Errorf("module list out of bounds")
	}

	r := bytes.NewReader(data[dir.RVA:])

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return err
	}

	// MINIDUMP_MODULE is 108 bytes: BaseOfImage(8), SizeOfImage(4),
	// CheckSum(4), TimeDateStamp(4), ModuleNameRva(4),
	// VersionInfo(52), CvRecord(8), MiscRecord(8), Reserved(16).
	for i := uint32(0); i < count && i < maxModules; i++ {
		var entry struct {
			BaseOfImage   uint64
			SizeOfImage   uint32
			CheckSum      uint32
			TimeDateStamp uint32
			ModuleNameRva uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &entry); err != nil {
			// Truncated list: keep the modules read so far
			break
		}

		// Skip the rest of the structure
		r.Seek(84, io.SeekCurrent)

		name := d.readString(data, entry.ModuleNameRva)

		d.Modules = append(d.Modules, Module{
			BaseOfImage: entry.BaseOfImage,
			SizeOfImage: entry.SizeOfImage,
			ModuleName:  name,
		})
	}

	return nil
}

// parseMemory64 parses the 64-bit memory list stream
func (d *Dump) parseMemory64(data []byte, dir Directory) error {
	if int(dir.RVA)+16 > len(data) {
		return fmt.Errorf("memory64 list out of bounds")
	}

	r := bytes.NewReader(data[dir.RVA:])

	var numberOfMemoryRanges uint64
	var baseRva uint64

	binary.Read(r, binary.LittleEndian, &numberOfMemoryRanges)
	binary.Read(r, binary.LittleEndian, &baseRva)

	// MINIDUMP_MEMORY_DESCRIPTOR64 entries follow the list header;
	// their data sits back to back starting at baseRva.
	currentOffset := baseRva
	for i := uint64(0); i < numberOfMemoryRanges && i < maxMemoryRanges; i++ {
		var startVA uint64
		var dataSize uint64

		if err := binary.Read(r, binary.LittleEndian, &startVA); err != nil {
			break
		}
		if err := binary.Read(r, binary.LittleEndian, &dataSize); err != nil {
			break
		}

		d.MemoryRanges = append(d.MemoryRanges, MemoryRange{
			StartVA:    startVA,
			DataSize:   dataSize,
			FileOffset: currentOffset,
		})

		currentOffset += dataSize
	}

	return nil
}

// parseMiscInfo parses the misc info stream for the captured
// process's id
func (d *Dump) parseMiscInfo(data []byte, dir Directory) error {
	// MINIDUMP_MISC_INFO: SizeOfInfo(4), Flags1(4), ProcessId(4), ...
	if int(dir.RVA)+12 > len(data) {
		return fmt.Errorf("misc info stream out of bounds")
	}

	const miscInfoProcessID = 0x1
	flags1 := binary.LittleEndian.Uint32(data[dir.RVA+4:])
	if flags1&miscInfoProcessID != 0 {
		d.ProcessId = binary.LittleEndian.Uint32(data[dir.RVA+8:])
	}
	return nil
}

// readString reads a MINIDUMP_STRING at the given RVA
func (d *Dump) readString(data []byte, rva uint32) string {
	if int(rva)+4 > len(data) {
		return ""
	}

	length := binary.LittleEndian.Uint32(data[rva:])
	if length > 512 || int(rva)+4+int(length) > len(data) {
		return ""
	}

	// UTF-16LE string; the length prefix is in bytes and excludes the
	// null terminator
	return encoding.FromUTF16LE(data[rva+4 : rva+4+length])
}

// GetBuildVersion returns a formatted OS build string
func (d *Dump) GetBuildVersion() string {
	if d.SystemInfo == nil {
		return "Unknown"
	}
	return fmt.Sprintf("%d.%d.%d",
		d.SystemInfo.MajorVersion,
		d.SystemInfo.MinorVersion,
		d.SystemInfo.BuildNumber)
}

// FindModule finds a module by name (case-insensitive partial match)
func (d *Dump) FindModule(name string) *Module {
	nameLower := bytes.ToLower([]byte(name))
	for i := range d.Modules {
		if bytes.Contains(bytes.ToLower([]byte(d.Modules[i].ModuleName)), nameLower) {
			return &d.Modules[i]
		}
	}
	return nil
}

// AddressSpace returns a gap-aware view of the capture's recorded
// memory. Ranges whose data runs past the end of a truncated capture
// are clipped to what is actually there.
func (d *Dump) AddressSpace() (memory.AddressSpace, error) {
	var runs []memory.Run
	for _, r := range d.MemoryRanges {
		if r.FileOffset >= uint64(len(d.data)) {
			continue
		}
		end := r.FileOffset + r.DataSize
		if end < r.FileOffset || end > uint64(len(d.data)) {
			end = uint64(len(d.data))
		}
		runs = append(runs, memory.Run{
			Addr: r.StartVA,
			Data: d.data[r.FileOffset:end],
		})
	}
	return memory.NewSparseSpace(runs)
}
