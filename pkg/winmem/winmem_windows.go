//go:build windows

// Package winmem provides live-Windows collaborators for the dump
// pipeline: process enumeration through a Toolhelp snapshot and an
// address space over ReadProcessMemory. There is no live session
// space source here; kernel-module mode needs a memory capture, since
// reading kernel space from user mode requires a driver.
package winmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/ineffectivecoder/pedumper/pkg/dump"
	"github.com/ineffectivecoder/pedumper/pkg/memory"
)

// readChunk caps single ReadProcessMemory calls so one huge region
// does not demand one huge buffer.
const readChunk = 1 << 20

// LiveProcesses enumerates running processes.
type LiveProcesses struct{}

// Processes lists every process the snapshot can see. Opening a
// process is deferred until the pid filter has kept it.
func (LiveProcesses) Processes() ([]dump.ProcessEntry, error) {
	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, fmt.Errorf("process snapshot: %w", err)
	}
	defer windows.CloseHandle(snapshot)

	var entries []dump.ProcessEntry
	var proc windows.ProcessEntry32
	proc.Size = uint32(unsafe.Sizeof(proc))

	err = windows.Process32First(snapshot, &proc)
	for err == nil {
		pid := int(proc.ProcessID)
		name := windows.UTF16ToString(proc.ExeFile[:])
		entries = append(entries, dump.ProcessEntry{
			PID:  pid,
			Name: name,
			Space: func() (memory.AddressSpace, error) {
				return OpenProcessSpace(uint32(pid))
			},
		})
		err = windows.Process32Next(snapshot, &proc)
	}
	if err != windows.ERROR_NO_MORE_FILES {
		return nil, fmt.Errorf("walking process snapshot: %w", err)
	}
	return entries, nil
}

// ProcessSpace reads a live process's virtual memory. Regions that
// are uncommitted, guarded, or refuse to read come back absent, never
// as errors; a live process is just another gappy address space.
type ProcessSpace struct {
	handle windows.Handle
}

// OpenProcessSpace opens the process for memory reading.
func OpenProcessSpace(pid uint32) (*ProcessSpace, error) {
	h, err := windows.OpenProcess(
		windows.PROCESS_QUERY_INFORMATION|windows.PROCESS_VM_READ, false, pid)
	if err != nil {
		return nil, fmt.Errorf("opening process %d: %w", pid, err)
	}
	return &ProcessSpace{handle: h}, nil
}

// Close releases the process handle.
func (p *ProcessSpace) Close() error {
	return windows.CloseHandle(p.handle)
}

// ReadRuns walks the committed regions intersecting the range and
// returns whatever ReadProcessMemory can deliver.
func (p *ProcessSpace) ReadRuns(addr, length uint64) ([]memory.Run, error) {
	var runs []memory.Run
	end := addr + length
	if end < addr {
		return nil, fmt.Errorf("read of %d bytes at %#x wraps the address space", length, addr)
	}

	cur := addr
	for cur < end {
		var mbi windows.MemoryBasicInformation
		err := windows.VirtualQueryEx(p.handle, uintptr(cur), &mbi, unsafe.Sizeof(mbi))
		if err != nil {
			break // past the end of the queryable address space
		}

		regionEnd := uint64(mbi.BaseAddress) + uint64(mbi.RegionSize)
		stop := regionEnd
		if stop > end {
			stop = end
		}

		if readable(mbi) {
			if regionRuns, ok := p.readRegion(cur, stop-cur); ok {
				runs = append(runs, regionRuns...)
			}
		}
		cur = stop
	}
	return runs, nil
}

// IsValid reports whether addr is committed, readable memory.
func (p *ProcessSpace) IsValid(addr uint64) bool {
	var mbi windows.MemoryBasicInformation
	if err := windows.VirtualQueryEx(p.handle, uintptr(addr), &mbi, unsafe.Sizeof(mbi)); err != nil {
		return false
	}
	return readable(mbi)
}

func readable(mbi windows.MemoryBasicInformation) bool {
	if mbi.State != windows.MEM_COMMIT {
		return false
	}
	if mbi.Protect&windows.PAGE_NOACCESS != 0 || mbi.Protect&windows.PAGE_GUARD != 0 {
		return false
	}
	return true
}

// readRegion reads [addr, addr+length) in chunks, emitting one run
// per contiguous successful read.
func (p *ProcessSpace) readRegion(addr, length uint64) ([]memory.Run, bool) {
	var runs []memory.Run
	var current []byte
	currentAddr := addr

	flush := func() {
		if len(current) > 0 {
			runs = append(runs, memory.Run{Addr: currentAddr, Data: current})
			current = nil
		}
	}

	for off := uint64(0); off < length; {
		n := length - off
		if n > readChunk {
			n = readChunk
		}
		buf := make([]byte, n)
		var read uintptr
		err := windows.ReadProcessMemory(p.handle, uintptr(addr+off), &buf[0], uintptr(n), &read)
		if err != nil || read == 0 {
			flush()
			off += n
			currentAddr = addr + off
			continue
		}
		if len(current) == 0 {
			currentAddr = addr + off
		}
		current = append(current, buf[:read]...)
		if uint64(read) < n {
			flush()
			currentAddr = addr + off + uint64(read)
		}
		off += uint64(read)
	}
	flush()
	return runs, len(runs) > 0
}
