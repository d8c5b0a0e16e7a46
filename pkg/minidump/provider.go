package minidump

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ineffectivecoder/pedumper/pkg/dump"
	"github.com/ineffectivecoder/pedumper/pkg/memory"
)

// Capture is one parsed minidump file.
type Capture struct {
	Path string
	Dump *Dump
}

// Open reads and parses a capture file.
func Open(path string) (*Capture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading capture %s: %w", path, err)
	}
	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing capture %s: %w", path, err)
	}
	return &Capture{Path: path, Dump: d}, nil
}

// Name returns a process name for the capture: the captured image's
// module name when the capture recorded one, otherwise the capture
// file name.
func (c *Capture) Name() string {
	if len(c.Dump.Modules) > 0 && c.Dump.Modules[0].ModuleName != "" {
		return baseName(c.Dump.Modules[0].ModuleName)
	}
	return filepath.Base(c.Path)
}

// baseName strips a Windows or POSIX directory prefix. Module names
// inside a capture are Windows paths regardless of the host.
func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '\\' || path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// CaptureSet exposes a group of capture files as the process and
// session sources the dump pipeline consumes. Each capture is one
// candidate process and, in kernel-module mode, one candidate session
// space.
type CaptureSet struct {
	Captures []*Capture
}

// OpenAll opens every capture path. Any unreadable or unparsable file
// fails the whole set; a wrong file name on the command line should
// not silently shrink the target list.
func OpenAll(paths []string) (*CaptureSet, error) {
	set := &CaptureSet{}
	for _, path := range paths {
		c, err := Open(path)
		if err != nil {
			return nil, err
		}
		set.Captures = append(set.Captures, c)
	}
	return set, nil
}

// Processes lists one entry per capture, identified by the pid the
// capture's MiscInfo stream recorded. The entry offset is the capture
// ordinal so output names never collide when two captures share a
// pid.
func (s *CaptureSet) Processes() ([]dump.ProcessEntry, error) {
	entries := make([]dump.ProcessEntry, 0, len(s.Captures))
	for i, c := range s.Captures {
		c := c
		entries = append(entries, dump.ProcessEntry{
			PID:    int(c.Dump.ProcessId),
			Name:   c.Name(),
			Offset: uint64(i),
			Space: func() (memory.AddressSpace, error) {
				return c.Dump.AddressSpace()
			},
		})
	}
	return entries, nil
}

// SessionSpaces returns each capture's memory view in command-line
// order; kernel-module resolution searches them first to last.
func (s *CaptureSet) SessionSpaces() ([]memory.AddressSpace, error) {
	spaces := make([]memory.AddressSpace, 0, len(s.Captures))
	for _, c := range s.Captures {
		as, err := c.Dump.AddressSpace()
		if err != nil {
			return nil, fmt.Errorf("capture %s: %w", c.Path, err)
		}
		spaces = append(spaces, as)
	}
	return spaces, nil
}
