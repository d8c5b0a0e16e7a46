// Package dump selects the address spaces to extract a PE image from
// and drives the per-target reconstruction pipeline. Selection
// mirrors the two ways an image base is meaningful: the same base
// inside each chosen process's private space, or a single kernel
// session space that has the base mapped.
package dump

import (
	"errors"
	"fmt"

	"github.com/ineffectivecoder/pedumper/pkg/debug"
	"github.com/ineffectivecoder/pedumper/pkg/memory"
)

// The system process owns kernel-module dumps.
const (
	systemPID   = 4
	kernelLabel = "Kernel"
)

var (
	// ErrConfiguration means the mode selection is invalid. Fatal;
	// nothing is attempted.
	ErrConfiguration = errors.New("either a pid filter or kernel-module mode must be set, not both")

	// ErrNoSessionSpace means no candidate session space has the base
	// address mapped. A warning, not a failure: zero targets result.
	ErrNoSessionSpace = errors.New("no session space maps the base address")
)

// Options selects what to dump.
type Options struct {
	// Base is the virtual address of the image to reconstruct.
	Base uint64

	// PIDs restricts process mode to the listed process ids. Process
	// mode is selected by a non-empty list.
	PIDs []int

	// KernelModule selects kernel-module mode.
	KernelModule bool
}

// Validate rejects both-or-neither mode selections before any address
// space is touched.
func (o Options) Validate() error {
	if o.KernelModule == (len(o.PIDs) > 0) {
		return ErrConfiguration
	}
	return nil
}

// ProcessEntry is one live or captured process a provider knows about.
// Space is invoked at most once, only for processes that survive the
// pid filter.
type ProcessEntry struct {
	PID    int
	Name   string
	Offset uint64
	Space  func() (memory.AddressSpace, error)
}

// ProcessLister enumerates candidate processes.
type ProcessLister interface {
	Processes() ([]ProcessEntry, error)
}

// SessionLister enumerates candidate kernel session address spaces.
type SessionLister interface {
	SessionSpaces() ([]memory.AddressSpace, error)
}

// Target is one resolved (identity, address space) pair to
// reconstruct. The space is borrowed; nothing retains it past the
// target's dump.
type Target struct {
	ID     int
	Label  string
	Offset uint64
	Base   uint64
	Space  memory.AddressSpace
}

// ResolveTargets turns the mode selection into the ordered target
// list. Kernel mode returns ErrNoSessionSpace with zero targets when
// the base is mapped nowhere; process mode yields one target per
// matching process, all sharing the configured base.
func ResolveTargets(opts Options, procs ProcessLister, sessions SessionLister) ([]Target, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if opts.KernelModule {
		return resolveKernel(opts, sessions)
	}
	return resolveProcesses(opts, procs)
}

func resolveKernel(opts Options, sessions SessionLister) ([]Target, error) {
	if sessions == nil {
		return nil, ErrNoSessionSpace
	}
	spaces, err := sessions.SessionSpaces()
	if err != nil {
		return nil, fmt.Errorf("enumerating session spaces: %w", err)
	}

	// First match wins; enumeration order is the search order.
	for _, space := range spaces {
		if space.IsValid(opts.Base) {
			return []Target{{
				ID:    systemPID,
				Label: kernelLabel,
				Base:  opts.Base,
				Space: space,
			}}, nil
		}
	}
	return nil, ErrNoSessionSpace
}

func resolveProcesses(opts Options, procs ProcessLister) ([]Target, error) {
	if procs == nil {
		return nil, fmt.Errorf("no process source available")
	}
	entries, err := procs.Processes()
	if err != nil {
		return nil, fmt.Errorf("enumerating processes: %w", err)
	}

	allow := make(map[int]bool, len(opts.PIDs))
	for _, pid := range opts.PIDs {
		allow[pid] = true
	}

	var targets []Target
	for _, entry := range entries {
		if !allow[entry.PID] {
			continue
		}
		space, err := entry.Space()
		if err != nil {
			debug.Printf("skipping pid %d (%s): %v\n", entry.PID, entry.Name, err)
			continue
		}
		targets = append(targets, Target{
			ID:     entry.PID,
			Label:  entry.Name,
			Offset: entry.Offset,
			Base:   opts.Base,
			Space:  space,
		})
	}
	return targets, nil
}
