package dump

import (
	"github.com/ineffectivecoder/pedumper/pkg/debug"
	"github.com/ineffectivecoder/pedumper/pkg/pe"
)

// Result is one row of the final table: a target that produced an
// output file. Failed targets produce no row, only a debug log line.
type Result struct {
	ID     int
	Label  string
	Output string
}

// Orchestrator runs the resolve → parse → reconstruct → persist
// pipeline, one target at a time.
type Orchestrator struct {
	Sink Sink
}

// Run resolves targets up front, then dumps them lazily through the
// returned stream. A ConfigurationError aborts before resolution;
// ErrNoSessionSpace is returned alongside an empty stream so the
// caller can surface it as a warning.
func (o *Orchestrator) Run(opts Options, procs ProcessLister, sessions SessionLister) (*ResultStream, error) {
	targets, err := ResolveTargets(opts, procs, sessions)
	if err != nil {
		return &ResultStream{}, err
	}
	return &ResultStream{orch: o, targets: targets}, nil
}

// ResultStream produces dump results one at a time, in resolver
// order. Finite and single-pass; abandoning it early leaves no
// half-written output behind, because each file is finished or
// cancelled before its row is produced.
type ResultStream struct {
	orch    *Orchestrator
	targets []Target
}

// Next dumps targets until one succeeds and returns its row. It
// returns false once every remaining target has been attempted.
func (s *ResultStream) Next() (Result, bool) {
	for len(s.targets) > 0 {
		target := s.targets[0]
		s.targets = s.targets[1:]

		result, ok := s.orch.dumpOne(target)
		if ok {
			return result, true
		}
	}
	return Result{}, false
}

// dumpOne runs one target's full pipeline. Every failure class is
// handled the same way: log at debug level, produce no row, move on.
// One bad target never aborts its siblings.
func (o *Orchestrator) dumpOne(target Target) (Result, bool) {
	model, err := pe.Parse(target.Space, target.Base)
	if err != nil {
		debug.Printf("unable to dump PE at base %#x for %s (pid %d): %v\n",
			target.Base, target.Label, target.ID, err)
		return Result{}, false
	}

	file, err := o.Sink.Create(outputName(target))
	if err != nil {
		debug.Printf("unable to create output for base %#x (pid %d): %v\n",
			target.Base, target.ID, err)
		return Result{}, false
	}

	rec := pe.Reconstruct(model, target.Space, target.Base)
	for {
		ins, ok := rec.Next()
		if !ok {
			break
		}
		if _, err := file.WriteAt(ins.Data, int64(ins.Offset)); err != nil {
			debug.Printf("unable to dump PE at base %#x for %s (pid %d): %v\n",
				target.Base, target.Label, target.ID, err)
			file.Cancel()
			return Result{}, false
		}
	}
	if err := rec.Err(); err != nil {
		debug.Printf("unable to dump PE at base %#x for %s (pid %d): %v\n",
			target.Base, target.Label, target.ID, err)
		file.Cancel()
		return Result{}, false
	}

	name := file.Name()
	if err := file.Close(); err != nil {
		debug.Printf("unable to finish output for base %#x (pid %d): %v\n",
			target.Base, target.ID, err)
		file.Cancel()
		return Result{}, false
	}

	return Result{ID: target.ID, Label: target.Label, Output: name}, true
}
