package dump

import (
	"fmt"
	"os"
	"path/filepath"
)

// SinkFile is one output file under construction. WriteAt offsets may
// leave gaps; the sink must surface them as zero bytes. Cancel
// discards the file so a failed target leaves nothing behind.
type SinkFile interface {
	WriteAt(p []byte, off int64) (int, error)
	Close() error
	Cancel() error
	Name() string
}

// Sink creates output files for reconstructed images.
type Sink interface {
	Create(name string) (SinkFile, error)
}

// FileSink writes reconstructed images into a directory, one sparse
// file per target.
type FileSink struct {
	Dir string
}

// Create opens the named output file, truncating any previous run's
// file of the same name.
func (s FileSink) Create(name string) (SinkFile, error) {
	path := filepath.Join(s.Dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", path, err)
	}
	return &sinkFile{File: f, path: path}, nil
}

type sinkFile struct {
	*os.File
	path string
}

func (f *sinkFile) Name() string {
	return f.path
}

func (f *sinkFile) Cancel() error {
	f.File.Close()
	return os.Remove(f.path)
}

// outputName builds the collision-free output file name for a target,
// keyed by provider offset, process id, and image base.
func outputName(t Target) string {
	return fmt.Sprintf("PE.%#x.%d.%#x.dmp", t.Offset, t.ID, t.Base)
}
