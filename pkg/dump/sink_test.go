package dump

import (
	"os"
	"path/filepath"
	"testing"
)

// TestFileSinkSparseWrite tests that gaps between writes read back as
// zero bytes
func TestFileSinkSparseWrite(t *testing.T) {
	dir := t.TempDir()
	sink := FileSink{Dir: dir}

	f, err := sink.Create("PE.0x0.4.0x140000000.dmp")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := f.WriteAt([]byte("MZ"), 0); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if _, err := f.WriteAt([]byte{0xCC}, 0x1FF); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if len(data) != 0x200 {
		t.Fatalf("output size = %#x, want 0x200", len(data))
	}
	if data[0] != 'M' || data[1] != 'Z' || data[0x1FF] != 0xCC {
		t.Error("written bytes not found at their offsets")
	}
	for i := 2; i < 0x1FF; i++ {
		if data[i] != 0 {
			t.Fatalf("gap byte at %#x = %#x, want 0", i, data[i])
		}
	}
}

// TestFileSinkCancel tests that a cancelled file is removed
func TestFileSinkCancel(t *testing.T) {
	dir := t.TempDir()
	sink := FileSink{Dir: dir}

	f, err := sink.Create("partial.dmp")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := f.WriteAt([]byte("MZ"), 0); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if err := f.Cancel(); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "partial.dmp")); !os.IsNotExist(err) {
		t.Error("cancelled file still exists")
	}
}
