package pe

import (
	"bytes"
	"errors"
	"testing"

	binjectpe "github.com/Binject/debug/pe"

	"github.com/ineffectivecoder/pedumper/pkg/memory"
)

// collect drains a reconstruction stream into a flat file image plus
// the raw instruction list.
func collect(t *testing.T, model *ImageModel, as memory.AddressSpace) ([]byte, []WriteInstruction) {
	t.Helper()
	out := make([]byte, model.ReconstructedSize)
	var instructions []WriteInstruction

	rec := Reconstruct(model, as, testBase)
	for {
		ins, ok := rec.Next()
		if !ok {
			break
		}
		copy(out[ins.Offset:], ins.Data)
		instructions = append(instructions, ins)
	}
	if err := rec.Err(); err != nil {
		t.Fatalf("reconstruction failed: %v", err)
	}
	return out, instructions
}

// TestReconstructFull tests rebuilding a fully resident image
func TestReconstructFull(t *testing.T) {
	img := buildTestImage()
	as := img.space(t)

	model, err := Parse(as, testBase)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	out, instructions := collect(t, model, as)

	if len(instructions) != 3 {
		t.Fatalf("got %d instructions, want 3", len(instructions))
	}
	if instructions[0].Offset != 0 || len(instructions[0].Data) != testHeaderSize {
		t.Errorf("first instruction = offset %#x len %#x, want header at 0",
			instructions[0].Offset, len(instructions[0].Data))
	}
	if !bytes.Equal(out[0:testHeaderSize], img.header) {
		t.Error("header bytes differ")
	}
	if !bytes.Equal(out[0x200:0x400], img.text) {
		t.Error(".text bytes differ")
	}
	if !bytes.Equal(out[0x400:0x600], img.data) {
		t.Error(".data bytes differ")
	}
}

// TestReconstructDeterministic tests that two runs over the same
// space produce identical instruction streams
func TestReconstructDeterministic(t *testing.T) {
	img := buildTestImage()
	as := img.space(t)

	model, err := Parse(as, testBase)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	out1, ins1 := collect(t, model, as)
	out2, ins2 := collect(t, model, as)

	if !bytes.Equal(out1, out2) {
		t.Error("two reconstructions produced different output")
	}
	if len(ins1) != len(ins2) {
		t.Fatalf("instruction counts differ: %d vs %d", len(ins1), len(ins2))
	}
	for i := range ins1 {
		if ins1[i].Offset != ins2[i].Offset || !bytes.Equal(ins1[i].Data, ins2[i].Data) {
			t.Errorf("instruction %d differs between runs", i)
		}
	}
}

// TestReconstructAbsentSection tests that a paged-out section leaves a
// zero-filled gap instead of blocking reconstruction
func TestReconstructAbsentSection(t *testing.T) {
	img := buildTestImage()
	full := img.space(t)

	model, err := Parse(full, testBase)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	// Same image with .data never resident
	gappy := spaceFromRuns(t, []memory.Run{
		{Addr: testBase, Data: img.header},
		{Addr: testBase + 0x1000, Data: img.text},
	})

	out, instructions := collect(t, model, gappy)

	for _, ins := range instructions {
		end := ins.Offset + uint64(len(ins.Data))
		if ins.Offset < 0x600 && end > 0x400 {
			t.Errorf("instruction at %#x touches absent .data range", ins.Offset)
		}
	}
	if !bytes.Equal(out[0x400:0x600], make([]byte, 0x200)) {
		t.Error("absent section range is not zero-filled")
	}
}

// TestReconstructPartialSection tests that only present sub-ranges of
// a partially resident section are written
func TestReconstructPartialSection(t *testing.T) {
	img := buildTestImage()
	full := img.space(t)

	model, err := Parse(full, testBase)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	// .text resident only in its first 0x80 and last 0x40 bytes
	partial := spaceFromRuns(t, []memory.Run{
		{Addr: testBase, Data: img.header},
		{Addr: testBase + 0x1000, Data: img.text[:0x80]},
		{Addr: testBase + 0x11C0, Data: img.text[0x1C0:]},
		{Addr: testBase + 0x2000, Data: img.data},
	})

	out, instructions := collect(t, model, partial)

	// Every .text instruction must stay inside the section's raw span
	for _, ins := range instructions[1:] {
		end := ins.Offset + uint64(len(ins.Data))
		if ins.Offset >= 0x200 && ins.Offset < 0x400 {
			if end > 0x400 {
				t.Errorf("instruction at %#x spills past .text raw range", ins.Offset)
			}
		}
	}

	if !bytes.Equal(out[0x200:0x280], img.text[:0x80]) {
		t.Error("present .text head not written")
	}
	if !bytes.Equal(out[0x3C0:0x400], img.text[0x1C0:]) {
		t.Error("present .text tail not written")
	}
	if !bytes.Equal(out[0x280:0x3C0], make([]byte, 0x140)) {
		t.Error("absent .text middle is not zero-filled")
	}
}

// TestReconstructHeaderAbsent tests the all-or-nothing header rule
func TestReconstructHeaderAbsent(t *testing.T) {
	img := buildTestImage()
	full := img.space(t)

	model, err := Parse(full, testBase)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	// Header half paged out: nothing may be emitted at all
	headless := spaceFromRuns(t, []memory.Run{
		{Addr: testBase, Data: img.header[:0x100]},
		{Addr: testBase + 0x1000, Data: img.text},
	})

	rec := Reconstruct(model, headless, testBase)
	if _, ok := rec.Next(); ok {
		t.Fatal("stream yielded an instruction despite unreadable header")
	}
	if !errors.Is(rec.Err(), ErrUnreadableHeader) {
		t.Errorf("Err = %v, want ErrUnreadableHeader", rec.Err())
	}
}

// TestReconstructLoadable tests that a standard PE parser opens the
// reconstructed output
func TestReconstructLoadable(t *testing.T) {
	img := buildTestImage()
	as := img.space(t)

	model, err := Parse(as, testBase)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	out, _ := collect(t, model, as)

	f, err := binjectpe.NewFile(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("reconstructed image does not parse as PE: %v", err)
	}
	defer f.Close()

	if len(f.Sections) != 2 {
		t.Fatalf("parsed %d sections, want 2", len(f.Sections))
	}
	if f.Sections[0].Name != ".text" || f.Sections[1].Name != ".data" {
		t.Errorf("parsed section names = %q, %q", f.Sections[0].Name, f.Sections[1].Name)
	}
	text, err := f.Sections[0].Data()
	if err != nil {
		t.Fatalf("reading parsed .text: %v", err)
	}
	if !bytes.Equal(text, img.text) {
		t.Error("parsed .text content differs from source memory")
	}
}
