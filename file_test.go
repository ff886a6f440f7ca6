package macho

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/kbrooks/xnuboot/types"
)

// buildSortedSymtabExecutable assembles an MH_EXECUTE image whose symtab
// holds exactly the given sorted external-defs names/values, matching
// scenario S5 from the design doc.
func buildSortedSymtabExecutable(t *testing.T, names []string, values []uint32) []byte {
	t.Helper()
	bo := binary.LittleEndian

	b := newFileBuilder(types.MH_EXECUTE)
	b.addUnixThread(0x80001000)

	symtabCmdSize := uint32(24)
	dysymtabCmdSize := uint32(80)
	segOff := b.headerSize() + uint32(b.cmds.Len()) + 56 + symtabCmdSize + dysymtabCmdSize

	strtab := []byte{0}
	strx := make([]uint32, len(names))
	for i, n := range names {
		strx[i] = uint32(len(strtab))
		strtab = append(strtab, append([]byte(n), 0)...)
	}

	symoff := segOff + 0x10 // leave room for the (unused) segment payload
	symbuf := new(bytes.Buffer)
	for i := range names {
		rec := struct {
			Strx  uint32
			Type  uint8
			Sect  uint8
			Desc  uint16
			Value uint32
		}{strx[i], 0xf, 1, 0, values[i]}
		binary.Write(symbuf, bo, &rec)
	}
	stroff := symoff + uint32(symbuf.Len())

	b.addSegment("__TEXT", 0x80001000, 0x10, 0x10, segOff)
	b.addSymtab(symoff, uint32(len(names)), stroff, uint32(len(strtab)))
	b.addDysymtab(0, uint32(len(names)))

	tail := make([]byte, 0x10)
	tail = append(tail, symbuf.Bytes()...)
	tail = append(tail, strtab...)
	return b.build(tail)
}

func TestFindSymbolHitAndMiss(t *testing.T) {
	names := []string{"_a", "_m", "_z"}
	values := []uint32{0x10, 0x20, 0x30}
	data := buildSortedSymtabExecutable(t, names, values)

	f, err := Open(data)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	got, err := f.FindSymbol("_m", 0x100)
	if err != nil {
		t.Fatalf("FindSymbol(_m): %v", err)
	}
	if got != 0x20+0x100 {
		t.Errorf("FindSymbol(_m) = %#x, want %#x", got, 0x20+0x100)
	}

	if _, err := f.FindSymbol("_q", 0); CodeOf(err) != SYMBOL_NOT_FOUND {
		t.Errorf("FindSymbol(_q) code = %v, want SYMBOL_NOT_FOUND", CodeOf(err))
	}
}

// buildSymtabExecutableWithDesc is buildSortedSymtabExecutable plus a
// per-symbol Desc field, needed to exercise the Thumb-bit-clearing
// convention FindSymbolByAddress applies.
func buildSymtabExecutableWithDesc(t *testing.T, names []string, values []uint32, descs []uint16) []byte {
	t.Helper()
	bo := binary.LittleEndian

	b := newFileBuilder(types.MH_EXECUTE)
	b.addUnixThread(0x80001000)

	symtabCmdSize := uint32(24)
	dysymtabCmdSize := uint32(80)
	segOff := b.headerSize() + uint32(b.cmds.Len()) + 56 + symtabCmdSize + dysymtabCmdSize

	strtab := []byte{0}
	strx := make([]uint32, len(names))
	for i, n := range names {
		strx[i] = uint32(len(strtab))
		strtab = append(strtab, append([]byte(n), 0)...)
	}

	symoff := segOff + 0x10
	symbuf := new(bytes.Buffer)
	for i := range names {
		rec := struct {
			Strx  uint32
			Type  uint8
			Sect  uint8
			Desc  uint16
			Value uint32
		}{strx[i], 0xf, 1, descs[i], values[i]}
		binary.Write(symbuf, bo, &rec)
	}
	stroff := symoff + uint32(symbuf.Len())

	b.addSegment("__TEXT", 0x80001000, 0x10, 0x10, segOff)
	b.addSymtab(symoff, uint32(len(names)), stroff, uint32(len(strtab)))
	b.addDysymtab(0, uint32(len(names)))

	tail := make([]byte, 0x10)
	tail = append(tail, symbuf.Bytes()...)
	tail = append(tail, strtab...)
	return b.build(tail)
}

func TestFindSymbolByAddress(t *testing.T) {
	names := []string{"_a", "_thumb_fn", "_z"}
	values := []uint32{0x10, 0x21, 0x30}
	descs := []uint16{0, N_ARM_THUMB_DEF, 0}
	data := buildSymtabExecutableWithDesc(t, names, values, descs)

	f, err := Open(data)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	got, ok := f.FindSymbolByAddress(0x20)
	if !ok || got.Name != "_thumb_fn" {
		t.Errorf("FindSymbolByAddress(0x20) = %+v, %v; want _thumb_fn, true", got, ok)
	}

	if _, ok := f.FindSymbolByAddress(0x21); ok {
		t.Errorf("FindSymbolByAddress(0x21) matched the raw (Thumb-bit-set) value, want a miss")
	}

	if _, ok := f.FindSymbolByAddress(0xdead); ok {
		t.Errorf("FindSymbolByAddress(0xdead) matched, want a miss")
	}
}

func TestSymbolTableRoundTrip(t *testing.T) {
	names := []string{"_a", "_b"}
	values := []uint32{1, 2}
	data := buildSortedSymtabExecutable(t, names, values)

	f, err := Open(data)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	want := []Symbol{
		{Name: "_a", Type: 0xf, Sect: 1, Value: 1},
		{Name: "_b", Type: 0xf, Sect: 1, Value: 2},
	}
	if diff := cmp.Diff(want, f.Symtab.Syms, cmpopts.IgnoreFields(Symbol{}, "Desc")); diff != "" {
		t.Errorf("Symtab.Syms mismatch (-want +got):\n%s", diff)
	}
}
