package macho

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/kbrooks/xnuboot/types"
)

// fileBuilder assembles a synthetic 32-bit Mach-O image command by command,
// computing every offset from actual buffer lengths rather than hand-typed
// constants, so the fixtures stay correct as scenarios are added.
type fileBuilder struct {
	bo       binary.ByteOrder
	filetype types.HeaderFileType
	cmds     bytes.Buffer
	ncmds    uint32
}

func newFileBuilder(filetype types.HeaderFileType) *fileBuilder {
	return &fileBuilder{bo: binary.LittleEndian, filetype: filetype}
}

func (b *fileBuilder) headerSize() uint32 { return uint32(types.FileHeaderSize32) }

// addSegment appends an LC_SEGMENT command with no sections. dataOffset
// must be the file offset the caller intends to place this segment's
// Filesz bytes at -- callers compute it from the total command-area size.
func (b *fileBuilder) addSegment(name string, vmaddr, vmsize, filesize uint32, dataOffset uint32) {
	seg := types.Segment32{
		LoadCmd: types.LC_SEGMENT,
		Len:     56,
		Addr:    vmaddr,
		Memsz:   vmsize,
		Offset:  dataOffset,
		Filesz:  filesize,
		Maxprot: 7,
		Prot:    7,
	}
	copy(seg.Name[:], name)
	binary.Write(&b.cmds, b.bo, &seg)
	b.ncmds++
}

func (b *fileBuilder) addUnixThread(pc uint32) {
	binary.Write(&b.cmds, b.bo, &types.UnixThreadCmd{LoadCmd: types.LC_UNIXTHREAD, Len: 16 + 4*17, Flavor: 1, Count: 17})
	binary.Write(&b.cmds, b.bo, &RegsARM{PC: pc})
	b.ncmds++
}

func (b *fileBuilder) addSymtab(symoff, nsyms, stroff, strsize uint32) {
	binary.Write(&b.cmds, b.bo, &types.SymtabCmd{LoadCmd: types.LC_SYMTAB, Len: 24, Symoff: symoff, Nsyms: nsyms, Stroff: stroff, Strsize: strsize})
	b.ncmds++
}

func (b *fileBuilder) addDysymtab(iextdefsym, nextdefsym uint32) {
	binary.Write(&b.cmds, b.bo, &types.DysymtabCmd{LoadCmd: types.LC_DYSYMTAB, Len: 80, Iextdefsym: iextdefsym, Nextdefsym: nextdefsym})
	b.ncmds++
}

// addDysymtabFull writes an arbitrary LC_DYSYMTAB command, letting callers
// set fields (like Locreloff/Nlocrel) that addDysymtab leaves zero.
func (b *fileBuilder) addDysymtabFull(cmd types.DysymtabCmd) {
	cmd.LoadCmd = types.LC_DYSYMTAB
	cmd.Len = 80
	binary.Write(&b.cmds, b.bo, &cmd)
	b.ncmds++
}

func (b *fileBuilder) addDyldInfoOnly() {
	buf := make([]byte, 12)
	b.bo.PutUint32(buf[0:], uint32(types.LC_DYLD_INFO_ONLY))
	b.bo.PutUint32(buf[4:], 12)
	b.cmds.Write(buf)
	b.ncmds++
}

// build assembles the final image: header, then the accumulated commands,
// then dataOffset-data written by the caller, whose filesize/offset were
// already baked into addSegment. data is everything that follows the
// command area: segment payload plus any symtab/string table bytes.
func (b *fileBuilder) build(data []byte) []byte {
	hdr := types.FileHeader{
		Magic:        types.Magic32,
		CPU:          types.CPU(types.CPUArm),
		SubCPU:       types.CPUSubtype(types.CPUSubtypeArmV7),
		Type:         b.filetype,
		NCommands:    b.ncmds,
		SizeCommands: uint32(b.cmds.Len()),
	}
	out := new(bytes.Buffer)
	binary.Write(out, b.bo, &hdr)
	out.Write(b.cmds.Bytes())
	out.Write(data)
	return out.Bytes()
}

func TestOpenExecutable(t *testing.T) {
	b := newFileBuilder(types.MH_EXECUTE)
	b.addUnixThread(0x80001040)
	payload := bytes.Repeat([]byte{0x42}, 0x200)
	off := b.headerSize() + uint32(b.cmds.Len()) + 56 // segment cmd is added next, account for its own size
	b.addSegment("__TEXT", 0x80001000, 0x1000, 0x200, off)
	data := b.build(payload)

	f, err := Open(data)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if f.Type != types.MH_EXECUTE {
		t.Fatalf("Type = %v, want MH_EXECUTE", f.Type)
	}
	if len(f.Segments) != 1 {
		t.Fatalf("Segments = %d, want 1", len(f.Segments))
	}
	vmsize, err := f.VMSize()
	if err != nil {
		t.Fatalf("VMSize: %v", err)
	}
	if vmsize != 0x1000 {
		t.Errorf("VMSize = %#x, want 0x1000", vmsize)
	}
	ep, ok := f.EntryPoint()
	if !ok || ep != 0x80001040 {
		t.Errorf("EntryPoint = %#x, %v; want 0x80001040, true", ep, ok)
	}
}

// TestMapExecutableZeroesBSS covers invariant 1 from §8: bytes
// [0,filesize) equal source, bytes [filesize,vmsize) are zero.
func TestMapExecutableZeroesBSS(t *testing.T) {
	b := newFileBuilder(types.MH_EXECUTE)
	b.addUnixThread(0x80001040)
	off := b.headerSize() + uint32(b.cmds.Len()) + 56
	b.addSegment("__TEXT", 0x80001000, 0x1000, 0x200, off)
	payload := bytes.Repeat([]byte{0x42}, 0x200)
	data := b.build(payload)

	f, err := Open(data)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	vmsize, _ := f.VMSize()
	dst := make([]byte, vmsize)
	res, err := f.Map(dst, vmsize, 0x80001000)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if !bytes.Equal(res.Base[:0x200], payload) {
		t.Errorf("mapped file contents mismatch")
	}
	for i := 0x200; i < int(vmsize); i++ {
		if res.Base[i] != 0 {
			t.Fatalf("byte %#x not zeroed: %#x", i, res.Base[i])
		}
	}
}

func TestMapExecutablePIEAtZeroUnsupported(t *testing.T) {
	b := newFileBuilder(types.MH_EXECUTE)
	b.addUnixThread(0x1040)
	off := b.headerSize() + uint32(b.cmds.Len()) + 56
	b.addSegment("__TEXT", 0x1000, 0x1000, 0x10, off)
	data := b.build(make([]byte, 0x10))

	f, err := Open(data)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	vmsize, _ := f.VMSize()
	dst := make([]byte, vmsize)
	if _, err := f.Map(dst, vmsize, 0); CodeOf(err) != EXEC_UNSUPPORTED {
		t.Fatalf("Map code = %v, want EXEC_UNSUPPORTED", CodeOf(err))
	}
}

func TestDyldInfoRejected(t *testing.T) {
	b := newFileBuilder(types.MH_EXECUTE)
	b.addUnixThread(0x80001000)
	b.addDyldInfoOnly()
	off := b.headerSize() + uint32(b.cmds.Len()) + 56
	b.addSegment("__TEXT", 0x80001000, 0x1000, 0x10, off)
	data := b.build(make([]byte, 0x10))

	if _, err := Open(data); CodeOf(err) != EXEC_UNSUPPORTED {
		t.Fatalf("Open code = %v, want EXEC_UNSUPPORTED", CodeOf(err))
	}
}

func TestObjectRequiresSingleSegment(t *testing.T) {
	b := newFileBuilder(types.MH_OBJECT)
	off1 := b.headerSize() + uint32(b.cmds.Len()) + 56*2
	b.addSegment("__TEXT", 0, 0x10, 0x10, off1)
	b.addSegment("__DATA", 0x10, 0x10, 0x10, off1+0x10)
	b.addSymtab(off1+0x20, 0, off1+0x20, 0)
	data := b.build(make([]byte, 0x20))

	f, err := Open(data)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := f.VMSize(); CodeOf(err) != OBJECT_BADSEGMENT {
		t.Fatalf("VMSize code = %v, want OBJECT_BADSEGMENT", CodeOf(err))
	}
}

func TestObjectWithoutSymtabRejected(t *testing.T) {
	b := newFileBuilder(types.MH_OBJECT)
	off := b.headerSize() + uint32(b.cmds.Len()) + 56
	b.addSegment("__TEXT", 0, 0x10, 0x10, off)
	data := b.build(make([]byte, 0x10))

	if _, err := Open(data); CodeOf(err) != NOSYMTAB {
		t.Fatalf("Open code = %v, want NOSYMTAB", CodeOf(err))
	}
}

func TestRelocateObjectVanilla(t *testing.T) {
	// Build a single-section object whose section carries one
	// GENERIC_RELOC_VANILLA record at r_address=0, matching scenario S3.
	b := newFileBuilder(types.MH_OBJECT)

	secSize := uint32(68)
	symtabCmdSize := uint32(24)
	segOff := b.headerSize() + uint32(b.cmds.Len()) + 56 + secSize + symtabCmdSize
	sectionData := make([]byte, 4)
	binary.LittleEndian.PutUint32(sectionData, 0x1000)
	relocOff := segOff + uint32(len(sectionData))

	binary.Write(&b.cmds, b.bo, &types.Segment32{
		LoadCmd: types.LC_SEGMENT, Len: 56 + secSize, Nsect: 1,
		Offset: segOff, Filesz: uint32(len(sectionData)), Maxprot: 7, Prot: 7,
	})
	var sec types.Section32
	copy(sec.Name[:], "__text")
	copy(sec.Seg[:], "__TEXT")
	sec.Addr = 0
	sec.Size = uint32(len(sectionData))
	sec.Offset = segOff
	sec.Reloff = relocOff
	sec.Nreloc = 1
	binary.Write(&b.cmds, b.bo, &sec)
	b.ncmds++ // the segment+section pair counts as one LC_SEGMENT command

	symoff := relocOff + 8
	b.addSymtab(symoff, 0, symoff, 0)

	reloc := types.RelocationInfo{Address: 0, Info: uint32(types.GENERIC_RELOC_VANILLA) << 28 | 2<<25}
	relocBuf := make([]byte, 8)
	binary.LittleEndian.PutUint32(relocBuf[0:], reloc.Address)
	binary.LittleEndian.PutUint32(relocBuf[4:], reloc.Info)

	tail := append([]byte{}, sectionData...)
	tail = append(tail, relocBuf...)

	data := b.build(tail)

	f, err := Open(data)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	vmsize, err := f.VMSize()
	if err != nil {
		t.Fatalf("VMSize: %v", err)
	}
	dst := make([]byte, vmsize)
	if _, err := f.Map(dst, vmsize, 0); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := f.RelocateObject(dst, 0x00010000); err != nil {
		t.Fatalf("RelocateObject: %v", err)
	}
	got := binary.LittleEndian.Uint32(dst[0:4])
	if got != 0x00011000 {
		t.Errorf("patched word = %#x, want 0x00011000", got)
	}
}

// TestRelocateExecutableLocal covers the LC_DYSYMTAB local-relocation list
// RelocateExecutable applies, independent of RelocateObject's per-section
// path (§4.3).
func TestRelocateExecutableLocal(t *testing.T) {
	b := newFileBuilder(types.MH_EXECUTE)
	b.addUnixThread(0x80001040)

	dysymtabCmdSize := uint32(80)
	filesize := uint32(0x10)
	segOff := b.headerSize() + uint32(b.cmds.Len()) + 56 + dysymtabCmdSize
	locrelocOff := segOff + filesize

	b.addSegment("__TEXT", 0x80001000, 0x1000, filesize, segOff)
	b.addDysymtabFull(types.DysymtabCmd{Locreloff: locrelocOff, Nlocrel: 1})

	payload := make([]byte, filesize)
	binary.LittleEndian.PutUint32(payload[0:4], 0x1000)

	reloc := types.RelocationInfo{Address: 0, Info: uint32(types.GENERIC_RELOC_VANILLA) << 28 | 2<<25}
	relocBuf := make([]byte, 8)
	binary.LittleEndian.PutUint32(relocBuf[0:], reloc.Address)
	binary.LittleEndian.PutUint32(relocBuf[4:], reloc.Info)

	tail := append([]byte{}, payload...)
	tail = append(tail, relocBuf...)
	data := b.build(tail)

	f, err := Open(data)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	vmsize, err := f.VMSize()
	if err != nil {
		t.Fatalf("VMSize: %v", err)
	}
	dst := make([]byte, vmsize)
	if _, err := f.Map(dst, vmsize, 0x80001000); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := f.RelocateExecutable(dst, 0x00010000); err != nil {
		t.Fatalf("RelocateExecutable: %v", err)
	}
	got := binary.LittleEndian.Uint32(dst[0:4])
	if got != 0x00011000 {
		t.Errorf("patched word = %#x, want 0x00011000", got)
	}
}

func TestRelocateExecutableRequiresExecutable(t *testing.T) {
	b := newFileBuilder(types.MH_OBJECT)
	off := b.headerSize() + uint32(b.cmds.Len()) + 56 + 24
	b.addSegment("__TEXT", 0, 0x10, 0x10, off)
	b.addSymtab(off+0x10, 0, off+0x10, 0)
	data := b.build(make([]byte, 0x10))

	f, err := Open(data)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := f.RelocateExecutable(make([]byte, 0x10), 0); CodeOf(err) != BADFILETYPE {
		t.Fatalf("RelocateExecutable code = %v, want BADFILETYPE", CodeOf(err))
	}
}
