package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/kbrooks/xnuboot/types"
)

// Load is anything that came off the load-command stream. Most loads this
// parser does not care about are kept only as raw bytes so the command
// count and iteration stay correct; the ones it does care about get typed
// wrappers below.
type Load interface {
	Command() types.LoadCmd
	Raw() []byte
}

// LoadBytes holds the uninterpreted bytes of a load command this loader
// has no business parsing further (e.g. LC_LOAD_DYLIB, were it ever seen --
// it isn't, since this loader only walks classic link-edit images).
type LoadBytes []byte

func (b LoadBytes) Raw() []byte { return b }

// LoadCmdBytes is a command tag plus its raw bytes.
type LoadCmdBytes struct {
	types.LoadCmd
	LoadBytes
}

func (s LoadCmdBytes) String() string { return s.Command().String() }

// Section is a single Mach-O section, addressed relative to its owning
// Segment.
type Section struct {
	types.Section32
	SegName string
	SecName string
}

func (s *Section) Name() string { return s.SecName }

func (s *Section) IsZeroFill() bool {
	return types.SectionFlag(uint32(s.Flags)&types.SectionTypeMask) == types.S_ZEROFILL
}

// Data returns the section's file contents. Zerofill sections have no file
// backing and Data returns nil.
func (s *Section) Data(r *bytes.Reader) ([]byte, error) {
	if s.IsZeroFill() {
		return nil, nil
	}
	buf := make([]byte, s.Size)
	if s.Size == 0 {
		return buf, nil
	}
	if _, err := r.ReadAt(buf, int64(s.Offset)); err != nil {
		return nil, fmt.Errorf("failed to read section data: %v", err)
	}
	return buf, nil
}

// Segment is a 32-bit Mach-O LC_SEGMENT command plus the sections that
// follow it in the load-command stream.
type Segment struct {
	types.Segment32
	SegName  string
	Sections []*Section
}

func (s *Segment) Name() string           { return s.SegName }
func (s *Segment) Command() types.LoadCmd { return types.LC_SEGMENT }
func (s *Segment) Raw() []byte            { return nil }

// Data returns the segment's raw file contents, read as one contiguous run
// of Filesz bytes starting at Offset.
func (s *Segment) Data(r *bytes.Reader) ([]byte, error) {
	buf := make([]byte, s.Filesz)
	if s.Filesz == 0 {
		return buf, nil
	}
	if _, err := r.ReadAt(buf, int64(s.Offset)); err != nil {
		return nil, fmt.Errorf("failed to read segment data: %v", err)
	}
	return buf, nil
}

// Symtab is the parsed LC_SYMTAB command plus the symbol and string tables
// it describes.
type Symtab struct {
	types.SymtabCmd
	Syms   []Symbol
	strtab []byte
}

func (s *Symtab) Command() types.LoadCmd { return types.LC_SYMTAB }
func (s *Symtab) Raw() []byte            { return nil }

// Symbol is one classic nlist entry, resolved against the string table so
// callers never touch n_strx directly.
type Symbol struct {
	Name  string
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint32
}

const nlist32Size = 12

// N_ARM_THUMB_DEF marks a symbol as the Thumb-mode definition of its
// address; by convention the low bit of the value must be cleared before
// comparing such a symbol's address against another.
const N_ARM_THUMB_DEF = 0x0008

func clearThumbBit(v uint32, desc uint16) uint32 {
	if desc&N_ARM_THUMB_DEF != 0 {
		return v &^ 1
	}
	return v
}

func cstring(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return string(b)
	}
	return string(b[:i])
}

// parseSymtab reads the nlist array and string pool for a SYMTAB command.
func parseSymtab(r *bytes.Reader, bo binary.ByteOrder, cmd types.SymtabCmd) (*Symtab, error) {
	strtab := make([]byte, cmd.Strsize)
	if cmd.Strsize > 0 {
		if _, err := r.ReadAt(strtab, int64(cmd.Stroff)); err != nil {
			return nil, fmt.Errorf("failed to read string table: %v", err)
		}
	}

	raw := make([]byte, int(cmd.Nsyms)*nlist32Size)
	if len(raw) > 0 {
		if _, err := r.ReadAt(raw, int64(cmd.Symoff)); err != nil {
			return nil, fmt.Errorf("failed to read symbol table: %v", err)
		}
	}

	syms := make([]Symbol, cmd.Nsyms)
	for i := range syms {
		off := i * nlist32Size
		strx := bo.Uint32(raw[off:])
		var name string
		if int(strx) < len(strtab) {
			name = cstring(strtab[strx:])
		}
		syms[i] = Symbol{
			Name:  name,
			Type:  raw[off+4],
			Sect:  raw[off+5],
			Desc:  bo.Uint16(raw[off+6:]),
			Value: bo.Uint32(raw[off+8:]),
		}
	}

	return &Symtab{SymtabCmd: cmd, Syms: syms, strtab: strtab}, nil
}

// Dysymtab is the parsed LC_DYSYMTAB command plus the local-relocation list
// addressed by it -- the only part of dysymtab this loader consumes.
type Dysymtab struct {
	types.DysymtabCmd
	LocalRelocs []types.RelocationInfo
}

func (d *Dysymtab) Command() types.LoadCmd { return types.LC_DYSYMTAB }
func (d *Dysymtab) Raw() []byte            { return nil }

func parseDysymtab(r *bytes.Reader, bo binary.ByteOrder, cmd types.DysymtabCmd) (*Dysymtab, error) {
	d := &Dysymtab{DysymtabCmd: cmd}
	if cmd.Nlocrel == 0 {
		return d, nil
	}
	relocs, err := readRelocs(r, bo, cmd.Locreloff, cmd.Nlocrel)
	if err != nil {
		return nil, err
	}
	d.LocalRelocs = relocs
	return d, nil
}

func readRelocs(r *bytes.Reader, bo binary.ByteOrder, off, n uint32) ([]types.RelocationInfo, error) {
	raw := make([]byte, int(n)*8)
	if _, err := r.ReadAt(raw, int64(off)); err != nil {
		return nil, fmt.Errorf("failed to read relocations: %v", err)
	}
	out := make([]types.RelocationInfo, n)
	for i := range out {
		out[i] = types.RelocationInfo{
			Address: bo.Uint32(raw[i*8:]),
			Info:    bo.Uint32(raw[i*8+4:]),
		}
	}
	return out, nil
}

// UnixThread is the parsed LC_UNIXTHREAD command. Only the ARM thread
// flavor is understood; EntryPoint is the PC field of RegsARM.
type UnixThread struct {
	types.UnixThreadCmd
	EntryPoint uint32
}

func (t *UnixThread) Command() types.LoadCmd { return types.LC_UNIXTHREAD }
func (t *UnixThread) Raw() []byte            { return nil }

func parseUnixThread(data []byte, bo binary.ByteOrder, cmd types.UnixThreadCmd) (*UnixThread, error) {
	// The thread-state bytes follow {flavor, count} inline in the command.
	const hdr = 16 // LoadCmd + Len + Flavor + Count
	if len(data) < hdr+4*17 {
		return nil, newError(MALFORMED, -1, "UNIXTHREAD command too small for ARM thread state", len(data))
	}
	var regs RegsARM
	if err := binary.Read(bytes.NewReader(data[hdr:]), bo, &regs); err != nil {
		return nil, fmt.Errorf("failed to decode ARM thread state: %v", err)
	}
	return &UnixThread{UnixThreadCmd: cmd, EntryPoint: regs.PC}, nil
}
