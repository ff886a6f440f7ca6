package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// A FileHeader represents a classic 32-bit Mach-O file header.
type FileHeader struct {
	Magic        Magic
	CPU          CPU
	SubCPU       CPUSubtype
	Type         HeaderFileType
	NCommands    uint32
	SizeCommands uint32
	Flags        HeaderFlag
}

func (h *FileHeader) Put(b []byte, o binary.ByteOrder) int {
	o.PutUint32(b[0:], uint32(h.Magic))
	o.PutUint32(b[4:], uint32(h.CPU))
	o.PutUint32(b[8:], uint32(h.SubCPU))
	o.PutUint32(b[12:], uint32(h.Type))
	o.PutUint32(b[16:], h.NCommands)
	o.PutUint32(b[20:], h.SizeCommands)
	o.PutUint32(b[24:], uint32(h.Flags))
	return FileHeaderSize32
}

func (h *FileHeader) Write(buf *bytes.Buffer, o binary.ByteOrder) error {
	if err := binary.Write(buf, o, h); err != nil {
		return fmt.Errorf("failed to write mach header to buffer: %v", err)
	}
	return nil
}

// FileHeaderSize32 is the size in bytes of a classic 32-bit Mach-O header.
const FileHeaderSize32 = 7 * 4

// Magic identifies the byte order and word size of a Mach-O file. Only the
// classic 32-bit form is understood by this loader; fat/universal images are
// rejected as BADFILETYPE, and any other magic (64-bit included) as BADMAGIC.
type Magic uint32

const (
	Magic32  Magic = 0xfeedface
	MagicFat Magic = 0xcafebabe
)

func (i Magic) Int() uint32 { return uint32(i) }
func (i Magic) String() string {
	switch i {
	case Magic32:
		return "32-bit MachO"
	case MagicFat:
		return "Fat MachO"
	default:
		return fmt.Sprintf("Magic(%#08x)", uint32(i))
	}
}

// HeaderFileType is the Mach-O file type. Only MH_EXECUTE and MH_OBJECT are
// ever handed to the mapper; everything else is BadFileType.
type HeaderFileType uint32

const (
	MH_OBJECT  HeaderFileType = 0x1 /* relocatable object file */
	MH_EXECUTE HeaderFileType = 0x2 /* demand paged executable file */
)

func (t HeaderFileType) String() string {
	switch t {
	case MH_OBJECT:
		return "OBJECT"
	case MH_EXECUTE:
		return "EXECUTE"
	default:
		return fmt.Sprintf("HeaderFileType(%#x)", uint32(t))
	}
}

// HeaderFlag carries the same bit layout as the upstream Mach-O header but
// this loader only ever inspects it for diagnostics; no flag changes mapping
// behavior.
type HeaderFlag uint32

func (h FileHeader) String() string {
	return fmt.Sprintf(
		"Magic=%s Type=%s CPU=%s Commands=%d (size=%d) Flags=%#x",
		h.Magic, h.Type, h.CPU, h.NCommands, h.SizeCommands, h.Flags,
	)
}
