package bootstream

import (
	"bytes"
	"fmt"

	macho "github.com/kbrooks/xnuboot"
	"github.com/kbrooks/xnuboot/pkg/decompress"
)

// Mach-O command flag bits (§6).
const (
	FlagDriver       uint32 = 0x001
	FlagKernel       uint32 = 0x002
	FlagLZSS         uint32 = 0x100
	FlagHasInfoPlist uint32 = 0x200
	FlagQLZ          uint32 = 0x400
	FlagNoExec       uint32 = 0x800
)

const machoCommandHeaderSize = 88 // magic,size,decomp_size,info_offset,load_address,flags,name[64]
const nameFieldSize = 64

type machoCommand struct {
	Size        uint32
	DecompSize  uint32
	InfoOffset  uint32
	LoadAddress uint32
	Flags       uint32
	Name        string
	Payload     []byte
}

func parseMachOCommand(cmd []byte) (machoCommand, error) {
	if len(cmd) < machoCommandHeaderSize {
		return machoCommand{}, fmt.Errorf("bootstream: truncated mach-o command")
	}
	nameBytes := append([]byte{}, cmd[24:24+nameFieldSize]...)
	if nameBytes[nameFieldSize-1] != 0 {
		nameBytes[nameFieldSize-1] = 0
	}
	name := string(bytes.TrimRight(nameBytes, "\x00"))

	return machoCommand{
		Size:        bo.Uint32(cmd[4:]),
		DecompSize:  bo.Uint32(cmd[8:]),
		InfoOffset:  bo.Uint32(cmd[12:]),
		LoadAddress: bo.Uint32(cmd[16:]),
		Flags:       bo.Uint32(cmd[20:]),
		Name:        name,
		Payload:     cmd[machoCommandHeaderSize:],
	}, nil
}

// handleMachOCommand implements the kernel/driver dispatch from §4.8: a
// kernel command tears down any prior kernel context and resets the
// cursor off the DRAM base; a driver command requires a kernel already
// present and reserves a 256-byte pad ahead of its image for the later
// DriverInfo handshake structure.
func (s *State) handleMachOCommand(raw []byte) error {
	cmd, err := parseMachOCommand(raw)
	if err != nil {
		return err
	}

	if cmd.Flags&FlagKernel != 0 {
		if !s.KernelRange.Empty() {
			s.Reset()
		}
		slide := cmd.LoadAddress & 0xfffff
		s.KernelMemoryTop = s.RAMBase + slide
		s.VirtBase = cmd.LoadAddress &^ 0xfffff
		s.PhysBase = s.RAMBase
	} else if cmd.Flags&FlagDriver != 0 {
		if err := s.assertKernelLoaded(); err != nil {
			return err
		}
	} else {
		return fmt.Errorf("bootstream: unsupported mach-o command (want driver or kernel flag)")
	}

	rawDest := s.KernelMemoryTop
	if cmd.Flags&FlagDriver != 0 {
		rawDest += driverPadStart
	}

	image, imageSize, err := s.resolveMachOImage(cmd, rawDest)
	if err != nil {
		return err
	}

	if cmd.Flags&FlagDriver != 0 {
		return s.acceptDriver(cmd, image, imageSize, rawDest)
	}
	return s.acceptKernel(cmd, image, rawDest)
}

// resolveMachOImage decompresses the command's payload if needed and
// returns the bytes the Mach-O/driver logic should consume next, along
// with their length. For a driver image, decompression writes directly
// at rawDest; for a kernel image, it writes at rawDest plus 4x headroom
// (the source may grow during Mach-O relocation bookkeeping, mirroring
// the original's scratch-buffer assumption).
func (s *State) resolveMachOImage(cmd machoCommand, rawDest uint32) ([]byte, uint32, error) {
	isCompressed := cmd.Flags&(FlagLZSS|FlagQLZ) != 0
	if !isCompressed {
		return cmd.Payload, uint32(len(cmd.Payload)), nil
	}

	var decompDest uint32
	if cmd.Flags&FlagDriver != 0 {
		decompDest = rawDest
	} else {
		decompDest = rawDest + cmd.DecompSize*4
	}
	dst := s.phys(decompDest)[:cmd.DecompSize]

	var n int
	switch {
	case cmd.Flags&FlagLZSS != 0:
		n = decompress.LZSS(dst, cmd.Payload)
	case cmd.Flags&FlagQLZ != 0:
		n = decompress.QuickLZ(dst, cmd.Payload)
	default:
		return nil, 0, fmt.Errorf("bootstream: unrecognized compression type")
	}
	if uint32(n) != cmd.DecompSize {
		return nil, 0, fmt.Errorf("bootstream: decompressed length mismatch (got %#x want %#x)", n, cmd.DecompSize)
	}
	return dst, cmd.DecompSize, nil
}

func (s *State) acceptKernel(cmd machoCommand, image []byte, rawDest uint32) error {
	f, err := macho.Open(image)
	if err != nil {
		return fmt.Errorf("bootstream: kernel image: %v", err)
	}
	vmsize, err := f.VMSize()
	if err != nil {
		return fmt.Errorf("bootstream: kernel vmsize: %v", err)
	}
	dst := s.phys(rawDest)[:vmsize]
	if _, err := f.Map(dst, vmsize, cmd.LoadAddress); err != nil {
		return fmt.Errorf("bootstream: mapping kernel: %v", err)
	}
	entry, ok := f.EntryPoint()
	if !ok {
		return fmt.Errorf("bootstream: kernel image has no entry point")
	}

	s.KernelRange = MemoryRange{Base: rawDest, Size: vmsize}
	s.EntryPoint = entry
	s.incrementKernelMemory(vmsize)
	return nil
}

func (s *State) acceptDriver(cmd machoCommand, image []byte, imageSize uint32, rawDest uint32) error {
	if cmd.InfoOffset > imageSize {
		return fmt.Errorf("bootstream: malformed load command (info_offset > image_size)")
	}

	isCompressed := cmd.Flags&(FlagLZSS|FlagQLZ) != 0
	if !isCompressed {
		copy(s.phys(rawDest), image[:imageSize])
	}

	driver := DriverImage{
		Range:   MemoryRange{Base: s.KernelMemoryTop, Size: imageSize + driverPadStart},
		HasExec: cmd.Flags&FlagNoExec == 0,
		Name:    cmd.Name,
	}

	switch {
	case cmd.Flags&FlagHasInfoPlist != 0:
		driver.InfoOffset = cmd.InfoOffset
	case cmd.Flags&FlagNoExec != 0:
		return fmt.Errorf("bootstream: no-exec driver has no info.plist")
	default:
		driver.InfoOffset = 0
	}

	s.Drivers = append([]DriverImage{driver}, s.Drivers...)
	s.incrementKernelMemory(driver.Range.Size)
	return nil
}
