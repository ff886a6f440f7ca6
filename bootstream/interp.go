package bootstream

import (
	"encoding/binary"
	"fmt"

	"github.com/kbrooks/xnuboot/pkg/devicetree"
	"github.com/kbrooks/xnuboot/pkg/devicetree/jsondt"
	"github.com/kbrooks/xnuboot/pkg/devicetree/plist"
)

// Command magics, spelled as the big-endian byte sequence of their
// four-character tag (the value a little-endian read of the wire bytes
// reconstructs).
const (
	MagicTOC     uint32 = 0x43666f54 // 'CfoT'
	MagicMachO   uint32 = 0x6863614d // 'hcaM'
	MagicXMLDT   uint32 = 0x54442d58 // 'TD-X'
	MagicJSDT    uint32 = 0x5444534a // 'TDSJ'
	MagicRamdisk uint32 = 0x4b534452 // 'KSDR'
	MagicConfig  uint32 = 0x464e4f43 // 'FNOC'
)

const commandHeaderSize = 8 // {magic, size}
const tocHeaderSize = 8     // {magic, ncmds}

var bo = binary.LittleEndian

// Interpret dispatches a single boot-stream image: either a table of
// contents (a sequence of commands) or a single bare command.
func (s *State) Interpret(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("bootstream: image too short to hold a magic")
	}
	magic := bo.Uint32(data)
	if magic == MagicTOC {
		return s.interpretTOC(data)
	}
	return s.dispatchCommand(magic, data)
}

func (s *State) interpretTOC(data []byte) error {
	if len(data) < tocHeaderSize {
		return fmt.Errorf("bootstream: truncated table of contents")
	}
	ncmds := bo.Uint32(data[4:])
	pos := uint32(tocHeaderSize)

	for i := uint32(0); i < ncmds; i++ {
		if int(pos)+commandHeaderSize > len(data) {
			return fmt.Errorf("bootstream: command header runs past end of stream")
		}
		magic := bo.Uint32(data[pos:])
		size := bo.Uint32(data[pos+4:])
		if magic == MagicTOC {
			return fmt.Errorf("bootstream: a table of contents within a table of contents is not allowed")
		}
		if size < commandHeaderSize || int(pos)+int(size) > len(data) {
			return fmt.Errorf("bootstream: command at %#x has impossible size %d", pos, size)
		}
		if err := s.dispatchCommand(magic, data[pos:pos+size]); err != nil {
			return err
		}
		pos += size
	}
	return nil
}

// dispatchCommand handles one command, cmd being the complete
// {magic, size, ...} record.
func (s *State) dispatchCommand(magic uint32, cmd []byte) error {
	switch magic {
	case MagicMachO:
		return s.handleMachOCommand(cmd)
	case MagicXMLDT:
		return s.handleDeviceTreeCommand(cmd, plist.Parse)
	case MagicJSDT:
		return s.handleDeviceTreeCommand(cmd, jsondt.Parse)
	case MagicRamdisk:
		return fmt.Errorf("bootstream: ramdisk commands are handled out of band via AttachRAMDisk, not inline")
	case MagicConfig:
		return nil // reserved, not implemented
	default:
		return fmt.Errorf("bootstream: unrecognized command magic %#08x", magic)
	}
}

// handleDeviceTreeCommand handles both DT front-ends identically save for
// which parser decodes the payload: skip (not fatal) if a device tree is
// already loaded, require a kernel, then parse straight away so the raw
// blob need not be kept alive past this call.
func (s *State) handleDeviceTreeCommand(cmd []byte, parse func([]byte) (*devicetree.Node, error)) error {
	if s.HasDeviceTree {
		return nil
	}
	if err := s.assertKernelLoaded(); err != nil {
		return err
	}
	if len(cmd) < commandHeaderSize {
		return fmt.Errorf("bootstream: truncated device tree command")
	}
	tree, err := parse(cmd[commandHeaderSize:])
	if err != nil {
		return err
	}
	s.DeviceTree = tree
	s.HasDeviceTree = true
	return nil
}
