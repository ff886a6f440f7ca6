// Package bootargs implements the kernel handoff assembler: once a
// kernel image and a device tree are in place, it builds the boot_args
// record, the /chosen/memory-map node, and the flattened device tree
// image the kernel expects, then computes the addresses needed for the
// final jump into the kernel's entry point.
package bootargs

import (
	"encoding/binary"
	"fmt"
	"log"
	"strings"

	"github.com/kbrooks/xnuboot/bootstream"
	"github.com/kbrooks/xnuboot/pkg/devicetree"
	"github.com/kbrooks/xnuboot/pkg/memory"
)

const (
	revision = 1
	version3 = 3
	argsLen  = 256
)

const driverPadStart = 256
const driverInfoSize = 24 // six 32-bit fields
const nameFieldSize = 64

// BootVideo mirrors the kernel's video-info substructure; this loader
// never supplies a framebuffer, so every field stays zero.
type BootVideo struct {
	BaseAddr, Display, RowBytes, Width, Height, Depth uint32
}

// BootArgs is the fixed-layout record handed to the kernel, packed in
// declared order with 32-bit alignment as the ABI requires.
type BootArgs struct {
	Revision, Version uint16
	VirtBase          uint32
	PhysBase          uint32
	MemSize           uint32
	DataEnd           uint32
	Video             BootVideo
	Machine           uint32
	DTBase            uint32
	DTSize            uint32
	Args              [argsLen]byte
}

// Bytes serializes a into the kernel ABI's byte layout.
func (a *BootArgs) Bytes() []byte {
	bo := binary.LittleEndian
	buf := make([]byte, 0, 4+4*4+6*4+4+4+4+argsLen)
	var u16 [2]byte
	bo.PutUint16(u16[:], a.Revision)
	buf = append(buf, u16[:]...)
	bo.PutUint16(u16[:], a.Version)
	buf = append(buf, u16[:]...)

	put := func(v uint32) {
		var b [4]byte
		bo.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}
	put(a.VirtBase)
	put(a.PhysBase)
	put(a.MemSize)
	put(a.DataEnd)
	put(a.Video.BaseAddr)
	put(a.Video.Display)
	put(a.Video.RowBytes)
	put(a.Video.Width)
	put(a.Video.Height)
	put(a.Video.Depth)
	put(a.Machine)
	put(a.DTBase)
	put(a.DTSize)
	buf = append(buf, a.Args[:]...)
	return buf
}

// kv converts a physical address into the kernel's identity virtual
// mapping; vk is its inverse. Both sides of the mapping live in the same
// linear region, differing only by a fixed offset.
func kv(x, physBase, virtBase uint32) uint32 { return x - physBase + virtBase }
func vk(x, physBase, virtBase uint32) uint32 { return x - virtBase + physBase }

// Result carries everything the caller needs to perform the actual
// non-returning jump into the kernel.
type Result struct {
	Args            *BootArgs
	ArgsRange       bootstream.MemoryRange
	DeviceTreeRange bootstream.MemoryRange
	EntryPointPhys  uint32
	BootArgsVirt    uint32
}

// Assemble builds the handoff artifacts described in the procedure: a
// boot_args struct, a /chosen/memory-map enumerating every loaded range,
// and a flattened device tree, all placed in kernel memory starting at
// the current cursor. It requires a kernel and a device tree to already
// be loaded.
func Assemble(s *bootstream.State) (*Result, error) {
	if s.KernelRange.Empty() {
		return nil, fmt.Errorf("bootargs: no kernel is loaded")
	}
	if !s.HasDeviceTree {
		return nil, fmt.Errorf("bootargs: device tree is not loaded - load one before starting the kernel")
	}

	region := &memory.Region{Base: s.PhysBase, Pos: s.KernelMemoryTop, Down: false}

	const bootArgsSize = 2 + 2 + 4*4 + 6*4 + 4 + 4 + 4 + argsLen
	argsAddr := region.Reserve(bootArgsSize, 0)
	argsRange := bootstream.MemoryRange{Base: argsAddr, Size: bootArgsSize}

	root := s.DeviceTree
	chosen := addNamedChild(root, "chosen")
	memoryMap := addNamedChild(chosen, "memory-map")

	enterRange(memoryMap, "iBoot", bootstream.MemoryRange{})
	enterRange(memoryMap, "BootArgs", argsRange)
	enterRange(memoryMap, "Kernel", s.KernelRange)

	for _, d := range s.Drivers {
		if err := mapBooterExtension(s, memoryMap, d); err != nil {
			return nil, err
		}
	}
	s.Drivers = nil

	if !s.RAMDiskRange.Empty() {
		enterRange(memoryMap, "RAMDisk", s.RAMDiskRange)
	}

	flat, err := devicetree.Flatten(root)
	if err != nil {
		return nil, fmt.Errorf("bootargs: flatten device tree: %v", err)
	}
	dtAddr := region.Reserve(uint32(len(flat)), 0)
	copy(s.Phys(dtAddr), flat)
	// flat is written whole, magic included, so a dump of kernel memory
	// around dtAddr still shows the magic for debugging; boot_args itself
	// points past it, mirroring the original's flatten_device_tree, which
	// advances dt_base by 4 after stamping the magic and reports dt_size
	// as the tree's own length, not counting it.
	dtRange := bootstream.MemoryRange{Base: dtAddr + 4, Size: uint32(len(flat)) - 4}

	region.Reserve(0, 0x100000) // pad for the kernel's initial page tables

	args := &BootArgs{
		Revision: revision,
		Version:  version3,
		VirtBase: s.VirtBase,
		PhysBase: s.PhysBase,
		MemSize:  uint32(len(s.RAM)),
		DataEnd:  region.Pos,
		DTBase:   kv(dtRange.Base, s.PhysBase, s.VirtBase),
		DTSize:   dtRange.Size,
	}
	copy(s.Phys(argsAddr), args.Bytes())

	res := &Result{
		Args:            args,
		ArgsRange:       argsRange,
		DeviceTreeRange: dtRange,
		EntryPointPhys:  vk(s.EntryPoint, s.PhysBase, s.VirtBase),
		BootArgsVirt:    kv(argsRange.Base, s.PhysBase, s.VirtBase),
	}

	s.HasDeviceTree = false
	s.DeviceTree = nil

	return res, nil
}

func addNamedChild(parent *devicetree.Node, name string) *devicetree.Node {
	child := parent.AddChild()
	child.AddProperty("name", append([]byte(name), 0))
	return child
}

func enterRange(memoryMap *devicetree.Node, name string, r bootstream.MemoryRange) {
	bo := binary.LittleEndian
	buf := make([]byte, 8)
	bo.PutUint32(buf[0:], r.Base)
	bo.PutUint32(buf[4:], r.Size)
	memoryMap.AddProperty(name, buf)
}

// mapBooterExtension writes a DriverInfo handshake structure into the
// 256-byte pad ahead of the driver's image and enters it into the
// memory map under a name keyed off that structure's address.
func mapBooterExtension(s *bootstream.State, memoryMap *devicetree.Node, d bootstream.DriverImage) error {
	if driverInfoSize+nameFieldSize > driverPadStart {
		return fmt.Errorf("bootargs: driver pad too small for DriverInfo and bundle name")
	}

	actualBase := d.Range.Base + driverPadStart
	actualSize := d.Range.Size - driverPadStart

	var execAddr, execLength uint32
	if d.HasExec {
		execAddr = actualBase
		execLength = d.InfoOffset
	}
	plistAddr := actualBase + d.InfoOffset
	plistLength := actualSize - d.InfoOffset

	bundlePathAddr := d.Range.Base + driverInfoSize
	bundlePathLength := uint32(len(d.Name))

	info := s.Phys(d.Range.Base)
	bo := binary.LittleEndian
	bo.PutUint32(info[0:], plistAddr)
	bo.PutUint32(info[4:], plistLength)
	bo.PutUint32(info[8:], execAddr)
	bo.PutUint32(info[12:], execLength)
	bo.PutUint32(info[16:], bundlePathAddr)
	bo.PutUint32(info[20:], bundlePathLength)

	nameBuf := s.Phys(bundlePathAddr)[:nameFieldSize]
	for i := range nameBuf {
		nameBuf[i] = 0
	}
	copy(nameBuf, d.Name)

	plist := s.Phys(plistAddr)
	if int(plistLength) >= 5 && !strings.HasPrefix(string(plist[:5]), "<?xml") {
		log.Printf("WARN: %s has a strange info.plist (starts with %q)", d.Name, plist[:min(5, len(plist))])
	}

	enterRange(memoryMap, fmt.Sprintf("Driver-%x", d.Range.Base), d.Range)
	return nil
}
