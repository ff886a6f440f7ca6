// Package bootstream interprets the typed command stream that carries
// the kernel image, auxiliary drivers, device tree, and (out of band)
// the ramdisk, dispatching each command against an explicit State
// rather than the process-wide globals the original loader used.
package bootstream

import (
	"fmt"

	"github.com/kbrooks/xnuboot/pkg/devicetree"
	"github.com/kbrooks/xnuboot/pkg/env"
)

// MemoryRange is a physical [Base, Base+Size) span.
type MemoryRange struct {
	Base uint32
	Size uint32
}

// Empty reports whether r describes no memory at all.
func (r MemoryRange) Empty() bool { return r.Base == 0 && r.Size == 0 }

// End returns the exclusive end of the range.
func (r MemoryRange) End() uint32 { return r.Base + r.Size }

// DriverImage records one accepted driver command.
type DriverImage struct {
	Range      MemoryRange
	InfoOffset uint32
	HasExec    bool
	Name       string
}

const driverPadStart = 256

// State is the process-wide loader state threaded explicitly through the
// interpreter and, later, the handoff assembler: one kernel image at a
// time, a LIFO driver list, and the running kernel-memory cursor.
type State struct {
	RAM     []byte // simulated physical memory, indexed by RAM[addr-RAMBase]
	RAMBase uint32

	KernelMemoryTop uint32
	KernelRange     MemoryRange
	RAMDiskRange    MemoryRange
	EntryPoint      uint32
	VirtBase        uint32
	PhysBase        uint32

	HasDeviceTree bool
	DeviceTree    *devicetree.Node

	// Drivers is LIFO: the most recently loaded driver is at index 0.
	Drivers []DriverImage
}

// NewState returns a State backed by a simulated RAM buffer of the given
// size, starting at physical address ramBase.
func NewState(ramBase uint32, ramSize uint32) *State {
	return &State{RAM: make([]byte, ramSize), RAMBase: ramBase}
}

// phys returns the live slice of simulated RAM starting at the given
// physical address; callers are responsible for bounds, exactly as the
// original loader trusted its own address arithmetic.
func (s *State) phys(addr uint32) []byte {
	return s.RAM[addr-s.RAMBase:]
}

// Phys exposes the simulated RAM window at addr to other loader
// subsystems (the handoff assembler, the CLI's rdx verb) that need to
// read or write kernel memory outside the interpreter itself.
func (s *State) Phys(addr uint32) []byte {
	return s.phys(addr)
}

// Reset tears down the current kernel context: finalizes any device
// tree, frees the driver list, and zeroes the kernel/ramdisk ranges.
// Called automatically when a new kernel command arrives.
func (s *State) Reset() {
	s.HasDeviceTree = false
	s.DeviceTree = nil
	s.KernelMemoryTop = 0
	s.PhysBase = 0
	s.VirtBase = 0
	s.KernelRange = MemoryRange{}
	s.RAMDiskRange = MemoryRange{}
	s.Drivers = nil
}

// incrementKernelMemory advances the cursor by a page-aligned amount,
// matching the original's rationale: ramdisks must be page aligned, and
// everything else benefits from DMA alignment. It republishes the cursor
// through the environment, matching the original's own
// increment_kernel_memory, which calls setenv_hex("KernelMemoryTop", ...)
// so the shell can report it between loader commands.
func (s *State) incrementKernelMemory(by uint32) {
	s.KernelMemoryTop += alignUp(by, 0x1000)
	_ = env.SetenvHex("KernelMemoryTop", s.KernelMemoryTop)
}

func alignUp(x, align uint32) uint32 {
	return (x + align - 1) &^ (align - 1)
}

// assertKernelLoaded returns an error if no kernel has been loaded yet;
// drivers and device trees require this. AttachRAMDisk does not call it.
func (s *State) assertKernelLoaded() error {
	if s.KernelRange.Empty() {
		return fmt.Errorf("bootstream: a kernel image has to be loaded first")
	}
	return nil
}
