package bootstream

import (
	"fmt"

	"github.com/kbrooks/xnuboot/pkg/ramdisk"
)

// AttachRAMDisk implements the out-of-band rdx verb: the shell has
// already placed size bytes at addr (which must equal the current
// kernel-memory cursor, i.e. the loaded file's claimed address lines up
// with where the loader expects the next image), and this validates it
// as an HFS+ volume before folding it into kernel memory.
func (s *State) AttachRAMDisk(addr, size uint32) error {
	if addr != s.KernelMemoryTop {
		return fmt.Errorf("bootstream: ramdisk loaded at the wrong address (got %#x, want %#x)", addr, s.KernelMemoryTop)
	}
	img := s.phys(addr)[:size]
	if err := ramdisk.Validate(img); err != nil {
		return fmt.Errorf("bootstream: %v", err)
	}

	s.RAMDiskRange = MemoryRange{Base: addr, Size: size}
	s.incrementKernelMemory(size)
	return nil
}
