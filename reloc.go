package macho

import "github.com/kbrooks/xnuboot/types"

// applyReloc patches the 32-bit word at dst[addr] by adding bias, after
// validating the relocation record's shape per §4.3. It returns (applied,
// error): applied is false for the one combination that is silently
// skipped rather than rejected.
func applyReloc(dst []byte, r types.RelocationInfo, addr uint32, bias uint32) (bool, error) {
	if r.Scattered() {
		return false, newError(BADRELOC, 0, "scattered relocations are not supported", nil)
	}
	if r.Length() != 2 {
		return false, newError(BADRELOC, 0, "unsupported relocation length", r)
	}
	if r.Type() != types.GENERIC_RELOC_VANILLA {
		if r.Pcrel() {
			// PC-relative needs no fixup when sections are not scattered.
			return false, nil
		}
		return false, newError(BADRELOC, 0, "unsupported relocation type", r)
	}

	if uint64(addr)+4 > uint64(len(dst)) {
		return false, newError(OUTOFBOUNDS, 0, "relocation patch address out of range", addr)
	}

	if r.Extern() {
		return false, newError(BADRELOC, 0, "external relocations are not supported", nil)
	}
	if r.SymbolNum() == types.R_ABS {
		return false, newError(BADRELOC, 0, "absolute relocations are not supported", nil)
	}

	cur := uint32(dst[addr]) | uint32(dst[addr+1])<<8 | uint32(dst[addr+2])<<16 | uint32(dst[addr+3])<<24
	cur += bias
	dst[addr] = byte(cur)
	dst[addr+1] = byte(cur >> 8)
	dst[addr+2] = byte(cur >> 16)
	dst[addr+3] = byte(cur >> 24)
	return true, nil
}

// RelocateObject applies every section's relocation list against the
// mapped destination of an MH_OBJECT image, per §4.3.
func (f *File) RelocateObject(dst []byte, loaderBias uint32) error {
	if f.Type != types.MH_OBJECT {
		return newError(BADFILETYPE, 0, "RelocateObject requires an object file", f.Type)
	}
	if len(f.Segments) != 1 {
		return newError(OBJECT_BADSEGMENT, 0, "object file must have exactly one segment", len(f.Segments))
	}

	for _, sec := range f.Segments[0].Sections {
		if sec.Nreloc == 0 {
			continue
		}
		relocs, err := readRelocs(f.r, f.ByteOrder, sec.Reloff, sec.Nreloc)
		if err != nil {
			return err
		}
		for _, r := range relocs {
			addr := sec.Addr + r.Address
			if _, err := applyReloc(dst, r, addr, loaderBias); err != nil {
				return err
			}
		}
	}
	return nil
}

// RelocateExecutable applies the local relocation list recorded in the
// LC_DYSYMTAB command against the mapped destination of an MH_EXECUTE
// image, per §4.3.
func (f *File) RelocateExecutable(dst []byte, loaderBias uint32) error {
	if f.Type != types.MH_EXECUTE {
		return newError(BADFILETYPE, 0, "RelocateExecutable requires an executable", f.Type)
	}
	if f.Dysymtab == nil {
		return newError(EXEC_UNSUPPORTED, 0, "executable has no LC_DYSYMTAB", nil)
	}

	for _, r := range f.Dysymtab.LocalRelocs {
		addr := r.Address
		if _, err := applyReloc(dst, r, addr, loaderBias); err != nil {
			return err
		}
	}
	return nil
}
