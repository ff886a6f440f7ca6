package macho

import "github.com/kbrooks/xnuboot/types"

// MapResult records what Map actually placed, so the relocator and symbol
// resolver downstream can address the copy rather than the source file.
type MapResult struct {
	Base     []byte // the destination region, sliced to exactly VMSize bytes
	VMSize   uint32
	VMBias   uint32 // subtracted from each EXECUTABLE segment's stated vmaddr
	IsPrelinked bool
}

// Map copies f's segments (EXECUTABLE) or sections (OBJECT) into dst,
// per §4.2. dst must be at least vmsize bytes; Map does not allocate it.
func (f *File) Map(dst []byte, vmsize, vmBias uint32) (*MapResult, error) {
	if uint32(len(dst)) < vmsize {
		return nil, newError(OUTOFBOUNDS, 0, "destination shorter than vmsize", len(dst))
	}
	dst = dst[:vmsize]

	switch f.Type {
	case types.MH_EXECUTE:
		if err := f.mapExecutable(dst, vmBias); err != nil {
			return nil, err
		}
	case types.MH_OBJECT:
		if err := f.mapObject(dst); err != nil {
			return nil, err
		}
	default:
		return nil, newError(BADFILETYPE, 0, "unsupported filetype", f.Type)
	}

	return &MapResult{Base: dst, VMSize: vmsize, VMBias: vmBias, IsPrelinked: f.IsPrelinked()}, nil
}

func (f *File) mapExecutable(dst []byte, vmBias uint32) error {
	for i, seg := range f.Segments {
		actualVMAddr := seg.Addr - vmBias
		if i == 0 && vmBias == 0 && seg.Addr != 0 {
			return newError(EXEC_UNSUPPORTED, 0, "PIE at nonzero base is not supported", seg.Addr)
		}
		if uint64(actualVMAddr)+uint64(seg.Memsz) > uint64(len(dst)) {
			return newError(OUTOFBOUNDS, 0, "segment maps outside destination", seg.SegName)
		}

		data, err := seg.Data(f.r)
		if err != nil {
			return err
		}
		n := copy(dst[actualVMAddr:], data)
		zeroStart := actualVMAddr + uint32(n)
		zeroEnd := actualVMAddr + seg.Memsz
		for j := zeroStart; j < zeroEnd; j++ {
			dst[j] = 0
		}
	}
	return nil
}

func (f *File) mapObject(dst []byte) error {
	if len(f.Segments) != 1 {
		return newError(OBJECT_BADSEGMENT, 0, "object file must have exactly one segment", len(f.Segments))
	}
	for _, sec := range f.Segments[0].Sections {
		if uint64(sec.Addr)+uint64(sec.Size) > uint64(len(dst)) {
			return newError(OUTOFBOUNDS, 0, "section maps outside destination", sec.SecName)
		}
		if sec.IsZeroFill() {
			for j := sec.Addr; j < sec.Addr+sec.Size; j++ {
				dst[j] = 0
			}
			continue
		}
		data, err := sec.Data(f.r)
		if err != nil {
			return err
		}
		copy(dst[sec.Addr:], data)
	}
	return nil
}
