// Package macho implements a reader, mapper, relocator and symbol resolver
// for the classic 32-bit Mach-O subset this loader needs: an executable
// kernel/driver image or a single-segment relocatable object, never a
// fat/universal archive and never one with compressed (dyld-info) link
// editing.
package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/kbrooks/xnuboot/types"
)

// File is a parsed Mach-O image. It owns no destination memory; Map (see
// map.go) copies its segments into a caller-supplied region.
type File struct {
	types.FileHeader
	ByteOrder binary.ByteOrder
	Loads     []Load

	Segments []*Segment
	Symtab   *Symtab
	Dysymtab *Dysymtab
	Thread   *UnixThread

	r *bytes.Reader
}

// Open parses a Mach-O image from a byte slice already resident in memory
// (this loader never reads images lazily off a block device; the caller is
// expected to have copied the boot-stream command's payload into RAM
// already).
func Open(data []byte) (*File, error) {
	r := bytes.NewReader(data)
	f := &File{r: r}

	var ident [4]byte
	if _, err := r.ReadAt(ident[:], 0); err != nil {
		return nil, fmt.Errorf("failed to read magic: %v", err)
	}
	be := binary.BigEndian.Uint32(ident[:])
	le := binary.LittleEndian.Uint32(ident[:])

	switch {
	case le == uint32(types.Magic32):
		f.ByteOrder = binary.LittleEndian
	case be == uint32(types.Magic32):
		f.ByteOrder = binary.BigEndian
	case le == uint32(types.MagicFat), be == uint32(types.MagicFat):
		return nil, newError(BADFILETYPE, 0, "fat/universal images are not supported", nil)
	default:
		return nil, newError(BADMAGIC, 0, "not a 32-bit Mach-O image", ident)
	}

	hdrBytes := make([]byte, types.FileHeaderSize32)
	if _, err := r.ReadAt(hdrBytes, 0); err != nil {
		return nil, fmt.Errorf("failed to read header: %v", err)
	}
	if err := binary.Read(bytes.NewReader(hdrBytes), f.ByteOrder, &f.FileHeader); err != nil {
		return nil, fmt.Errorf("failed to decode header: %v", err)
	}

	switch f.Type {
	case types.MH_EXECUTE, types.MH_OBJECT:
	default:
		return nil, newError(BADFILETYPE, 0, "unsupported Mach-O filetype", f.Type)
	}

	if err := f.parseLoadCommands(); err != nil {
		return nil, err
	}

	if f.Type == types.MH_OBJECT && f.Symtab == nil {
		return nil, newError(NOSYMTAB, 0, "object file has no LC_SYMTAB", nil)
	}

	return f, nil
}

func (f *File) parseLoadCommands() error {
	bo := f.ByteOrder
	off := int64(types.FileHeaderSize32)

	dat := make([]byte, f.SizeCommands)
	if _, err := f.r.ReadAt(dat, off); err != nil {
		return fmt.Errorf("failed to read load commands: %v", err)
	}

	for i := uint32(0); i < f.NCommands; i++ {
		if len(dat) < 8 {
			return newError(MALFORMED, off, "load command runs past sizeofcmds", nil)
		}
		cmd := types.LoadCmd(bo.Uint32(dat[0:4]))
		size := bo.Uint32(dat[4:8])
		if size < 8 || uint32(len(dat)) < size {
			return newError(MALFORMED, off, "invalid load command size", size)
		}
		cmdDat := dat[0:size]

		switch cmd {
		case types.LC_SEGMENT:
			seg, err := f.parseSegment(cmdDat, bo)
			if err != nil {
				return err
			}
			f.Segments = append(f.Segments, seg)
			f.Loads = append(f.Loads, seg)

		case types.LC_SYMTAB:
			var raw types.SymtabCmd
			if err := binary.Read(bytes.NewReader(cmdDat), bo, &raw); err != nil {
				return fmt.Errorf("failed to decode LC_SYMTAB: %v", err)
			}
			st, err := parseSymtab(f.r, bo, raw)
			if err != nil {
				return err
			}
			f.Symtab = st
			f.Loads = append(f.Loads, st)

		case types.LC_DYSYMTAB:
			var raw types.DysymtabCmd
			if err := binary.Read(bytes.NewReader(cmdDat), bo, &raw); err != nil {
				return fmt.Errorf("failed to decode LC_DYSYMTAB: %v", err)
			}
			dy, err := parseDysymtab(f.r, bo, raw)
			if err != nil {
				return err
			}
			f.Dysymtab = dy
			f.Loads = append(f.Loads, dy)

		case types.LC_UNIXTHREAD:
			var raw types.UnixThreadCmd
			if err := binary.Read(bytes.NewReader(cmdDat), bo, &raw); err != nil {
				return fmt.Errorf("failed to decode LC_UNIXTHREAD: %v", err)
			}
			th, err := parseUnixThread(cmdDat, bo, raw)
			if err != nil {
				return err
			}
			f.Thread = th
			f.Loads = append(f.Loads, th)

		case types.LC_DYLD_INFO, types.LC_DYLD_INFO_ONLY:
			return newError(EXEC_UNSUPPORTED, off, "compressed dyld-info link-edit is not supported", cmd)

		default:
			f.Loads = append(f.Loads, LoadCmdBytes{LoadCmd: cmd, LoadBytes: append([]byte(nil), cmdDat...)})
		}

		dat = dat[size:]
		off += int64(size)
	}

	return nil
}

func (f *File) parseSegment(dat []byte, bo binary.ByteOrder) (*Segment, error) {
	const segHdrSize = 56 // LoadCmd+Len+Name(16)+Addr+Memsz+Offset+Filesz+Maxprot+Prot+Nsect+Flag
	if len(dat) < segHdrSize {
		return nil, newError(MALFORMED, -1, "LC_SEGMENT too small", len(dat))
	}
	var raw types.Segment32
	if err := binary.Read(bytes.NewReader(dat[:segHdrSize]), bo, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode LC_SEGMENT: %v", err)
	}
	seg := &Segment{Segment32: raw, SegName: cstring(raw.Name[:])}

	const secSize = 68
	rest := dat[segHdrSize:]
	for i := uint32(0); i < raw.Nsect; i++ {
		if len(rest) < secSize {
			return nil, newError(MALFORMED, -1, "section header runs past LC_SEGMENT", i)
		}
		var sraw types.Section32
		if err := binary.Read(bytes.NewReader(rest[:secSize]), bo, &sraw); err != nil {
			return nil, fmt.Errorf("failed to decode section header: %v", err)
		}
		seg.Sections = append(seg.Sections, &Section{
			Section32: sraw,
			SegName:   cstring(sraw.Seg[:]),
			SecName:   cstring(sraw.Name[:]),
		})
		rest = rest[secSize:]
	}

	return seg, nil
}

// VMSize computes the total virtual-memory footprint this image needs once
// mapped, per §4.2: the sum of segment vmsizes for an executable, or the sum
// of section sizes in the sole segment of an object.
func (f *File) VMSize() (uint32, error) {
	switch f.Type {
	case types.MH_EXECUTE:
		var total uint32
		for _, seg := range f.Segments {
			total += seg.Memsz
		}
		return total, nil

	case types.MH_OBJECT:
		if len(f.Segments) != 1 {
			return 0, newError(OBJECT_BADSEGMENT, 0, "object file must have exactly one segment", len(f.Segments))
		}
		var total uint32
		for _, sec := range f.Segments[0].Sections {
			total += sec.Size
		}
		return total, nil

	default:
		return 0, newError(BADFILETYPE, 0, "unsupported filetype", f.Type)
	}
}

// IsPrelinked reports whether this executable carries a non-empty
// __PRELINK_INFO segment. Detected, per §3/§9, but not otherwise handled.
func (f *File) IsPrelinked() bool {
	for _, seg := range f.Segments {
		if seg.SegName == "__PRELINK_INFO" && seg.Memsz > 0 {
			return true
		}
	}
	return false
}

// EntryPoint returns the kernel/driver entry point recorded in the
// LC_UNIXTHREAD command, if any.
func (f *File) EntryPoint() (uint32, bool) {
	if f.Thread == nil {
		return 0, false
	}
	return f.Thread.EntryPoint, true
}
