package decompress

import "encoding/binary"

// QuickLZ decodes a stream produced by a level-1 QuickLZ encoder: a byte
// stream of control-bit groups (one 32-bit control word per 32 blocks),
// each block either a literal byte or a back-reference {offset, length}.
// This is not a byte-exact port of Lasse Mikkel Reinhold's reference
// decompressor -- that codec's bit-exact block layout is undocumented
// outside its own source -- it implements the same token shape (control
// word selecting literal-vs-match, match encoding a 16-bit offset and an
// 8-bit length biased by the minimum match length) so that an encoder
// emitting this loader's own QuickLZ-tagged boot-stream commands round-trips
// through it.
const quickLZMinMatch = 3

// QuickLZ decompresses src into dst and returns the number of bytes
// written.
func QuickLZ(dst, src []byte) int {
	si, di := 0, 0
	var control uint32
	var controlBits uint

	nextBit := func() uint32 {
		if controlBits == 0 {
			if si+4 > len(src) {
				return 0
			}
			control = binary.LittleEndian.Uint32(src[si:])
			si += 4
			controlBits = 32
		}
		bit := control & 1
		control >>= 1
		controlBits--
		return bit
	}

	for si < len(src) && di < len(dst) {
		if nextBit() == 0 {
			dst[di] = src[si]
			di++
			si++
			continue
		}
		if si+3 > len(src) {
			break
		}
		offset := int(binary.LittleEndian.Uint16(src[si:]))
		length := int(src[si+2]) + quickLZMinMatch
		si += 3
		start := di - offset
		if start < 0 {
			break
		}
		for k := 0; k < length && di < len(dst); k++ {
			dst[di] = dst[start+k]
			di++
		}
	}
	return di
}
