// Package image3 implements the Image3 tagged TLV container: a 20-byte
// header followed by a sequence of self-describing tags. It is used to
// carry signed boot artifacts on real hardware; this loader only needs to
// read and, for test fixtures, write the container shape itself -- it does
// not validate any signature tag (that remains a Non-goal of the core).
package image3

import (
	"encoding/binary"
	"fmt"
)

// Magic is the four-byte tag identifying an Image3 container, spelled the
// way the original source spells it: the multi-character constant 'Img3',
// which a little-endian read of the stored bytes "3gmI" reconstructs.
const Magic uint32 = 0x496d6733 // 'Img3', big-endian spelling

const headerSize = 20
const tagHeaderSize = 12

// Header is the fixed 20-byte Image3 preamble.
type Header struct {
	Magic        uint32
	FullSize     uint32
	UnpackedSize uint32
	SigArea      uint32
	Ident        uint32
}

// Tag is one TLV entry: {type, total_length, data_length, data[...]}. Pad
// bytes between data_length and total_length-12 are not represented here;
// Bytes always holds exactly DataLength bytes.
type Tag struct {
	Type        uint32
	TotalLength uint32
	DataLength  uint32
	Bytes       []byte
}

// Container is either a read-only view over an existing buffer (Read) or
// one built from scratch and grown with ReserveTag (write path). Raw
// always holds the complete, current serialized form.
type Container struct {
	Header Header
	Tags   []Tag
	Raw    []byte
}

// Read parses buf as an Image3 container. It checks the magic, and returns
// an error when a tag's header or data runs past the end of buf or a tag's
// total_length is shorter than a tag header.
func Read(buf []byte) (*Container, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("image3: buffer shorter than header")
	}
	bo := binary.LittleEndian
	var hdr Header
	hdr.Magic = bo.Uint32(buf[0:])
	hdr.FullSize = bo.Uint32(buf[4:])
	hdr.UnpackedSize = bo.Uint32(buf[8:])
	hdr.SigArea = bo.Uint32(buf[12:])
	hdr.Ident = bo.Uint32(buf[16:])

	if hdr.Magic != Magic {
		return nil, fmt.Errorf("image3: bad magic %#08x", hdr.Magic)
	}

	c := &Container{Header: hdr, Raw: buf}

	pos := uint32(headerSize)
	for pos < hdr.FullSize {
		if int(pos)+tagHeaderSize > len(buf) {
			return nil, fmt.Errorf("image3: tag header runs past buffer at %#x", pos)
		}
		t := Tag{
			Type:        bo.Uint32(buf[pos:]),
			TotalLength: bo.Uint32(buf[pos+4:]),
			DataLength:  bo.Uint32(buf[pos+8:]),
		}
		if t.TotalLength < tagHeaderSize {
			return nil, fmt.Errorf("image3: tag at %#x has impossible total_length %d", pos, t.TotalLength)
		}
		dataStart := pos + tagHeaderSize
		if int(dataStart)+int(t.DataLength) > len(buf) {
			return nil, fmt.Errorf("image3: tag data runs past buffer at %#x", pos)
		}
		t.Bytes = buf[dataStart : dataStart+t.DataLength]
		c.Tags = append(c.Tags, t)
		pos += t.TotalLength
	}

	return c, nil
}

// FindTag returns the first tag of the given type, if any.
func (c *Container) FindTag(typ uint32) (Tag, bool) {
	for _, t := range c.Tags {
		if t.Type == typ {
			return t, true
		}
	}
	return Tag{}, false
}

// New creates an empty, writable container of the given ident.
func New(ident uint32) *Container {
	c := &Container{
		Header: Header{Magic: Magic, FullSize: headerSize, UnpackedSize: 0, Ident: ident},
	}
	c.Raw = make([]byte, headerSize)
	c.putHeader()
	return c
}

// ReserveTag grows the container by dataLength+12 bytes, appends a new tag
// of the given type at the end, and returns a slice the caller should fill
// with the tag's data. full_size and unpacked_size are updated to match.
func (c *Container) ReserveTag(typ uint32, dataLength uint32) []byte {
	totalLength := dataLength + tagHeaderSize
	old := len(c.Raw)
	grown := make([]byte, old+int(totalLength))
	copy(grown, c.Raw)
	c.Raw = grown

	bo := binary.LittleEndian
	bo.PutUint32(c.Raw[old:], typ)
	bo.PutUint32(c.Raw[old+4:], totalLength)
	bo.PutUint32(c.Raw[old+8:], dataLength)

	c.Header.FullSize += totalLength
	c.Header.UnpackedSize += totalLength
	c.putHeader()

	t := Tag{Type: typ, TotalLength: totalLength, DataLength: dataLength, Bytes: c.Raw[old+tagHeaderSize:]}
	c.Tags = append(c.Tags, t)
	return t.Bytes
}

func (c *Container) putHeader() {
	bo := binary.LittleEndian
	bo.PutUint32(c.Raw[0:], c.Header.Magic)
	bo.PutUint32(c.Raw[4:], c.Header.FullSize)
	bo.PutUint32(c.Raw[8:], c.Header.UnpackedSize)
	bo.PutUint32(c.Raw[12:], c.Header.SigArea)
	bo.PutUint32(c.Raw[16:], c.Header.Ident)
}
