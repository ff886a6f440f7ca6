// Package devicetree builds the flattened device tree blob the kernel
// expects at boot: a header-prefixed, depth-first serialization of a
// Node/Property tree. Two front ends (jsondt and plist, in sibling
// packages) build the same Node tree from different textual formats;
// this package only knows how to hold and flatten it.
package devicetree

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// FlattenMagic prefixes every flattened device tree blob.
const FlattenMagic uint32 = 0xBABE5A55

// Property is a single name/value pair attached to a Node. Value is the
// raw bytes as they will appear in the flattened blob -- callers building
// a tree decide the encoding (NUL-terminated string, little-endian
// uint32, or an array of either) before calling AddProperty.
type Property struct {
	Name  string
	Value []byte
}

// Node is one device tree node: a set of properties and an ordered list
// of children. The root of a tree has no name of its own.
type Node struct {
	Properties []Property
	Children   []*Node
}

// NewTree returns an empty root node.
func NewTree() *Node {
	return &Node{}
}

// AddChild appends and returns a new child node.
func (n *Node) AddChild() *Node {
	c := &Node{}
	n.Children = append(n.Children, c)
	return c
}

// AddProperty appends a property to n.
func (n *Node) AddProperty(name string, value []byte) {
	n.Properties = append(n.Properties, Property{Name: name, Value: value})
}

// FindProperty returns the first property with the given name.
func (n *Node) FindProperty(name string) (Property, bool) {
	for _, p := range n.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// nodeHeader and propHeader mirror the fixed-size records the flattened
// format uses ahead of each node's/property's variable-length payload.
type nodeHeader struct {
	NProperties uint32
	NChildren   uint32
}

type propHeader struct {
	Name   [32]byte
	Length uint32 // high bit reserved (unused: no placeholder values in this loader)
}

const propNameSize = 32

// Flatten serializes the tree depth-first into the wire format the
// kernel's device tree client expects: a magic-prefixed stream of
// {nodeHeader, properties..., children...} records, with every record
// padded to a 4-byte boundary.
func Flatten(root *Node) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, FlattenMagic); err != nil {
		return nil, err
	}
	if err := flattenNode(buf, root); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func flattenNode(buf *bytes.Buffer, n *Node) error {
	bo := binary.LittleEndian
	if err := binary.Write(buf, bo, &nodeHeader{
		NProperties: uint32(len(n.Properties)),
		NChildren:   uint32(len(n.Children)),
	}); err != nil {
		return err
	}
	for _, p := range n.Properties {
		if len(p.Name) >= propNameSize {
			return fmt.Errorf("devicetree: property name %q too long", p.Name)
		}
		var ph propHeader
		copy(ph.Name[:], p.Name)
		ph.Length = uint32(len(p.Value))
		if err := binary.Write(buf, bo, &ph); err != nil {
			return err
		}
		buf.Write(p.Value)
		writePad(buf, len(p.Value))
	}
	for _, c := range n.Children {
		if err := flattenNode(buf, c); err != nil {
			return err
		}
	}
	return nil
}

func writePad(buf *bytes.Buffer, n int) {
	if pad := (4 - n%4) % 4; pad != 0 {
		buf.Write(make([]byte, pad))
	}
}

func padded(n int) int {
	return n + (4-n%4)%4
}

// Unflatten is the reference unflattener §8's round-trip law checks
// Flatten against: it is not consumed by the loader itself (the kernel
// owns the real client for this format), only by tests that want to
// verify flatten/unflatten fidelity without a live kernel.
func Unflatten(data []byte) (*Node, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("devicetree: blob too short to hold the magic")
	}
	bo := binary.LittleEndian
	if bo.Uint32(data) != FlattenMagic {
		return nil, fmt.Errorf("devicetree: bad magic %#08x", bo.Uint32(data))
	}
	root, _, err := unflattenNode(data[4:])
	return root, err
}

func unflattenNode(data []byte) (*Node, int, error) {
	bo := binary.LittleEndian
	const nodeHeaderSize = 8
	if len(data) < nodeHeaderSize {
		return nil, 0, fmt.Errorf("devicetree: truncated node header")
	}
	nprops := bo.Uint32(data[0:])
	nchildren := bo.Uint32(data[4:])
	pos := nodeHeaderSize

	n := &Node{}
	const propHeaderSize = propNameSize + 4
	for i := uint32(0); i < nprops; i++ {
		if len(data)-pos < propHeaderSize {
			return nil, 0, fmt.Errorf("devicetree: truncated property header")
		}
		name := cstring(data[pos : pos+propNameSize])
		length := int(bo.Uint32(data[pos+propNameSize:]))
		pos += propHeaderSize
		if len(data)-pos < length {
			return nil, 0, fmt.Errorf("devicetree: truncated property data for %q", name)
		}
		value := append([]byte(nil), data[pos:pos+length]...)
		n.AddProperty(name, value)
		pos += padded(length)
	}

	for i := uint32(0); i < nchildren; i++ {
		child, used, err := unflattenNode(data[pos:])
		if err != nil {
			return nil, 0, err
		}
		n.Children = append(n.Children, child)
		pos += used
	}

	return n, pos, nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
