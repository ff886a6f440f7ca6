// Package plist builds a device tree from an Apple-style XML property
// list: a <dict> of <key>/value pairs, where values are <string>,
// <integer>, or <array>. As with jsondt, the tag parser is an external
// collaborator; this package implements only the tree-building
// convention layered on top of it -- including the '@'-prefixed key
// that marks an array of child dictionaries rather than a property.
package plist

import (
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/kbrooks/xnuboot/pkg/devicetree"
)

type plNode struct {
	XMLName xml.Name
	Attr    []xml.Attr  `xml:",any,attr"`
	Content []byte      `xml:",innerxml"`
	Nodes   []plNode    `xml:",any"`
}

// Parse decodes raw as an XML plist whose top-level element is a <dict>
// and returns the device tree it describes.
func Parse(raw []byte) (*devicetree.Node, error) {
	var dict plNode
	if err := xml.Unmarshal(raw, &dict); err != nil {
		return nil, fmt.Errorf("plist: %v", err)
	}
	if dict.XMLName.Local != "dict" {
		return nil, fmt.Errorf("plist: root element is <%s>, want <dict>", dict.XMLName.Local)
	}
	root := devicetree.NewTree()
	if err := populateDict(dict, root); err != nil {
		return nil, err
	}
	return root, nil
}

// populateDict walks a <dict>'s <key>/value pairs in order, each key
// immediately followed by its value element.
func populateDict(dict plNode, node *devicetree.Node) error {
	nodes := dict.Nodes
	for i := 0; i < len(nodes); {
		key := nodes[i]
		if key.XMLName.Local != "key" {
			return fmt.Errorf("plist: expected <key>, got <%s>", key.XMLName.Local)
		}
		if i+1 >= len(nodes) {
			return fmt.Errorf("plist: key %q has no value", string(key.Content))
		}
		val := nodes[i+1]
		i += 2

		keyName := string(key.Content)
		if strings.HasPrefix(keyName, "@") && val.XMLName.Local == "array" {
			for _, child := range val.Nodes {
				if child.XMLName.Local != "dict" {
					return fmt.Errorf("plist: %s entry is not a <dict>", keyName)
				}
				childNode := node.AddChild()
				if err := populateDict(child, childNode); err != nil {
					return err
				}
			}
			continue
		}

		data, err := valueToData(val)
		if err != nil {
			return fmt.Errorf("plist: property %q: %v", keyName, err)
		}
		node.AddProperty(keyName, data)
	}
	return nil
}

func valueToData(val plNode) ([]byte, error) {
	switch val.XMLName.Local {
	case "string":
		return append(append([]byte{}, val.Content...), 0), nil
	case "integer":
		n, err := strconv.ParseInt(strings.TrimSpace(string(val.Content)), 0, 64)
		if err != nil {
			return nil, err
		}
		return u32(uint32(n)), nil
	case "array":
		var out []byte
		for _, e := range val.Nodes {
			enc, err := valueToData(e)
			if err != nil {
				return nil, err
			}
			out = append(out, enc...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported element <%s>", val.XMLName.Local)
	}
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
