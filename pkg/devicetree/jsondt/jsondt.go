// Package jsondt builds a device tree from the JSDT JSON dialect: plain
// JSON object/array/string/number values, plus one convention this loader
// cares about -- a key of exactly "@" whose array value is a list of
// child node objects rather than a property. The tokenizer itself is an
// external collaborator from this loader's point of view (the real
// loader's is an extended JSMN fork accepting single-quoted strings and
// block comments); this package implements only the tree-building logic
// a token stream like that would feed, built on the standard decoder
// since it already accepts the literal JSON this loader's fixtures use.
package jsondt

import (
	"encoding/json"
	"encoding/binary"
	"fmt"

	"github.com/kbrooks/xnuboot/pkg/devicetree"
)

const childrenKey = "@"

// Parse decodes raw as a JSDT document and returns the device tree it
// describes. The root object becomes the root node's properties/children.
func Parse(raw []byte) (*devicetree.Node, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("jsondt: %v", err)
	}
	root := devicetree.NewTree()
	if err := populate(doc, root); err != nil {
		return nil, err
	}
	return root, nil
}

func populate(obj map[string]interface{}, node *devicetree.Node) error {
	for key, val := range obj {
		children, isArray := val.([]interface{})
		if key == childrenKey && isArray {
			for _, c := range children {
				cobj, ok := c.(map[string]interface{})
				if !ok {
					return fmt.Errorf("jsondt: %s entry is not an object", childrenKey)
				}
				child := node.AddChild()
				if err := populate(cobj, child); err != nil {
					return err
				}
			}
			continue
		}
		data, err := valueToData(val)
		if err != nil {
			return fmt.Errorf("jsondt: property %q: %v", key, err)
		}
		node.AddProperty(key, data)
	}
	return nil
}

// valueToData converts a decoded JSON value into the raw property bytes
// the flattened device tree carries: strings are NUL-terminated, numbers
// become little-endian uint32s, and arrays are the concatenation of
// their elements encoded the same way.
func valueToData(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case string:
		return append([]byte(t), 0), nil
	case float64:
		return u32(uint32(t)), nil
	case []interface{}:
		var out []byte
		for _, e := range t {
			enc, err := valueToData(e)
			if err != nil {
				return nil, err
			}
			out = append(out, enc...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
