package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Property describes a single device-tree property.
//
// Nodes built in code populate exactly one typed field. Nodes returned by
// Parse carry the raw big-endian payload in Bytes (or Flag for empty
// properties); the accessors below decode either form.
type Property struct {
	Strings []string `json:"strings,omitempty"`
	U32     []uint32 `json:"u32,omitempty"`
	U64     []uint64 `json:"u64,omitempty"`
	Bytes   []byte   `json:"bytes,omitempty"`
	Flag    bool     `json:"flag,omitempty"`
}

// Kind returns the name of the populated field or an empty string if none are set.
func (p Property) Kind() string {
	switch {
	case len(p.Strings) > 0:
		return "strings"
	case len(p.U32) > 0:
		return "u32"
	case len(p.U64) > 0:
		return "u64"
	case len(p.Bytes) > 0:
		return "bytes"
	case p.Flag:
		return "flag"
	default:
		return ""
	}
}

// DefinedCount reports how many distinct fields on the property are populated.
func (p Property) DefinedCount() int {
	count := 0
	for _, set := range []bool{len(p.Strings) > 0, len(p.U32) > 0, len(p.U64) > 0, len(p.Bytes) > 0, p.Flag} {
		if set {
			count++
		}
	}
	return count
}

// Encode returns the on-wire payload of the property.
func (p Property) Encode() ([]byte, error) {
	if p.DefinedCount() > 1 {
		return nil, fmt.Errorf("fdt: property has multiple value kinds")
	}
	switch p.Kind() {
	case "strings":
		var buf bytes.Buffer
		for _, v := range p.Strings {
			buf.WriteString(v)
			buf.WriteByte(0)
		}
		return buf.Bytes(), nil
	case "u32":
		data := make([]byte, 0, len(p.U32)*4)
		for _, v := range p.U32 {
			data = binary.BigEndian.AppendUint32(data, v)
		}
		return data, nil
	case "u64":
		data := make([]byte, 0, len(p.U64)*8)
		for _, v := range p.U64 {
			data = binary.BigEndian.AppendUint64(data, v)
		}
		return data, nil
	case "bytes":
		return append([]byte(nil), p.Bytes...), nil
	case "flag":
		return nil, nil
	default:
		return nil, fmt.Errorf("fdt: property has no values")
	}
}

// Raw returns the encoded payload, or nil if the property cannot be encoded.
func (p Property) Raw() []byte {
	data, err := p.Encode()
	if err != nil {
		return nil
	}
	return data
}

// Cells decodes the property as a list of big-endian 32-bit cells.
func (p Property) Cells() ([]uint32, error) {
	if len(p.U32) > 0 {
		return p.U32, nil
	}
	data := p.Raw()
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("fdt: property length %d is not a multiple of 4", len(data))
	}
	cells := make([]uint32, len(data)/4)
	for i := range cells {
		cells[i] = binary.BigEndian.Uint32(data[i*4:])
	}
	return cells, nil
}

// StringList decodes the property as a list of NUL-terminated strings.
func (p Property) StringList() []string {
	if len(p.Strings) > 0 {
		return p.Strings
	}
	data := p.Raw()
	if len(data) == 0 {
		return nil
	}
	return strings.Split(strings.TrimSuffix(string(data), "\x00"), "\x00")
}

// Node describes a device-tree node using JSON-friendly structures.
type Node struct {
	Name       string              `json:"name"`
	Properties map[string]Property `json:"properties,omitempty"`
	Children   []Node              `json:"children,omitempty"`
}

// Cell reads a single-cell property such as #address-cells.
func (n Node) Cell(name string) (uint32, bool) {
	prop, ok := n.Properties[name]
	if !ok {
		return 0, false
	}
	cells, err := prop.Cells()
	if err != nil || len(cells) != 1 {
		return 0, false
	}
	return cells[0], true
}

// Compatible reports whether the node lists id in its compatible property.
func (n Node) Compatible(id string) bool {
	prop, ok := n.Properties["compatible"]
	if !ok {
		return false
	}
	for _, v := range prop.StringList() {
		if v == id {
			return true
		}
	}
	return false
}

// Visit walks the tree depth first. fn receives each node with its parent
// (nil for the root) and stops the walk by returning false.
func (n *Node) Visit(fn func(node, parent *Node) bool) {
	n.visit(nil, fn)
}

func (n *Node) visit(parent *Node, fn func(node, parent *Node) bool) bool {
	if !fn(n, parent) {
		return false
	}
	for i := range n.Children {
		if !n.Children[i].visit(n, fn) {
			return false
		}
	}
	return true
}

// FindCompatible returns the first node matching id along with its parent.
func (n *Node) FindCompatible(id string) (node, parent *Node, ok bool) {
	n.Visit(func(cur, p *Node) bool {
		if cur.Compatible(id) {
			node, parent, ok = cur, p, true
			return false
		}
		return true
	})
	return node, parent, ok
}

// Range is a decoded entry of a reg property.
type Range struct {
	Address uint64
	Size    uint64
}

// DecodeReg splits a reg property into address/size pairs using the
// parent's cell counts.
func DecodeReg(prop Property, addressCells, sizeCells uint32) ([]Range, error) {
	if addressCells == 0 || addressCells > 2 || sizeCells > 2 {
		return nil, fmt.Errorf("fdt: unsupported reg cell layout %d/%d", addressCells, sizeCells)
	}
	cells, err := prop.Cells()
	if err != nil {
		return nil, err
	}
	stride := int(addressCells + sizeCells)
	if len(cells) == 0 || len(cells)%stride != 0 {
		return nil, fmt.Errorf("fdt: reg has %d cells, want a multiple of %d", len(cells), stride)
	}
	out := make([]Range, 0, len(cells)/stride)
	for i := 0; i < len(cells); i += stride {
		out = append(out, Range{
			Address: joinCells(cells[i : i+int(addressCells)]),
			Size:    joinCells(cells[i+int(addressCells) : i+stride]),
		})
	}
	return out, nil
}

func joinCells(cells []uint32) uint64 {
	var v uint64
	for _, c := range cells {
		v = v<<32 | uint64(c)
	}
	return v
}
