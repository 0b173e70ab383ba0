package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Parse decodes an FDT blob into a node tree. Property payloads are
// returned raw in Property.Bytes; empty properties set Property.Flag.
func Parse(blob []byte) (Node, error) {
	if len(blob) < fdtHeaderSize {
		return Node{}, fmt.Errorf("fdt: blob too short (%d bytes)", len(blob))
	}
	hdr := func(i int) uint32 { return binary.BigEndian.Uint32(blob[i*4:]) }

	if hdr(0) != fdtMagic {
		return Node{}, fmt.Errorf("fdt: bad magic 0x%08x", hdr(0))
	}
	total := hdr(1)
	if uint64(total) > uint64(len(blob)) {
		return Node{}, fmt.Errorf("fdt: totalsize %d exceeds blob length %d", total, len(blob))
	}
	if hdr(6) > fdtVersion {
		return Node{}, fmt.Errorf("fdt: unsupported last compatible version %d", hdr(6))
	}
	offStruct, offStrings := hdr(2), hdr(3)
	sizeStrings, sizeStruct := hdr(8), hdr(9)
	if uint64(offStruct)+uint64(sizeStruct) > uint64(total) ||
		uint64(offStrings)+uint64(sizeStrings) > uint64(total) {
		return Node{}, fmt.Errorf("fdt: block outside blob")
	}

	p := &parser{
		data:    blob[offStruct : offStruct+sizeStruct],
		strings: blob[offStrings : offStrings+sizeStrings],
	}

	p.skipNops()
	tok, err := p.u32()
	if err != nil {
		return Node{}, err
	}
	if tok != fdtBeginNodeToken {
		return Node{}, fmt.Errorf("fdt: expected root node, got token 0x%x", tok)
	}
	root, err := p.node()
	if err != nil {
		return Node{}, err
	}
	p.skipNops()
	if tok, err := p.u32(); err != nil || tok != fdtEndToken {
		return Node{}, fmt.Errorf("fdt: missing end token")
	}
	return root, nil
}

type parser struct {
	data    []byte
	strings []byte
	off     int
}

func (p *parser) u32() (uint32, error) {
	if p.off+4 > len(p.data) {
		return 0, fmt.Errorf("fdt: truncated structure block at offset %d", p.off)
	}
	v := binary.BigEndian.Uint32(p.data[p.off:])
	p.off += 4
	return v, nil
}

func (p *parser) skipNops() {
	for p.off+4 <= len(p.data) && binary.BigEndian.Uint32(p.data[p.off:]) == fdtNopToken {
		p.off += 4
	}
}

func (p *parser) align() {
	p.off = (p.off + 3) &^ 3
}

func (p *parser) cstring(buf []byte, off int) (string, int, error) {
	if off < 0 || off >= len(buf) {
		return "", 0, fmt.Errorf("fdt: string offset %d out of range", off)
	}
	end := bytes.IndexByte(buf[off:], 0)
	if end < 0 {
		return "", 0, fmt.Errorf("fdt: unterminated string at offset %d", off)
	}
	return string(buf[off : off+end]), off + end + 1, nil
}

// node parses the body of a node whose BEGIN_NODE token was consumed.
func (p *parser) node() (Node, error) {
	name, next, err := p.cstring(p.data, p.off)
	if err != nil {
		return Node{}, err
	}
	p.off = next
	p.align()

	n := Node{Name: name}
	for {
		tok, err := p.u32()
		if err != nil {
			return Node{}, err
		}
		switch tok {
		case fdtNopToken:
		case fdtPropToken:
			length, err := p.u32()
			if err != nil {
				return Node{}, err
			}
			nameOff, err := p.u32()
			if err != nil {
				return Node{}, err
			}
			if p.off+int(length) > len(p.data) {
				return Node{}, fmt.Errorf("fdt: property in %q overruns structure block", name)
			}
			propName, _, err := p.cstring(p.strings, int(nameOff))
			if err != nil {
				return Node{}, err
			}
			var prop Property
			if length == 0 {
				prop.Flag = true
			} else {
				prop.Bytes = append([]byte(nil), p.data[p.off:p.off+int(length)]...)
			}
			if n.Properties == nil {
				n.Properties = make(map[string]Property)
			}
			n.Properties[propName] = prop
			p.off += int(length)
			p.align()
		case fdtBeginNodeToken:
			child, err := p.node()
			if err != nil {
				return Node{}, err
			}
			n.Children = append(n.Children, child)
		case fdtEndNodeToken:
			return n, nil
		default:
			return Node{}, fmt.Errorf("fdt: unexpected token 0x%x in node %q", tok, name)
		}
	}
}
