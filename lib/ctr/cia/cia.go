// Package cia reads and writes CTR Importable Archives: the file-based
// title container the 3DS installs from.
//
// A CIA is six sections, each starting on a 64-byte boundary:
//
//	Header, certificate chain, ticket, TMD, content, meta (optional)
//
// Header layout (0x2020 bytes):
//
//	Offset  Size    Description
//	0x00    4       Header size (0x2020, little-endian)
//	0x04    2       Type
//	0x06    2       Version
//	0x08    4       Certificate chain size
//	0x0C    4       Ticket size
//	0x10    4       TMD size
//	0x14    4       Meta size (0 or 0x3AC0)
//	0x18    8       Content size
//	0x20    0x2000  Content index bitmap, one bit per possible index,
//	                most significant bit first
//
// Declared sizes are exact; the canonical section offsets are the
// cumulative sizes rounded up to 64.
// https://www.3dbrew.org/wiki/CIA
package cia

import (
	"encoding/binary"
	"fmt"

	"github.com/devyukine/rom-converto/lib/ctr/codec"
)

const (
	// HeaderSize is the fixed CIA header size.
	HeaderSize = 0x2020
	// MetaSize is the size of the meta section when present.
	MetaSize = 0x3AC0
	// SectionAlign is the alignment of every section start.
	SectionAlign = 64

	bitmapSize = 0x2000
	// MaxContentIndex is the highest representable content index.
	MaxContentIndex = bitmapSize*8 - 1
)

// Header is a decoded CIA header.
type Header struct {
	Type        uint16
	Version     uint16
	CertSize    uint32
	TicketSize  uint32
	TMDSize     uint32
	MetaSize    uint32
	ContentSize int64

	bitmap [bitmapSize]byte
}

// HasContent reports whether the bitmap declares the given content
// index present.
func (h *Header) HasContent(index uint16) bool {
	return h.bitmap[index/8]&(0x80>>(index%8)) != 0
}

// SetContent marks a content index present in the bitmap.
func (h *Header) SetContent(index uint16) {
	h.bitmap[index/8] |= 0x80 >> (index % 8)
}

// ContentIndices lists the indices declared present, ascending.
func (h *Header) ContentIndices() []uint16 {
	var out []uint16
	for i := 0; i <= MaxContentIndex; i++ {
		if h.HasContent(uint16(i)) {
			out = append(out, uint16(i))
		}
	}
	return out
}

// ParseHeader decodes a CIA header.
func ParseHeader(data []byte) (*Header, error) {
	r := codec.NewReader("cia header", data)
	size := r.U32("header size", binary.LittleEndian)
	if err := r.Err(); err != nil {
		return nil, err
	}
	if size != HeaderSize {
		return nil, fmt.Errorf("cia header: declared size 0x%X, want 0x%X", size, HeaderSize)
	}

	h := &Header{}
	h.Type = r.U16("type", binary.LittleEndian)
	h.Version = r.U16("version", binary.LittleEndian)
	h.CertSize = r.U32("cert chain size", binary.LittleEndian)
	h.TicketSize = r.U32("ticket size", binary.LittleEndian)
	h.TMDSize = r.U32("tmd size", binary.LittleEndian)
	h.MetaSize = r.U32("meta size", binary.LittleEndian)
	contentSize := r.U64("content size", binary.LittleEndian)
	bitmap := r.Bytes("content index bitmap", bitmapSize)
	if err := r.Err(); err != nil {
		return nil, err
	}
	if h.MetaSize != 0 && h.MetaSize != MetaSize {
		return nil, fmt.Errorf("cia header: meta size 0x%X, want 0 or 0x%X", h.MetaSize, MetaSize)
	}
	if contentSize > 1<<62 {
		return nil, fmt.Errorf("cia header: content size 0x%X overflows", contentSize)
	}
	h.ContentSize = int64(contentSize)
	copy(h.bitmap[:], bitmap)
	return h, nil
}

// Offsets are the computed section start offsets.
type Offsets struct {
	Cert    int64
	Ticket  int64
	TMD     int64
	Content int64
	Meta    int64 // meaningful only when MetaSize > 0
	End     int64 // total file size including final meta/content
}

// SectionOffsets computes the canonical section offsets for a header.
func (h *Header) SectionOffsets() Offsets {
	var o Offsets
	o.Cert = codec.Align(HeaderSize, SectionAlign)
	o.Ticket = codec.Align(o.Cert+int64(h.CertSize), SectionAlign)
	o.TMD = codec.Align(o.Ticket+int64(h.TicketSize), SectionAlign)
	o.Content = codec.Align(o.TMD+int64(h.TMDSize), SectionAlign)
	o.End = o.Content + h.ContentSize
	if h.MetaSize > 0 {
		o.Meta = codec.Align(o.End, SectionAlign)
		o.End = o.Meta + int64(h.MetaSize)
	}
	return o
}

func (h *Header) encode() []byte {
	w := codec.NewWriter()
	w.U32(HeaderSize, binary.LittleEndian)
	w.U16(h.Type, binary.LittleEndian)
	w.U16(h.Version, binary.LittleEndian)
	w.U32(h.CertSize, binary.LittleEndian)
	w.U32(h.TicketSize, binary.LittleEndian)
	w.U32(h.TMDSize, binary.LittleEndian)
	w.U32(h.MetaSize, binary.LittleEndian)
	w.U64(uint64(h.ContentSize), binary.LittleEndian)
	w.Raw(h.bitmap[:])
	return w.Bytes()
}
