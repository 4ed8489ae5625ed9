package cia

import (
	"fmt"
	"io"
	"sort"

	"github.com/devyukine/rom-converto/lib/ctr/tmd"
)

// Reader exposes random access into a CIA's sections. The underlying
// source must support positioned reads.
type Reader struct {
	src     io.ReaderAt
	size    int64
	header  *Header
	offsets Offsets
}

// NewReader parses the header and validates the section arithmetic
// against the file length.
func NewReader(src io.ReaderAt, size int64) (*Reader, error) {
	if size < HeaderSize {
		return nil, fmt.Errorf("cia: file too small for header: %d bytes", size)
	}
	buf := make([]byte, HeaderSize)
	if _, err := src.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("cia: read header: %w", err)
	}
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}

	offsets := h.SectionOffsets()
	if size < offsets.End {
		return nil, fmt.Errorf("cia: truncated: sections need %d bytes, file has %d", offsets.End, size)
	}

	return &Reader{src: src, size: size, header: h, offsets: offsets}, nil
}

// Header returns the parsed header.
func (r *Reader) Header() *Header { return r.header }

// Offsets returns the computed section offsets.
func (r *Reader) Offsets() Offsets { return r.offsets }

func (r *Reader) section(name string, off int64, size int64) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(r.src, off, size), buf); err != nil {
		return nil, fmt.Errorf("cia: read %s section: %w", name, err)
	}
	return buf, nil
}

// CertChain returns the certificate chain bytes.
func (r *Reader) CertChain() ([]byte, error) {
	return r.section("cert chain", r.offsets.Cert, int64(r.header.CertSize))
}

// Ticket returns the ticket bytes.
func (r *Reader) Ticket() ([]byte, error) {
	return r.section("ticket", r.offsets.Ticket, int64(r.header.TicketSize))
}

// TMDBytes returns the raw TMD bytes.
func (r *Reader) TMDBytes() ([]byte, error) {
	return r.section("tmd", r.offsets.TMD, int64(r.header.TMDSize))
}

// TMD parses the TMD section.
func (r *Reader) TMD() (*tmd.TMD, error) {
	data, err := r.TMDBytes()
	if err != nil {
		return nil, err
	}
	return tmd.Parse(data)
}

// Meta returns the meta section, or nil when the CIA has none.
func (r *Reader) Meta() ([]byte, error) {
	if r.header.MetaSize == 0 {
		return nil, nil
	}
	return r.section("meta", r.offsets.Meta, int64(r.header.MetaSize))
}

// Content describes one content block located inside the CIA.
type Content struct {
	Chunk  tmd.Chunk
	Offset int64
}

// Contents locates every TMD chunk inside the content section, in
// ascending content-index order, and validates the total length
// against the header.
func (r *Reader) Contents(t *tmd.TMD) ([]Content, error) {
	chunks := make([]tmd.Chunk, len(t.Chunks))
	copy(chunks, t.Chunks)
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })

	out := make([]Content, 0, len(chunks))
	off := r.offsets.Content
	var total int64
	for _, c := range chunks {
		if !r.header.HasContent(c.Index) {
			return nil, fmt.Errorf("cia: content index %d in TMD but not in header bitmap", c.Index)
		}
		out = append(out, Content{Chunk: c, Offset: off})
		off += c.Size
		total += c.Size
	}
	if total != r.header.ContentSize {
		return nil, fmt.Errorf("cia: TMD contents total %d bytes, header declares %d", total, r.header.ContentSize)
	}
	return out, nil
}

// ContentReader returns a positioned reader over one content block.
func (r *Reader) ContentReader(c Content) *io.SectionReader {
	return io.NewSectionReader(r.src, c.Offset, c.Chunk.Size)
}
