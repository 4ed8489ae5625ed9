package cia

import (
	"fmt"
	"io"

	"github.com/devyukine/rom-converto/lib/ctr/codec"
)

// WriterParams declare everything the writer must know before the
// first byte: exact section sizes go into the header up front so the
// contents can stream through afterwards.
type WriterParams struct {
	CertChain []byte
	Ticket    []byte
	TMD       []byte
	Meta      []byte // nil for no meta section

	// ContentSize is the total size of all content blocks, known from
	// the TMD before any content bytes exist.
	ContentSize int64
	// ContentIndices are the indices that will be written, in the
	// ascending order WriteContent will be called.
	ContentIndices []uint16
}

// Writer emits a CIA to a sequential sink, inserting the 64-byte
// alignment padding between sections.
type Writer struct {
	w   io.Writer
	off int64

	declaredContent int64
	writtenContent  int64
	contentMark     int64
	meta            []byte
	finished        bool
}

// NewWriter writes the header, certificate chain, ticket, and TMD
// sections, leaving the writer positioned for the content blocks.
func NewWriter(w io.Writer, p WriterParams) (*Writer, error) {
	h := &Header{
		CertSize:    uint32(len(p.CertChain)),
		TicketSize:  uint32(len(p.Ticket)),
		TMDSize:     uint32(len(p.TMD)),
		ContentSize: p.ContentSize,
	}
	if p.Meta != nil {
		if len(p.Meta) != MetaSize {
			return nil, fmt.Errorf("cia: meta section is %d bytes, want 0x%X", len(p.Meta), MetaSize)
		}
		h.MetaSize = MetaSize
	}
	for _, idx := range p.ContentIndices {
		h.SetContent(idx)
	}

	cw := &Writer{w: w, declaredContent: p.ContentSize, meta: p.Meta}
	if err := cw.write(h.encode()); err != nil {
		return nil, err
	}
	for _, section := range [][]byte{p.CertChain, p.Ticket, p.TMD} {
		if err := cw.align(); err != nil {
			return nil, err
		}
		if err := cw.write(section); err != nil {
			return nil, err
		}
	}
	if err := cw.align(); err != nil {
		return nil, err
	}
	return cw, nil
}

// WriteContent streams one content block. Callers pass contents in
// ascending content-index order; blocks are concatenated without
// padding, matching their declared TMD sizes.
func (cw *Writer) WriteContent(r io.Reader, size int64) error {
	if _, err := io.Copy(cw.ContentWriter(), io.LimitReader(r, size)); err != nil {
		return fmt.Errorf("cia: content write: %w", err)
	}
	return cw.EndContent(size)
}

// ContentWriter exposes the content section as a plain sink for
// producers that generate bytes (the NCCH transformer). Each content's
// byte count is settled with EndContent.
func (cw *Writer) ContentWriter() io.Writer { return contentWriter{cw} }

// EndContent verifies that exactly size bytes were written since the
// previous content ended.
func (cw *Writer) EndContent(size int64) error {
	got := cw.writtenContent - cw.contentMark
	cw.contentMark = cw.writtenContent
	if got != size {
		return fmt.Errorf("cia: content is %d bytes, TMD declares %d", got, size)
	}
	return nil
}

type contentWriter struct{ cw *Writer }

func (c contentWriter) Write(p []byte) (int, error) {
	n, err := c.cw.w.Write(p)
	c.cw.off += int64(n)
	c.cw.writtenContent += int64(n)
	return n, err
}

// Finish validates the content section length and writes the meta
// section, if any.
func (cw *Writer) Finish() error {
	if cw.finished {
		return nil
	}
	if cw.writtenContent != cw.declaredContent {
		return fmt.Errorf("cia: content section is %d bytes, header declares %d", cw.writtenContent, cw.declaredContent)
	}
	if cw.meta != nil {
		if err := cw.align(); err != nil {
			return err
		}
		if err := cw.write(cw.meta); err != nil {
			return err
		}
	}
	cw.finished = true
	return nil
}

func (cw *Writer) write(b []byte) error {
	n, err := cw.w.Write(b)
	cw.off += int64(n)
	if err != nil {
		return fmt.Errorf("cia: write: %w", err)
	}
	return nil
}

func (cw *Writer) align() error {
	pad := int(codec.AlignGap(cw.off, SectionAlign))
	if pad == 0 {
		return nil
	}
	return cw.write(make([]byte, pad))
}
