// Package tmd parses Title Metadata: the signed manifest listing a
// title's contents, their sizes, and their SHA-256 hashes.
//
// Layout after the signature block (offsets relative to the header):
//
//	Offset  Size   Description
//	0x00    0x40   Issuer
//	0x40    1      Version
//	0x41    1      CA CRL version
//	0x42    1      Signer CRL version
//	0x43    1      Reserved
//	0x44    8      System version (big-endian)
//	0x4C    8      Title ID (big-endian)
//	0x54    4      Title type (big-endian)
//	0x58    2      Group ID (big-endian)
//	0x5A    4      Save data size (little-endian)
//	0x5E    4      SRL private save data size (little-endian)
//	0x62    4      Reserved
//	0x66    1      SRL flag
//	0x67    0x31   Reserved
//	0x98    4      Access rights (big-endian)
//	0x9C    2      Title version (big-endian)
//	0x9E    2      Content count (big-endian)
//	0xA0    2      Boot content (big-endian)
//	0xA2    2      Padding
//	0xA4    0x20   SHA-256 over the content info records
//	0xC4    64×0x24  Content info records
//	0x9C4   n×0x30   Content chunk records
package tmd

import (
	"encoding/binary"
	"fmt"

	"github.com/devyukine/rom-converto/internal/util"
	"github.com/devyukine/rom-converto/lib/ctr/codec"
	"github.com/devyukine/rom-converto/lib/ctr/sig"
)

const (
	issuerLen        = 0x40
	infoRecordCount  = 64
	infoRecordSize   = 0x24
	chunkRecordSize  = 0x30
	maxContentCount  = 0x2000 // same number as the CIA header bitmap's byte size
	headerFixedSize  = 0xC4
	infoRecordsTotal = infoRecordCount * infoRecordSize
)

// ContentType is the per-chunk type flags field.
type ContentType uint16

// Content type flags.
const (
	ContentEncrypted ContentType = 1 << 0
	ContentDisc      ContentType = 1 << 1
	ContentCFM       ContentType = 1 << 3
	ContentOptional  ContentType = 1 << 14
	ContentShared    ContentType = 1 << 15
)

// Chunk describes one content referenced by the TMD.
type Chunk struct {
	ID    uint32
	Index uint16
	Type  ContentType
	Size  int64
	Hash  [32]byte
}

// Encrypted reports whether the content is stored CDN-encrypted.
func (c Chunk) Encrypted() bool { return c.Type&ContentEncrypted != 0 }

// Optional reports whether the content may be absent from a CDN set.
func (c Chunk) Optional() bool { return c.Type&ContentOptional != 0 }

// FileName returns the content's CDN file name: the id as 8 lowercase
// hex digits.
func (c Chunk) FileName() string { return fmt.Sprintf("%08x", c.ID) }

// TMD is a parsed Title Metadata blob. Raw holds exactly the TMD
// bytes, which the CIA writer copies verbatim; Certs holds the
// certificate chain Nintendo appends to CDN tmd downloads, when
// present.
type TMD struct {
	Raw   []byte
	Certs []byte

	SignatureType sig.Type
	Issuer        string
	Version       uint8
	TitleID       uint64
	TitleType     uint32
	GroupID       uint16
	SaveDataSize  uint32
	AccessRights  uint32
	TitleVersion  uint16
	BootContent   uint16
	Chunks        []Chunk
}

// Parse decodes a TMD blob.
func Parse(data []byte) (*TMD, error) {
	r := codec.NewReader("tmd", data)

	sigType := sig.Type(r.U32("signature type", binary.BigEndian))
	if err := r.Err(); err != nil {
		return nil, err
	}
	sigSize, err := sigType.BlockSize()
	if err != nil {
		return nil, fmt.Errorf("tmd: %w", err)
	}
	r.Skip("signature", sigSize)

	t := &TMD{SignatureType: sigType}
	t.Issuer = util.ExtractASCII(r.Bytes("issuer", issuerLen))
	t.Version = r.U8("version")
	r.Skip("ca crl version", 1)
	r.Skip("signer crl version", 1)
	r.Skip("reserved", 1)
	r.Skip("system version", 8)
	t.TitleID = r.U64("title id", binary.BigEndian)
	t.TitleType = r.U32("title type", binary.BigEndian)
	t.GroupID = r.U16("group id", binary.BigEndian)
	t.SaveDataSize = r.U32("save data size", binary.LittleEndian)
	r.Skip("srl private save data size", 4)
	r.Skip("reserved", 4)
	r.Skip("srl flag", 1)
	r.Skip("reserved", 0x31)
	t.AccessRights = r.U32("access rights", binary.BigEndian)
	t.TitleVersion = r.U16("title version", binary.BigEndian)
	contentCount := r.U16("content count", binary.BigEndian)
	t.BootContent = r.U16("boot content", binary.BigEndian)
	r.Skip("padding", 2)
	r.Skip("content info records hash", 0x20)
	r.Skip("content info records", infoRecordsTotal)
	if err := r.Err(); err != nil {
		return nil, err
	}

	if contentCount == 0 {
		return nil, fmt.Errorf("tmd: content count is zero")
	}
	if contentCount > maxContentCount {
		return nil, fmt.Errorf("tmd: content count %d exceeds maximum %d", contentCount, maxContentCount)
	}

	t.Chunks = make([]Chunk, 0, contentCount)
	for i := uint16(0); i < contentCount; i++ {
		var c Chunk
		c.ID = r.U32("content id", binary.BigEndian)
		c.Index = r.U16("content index", binary.BigEndian)
		c.Type = ContentType(r.U16("content type", binary.BigEndian))
		size := r.U64("content size", binary.BigEndian)
		copy(c.Hash[:], r.Bytes("content hash", 0x20))
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("tmd: chunk %d: %w", i, err)
		}
		if size > 1<<62 {
			return nil, fmt.Errorf("tmd: chunk %d: content size 0x%X overflows", i, size)
		}
		c.Size = int64(size)
		t.Chunks = append(t.Chunks, c)
	}

	t.Raw = data[:r.Offset()]
	t.Certs = data[r.Offset():]
	return t, nil
}

// Chunk returns the chunk with the given content index.
func (t *TMD) Chunk(index uint16) (Chunk, bool) {
	for _, c := range t.Chunks {
		if c.Index == index {
			return c, true
		}
	}
	return Chunk{}, false
}

// ContentSize sums the declared sizes of all chunks.
func (t *TMD) ContentSize() int64 {
	var total int64
	for _, c := range t.Chunks {
		total += c.Size
	}
	return total
}

