// Package ticket parses and synthesizes 3DS tickets: the signed blobs
// carrying a common-key-wrapped title key and install permissions.
//
// Layout after the signature block (offsets relative to the body):
//
//	Offset  Size   Description
//	0x00    0x40   Issuer
//	0x40    0x3C   ECC public key
//	0x7C    1      Version
//	0x7D    1      CA CRL version
//	0x7E    1      Signer CRL version
//	0x7F    0x10   Title key (encrypted under a common key)
//	0x8F    1      Reserved
//	0x90    8      Ticket ID (big-endian)
//	0x98    4      Console ID (big-endian)
//	0x9C    8      Title ID (big-endian)
//	0xA4    2      Reserved
//	0xA6    2      Ticket title version (big-endian)
//	0xA8    8      Reserved
//	0xB0    1      License type
//	0xB1    1      Common key index
//	0xB2    0x2A   Reserved
//	0xDC    4      eShop account ID
//	0xE0    1      Reserved
//	0xE1    1      Audit
//	0xE2    0x42   Reserved
//	0x124   0x40   Limits
//	0x164   ...    Content index block (variable size)
package ticket

import (
	"encoding/binary"
	"fmt"

	"github.com/devyukine/rom-converto/internal/util"
	"github.com/devyukine/rom-converto/lib/ctr/codec"
	"github.com/devyukine/rom-converto/lib/ctr/sig"
)

// Issuer written into synthesized tickets, matching the official
// tooling's certificate chain.
const Issuer = "Root-CA00000003-XS0000000c"

const (
	issuerLen = 0x40
	eccKeyLen = 0x3C

	// contentIndexHeader prefixes the content index block of a minimal
	// ticket: a 0xAC-byte block whose 0x84-byte data area carries one
	// bit per content index.
	contentIndexDataLen = 0x80
	builtTicketSize     = 0x350
)

var contentIndexHeader = []byte{
	0x00, 0x01, 0x00, 0x14, 0x00, 0x00, 0x00, 0xAC,
	0x00, 0x00, 0x00, 0x14, 0x00, 0x01, 0x00, 0x14,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x28,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x84,
	0x00, 0x00, 0x00, 0x84, 0x00, 0x03, 0x00, 0x00,
}

// Ticket is a parsed ticket. Raw holds exactly the ticket bytes; Certs
// holds the certificate chain Nintendo appends to cetk downloads, when
// present. Signatures are opaque and never verified.
type Ticket struct {
	Raw   []byte
	Certs []byte

	SignatureType  sig.Type
	Issuer         string
	Version        uint8
	TitleKeyEnc    [16]byte
	TicketID       uint64
	TitleID        uint64
	TitleVersion   uint16
	CommonKeyIndex uint8
}

// Parse decodes a ticket blob.
func Parse(data []byte) (*Ticket, error) {
	r := codec.NewReader("ticket", data)

	sigType := sig.Type(r.U32("signature type", binary.BigEndian))
	if err := r.Err(); err != nil {
		return nil, err
	}
	sigSize, err := sigType.BlockSize()
	if err != nil {
		return nil, fmt.Errorf("ticket: %w", err)
	}
	r.Skip("signature", sigSize)

	t := &Ticket{SignatureType: sigType}
	t.Issuer = util.ExtractASCII(r.Bytes("issuer", issuerLen))
	r.Skip("ecc public key", eccKeyLen)
	t.Version = r.U8("version")
	r.Skip("ca crl version", 1)
	r.Skip("signer crl version", 1)
	copy(t.TitleKeyEnc[:], r.Bytes("title key", 16))
	r.Skip("reserved", 1)
	t.TicketID = r.U64("ticket id", binary.BigEndian)
	r.Skip("console id", 4)
	t.TitleID = r.U64("title id", binary.BigEndian)
	r.Skip("reserved", 2)
	t.TitleVersion = r.U16("ticket title version", binary.BigEndian)
	r.Skip("reserved", 8)
	r.Skip("license type", 1)
	t.CommonKeyIndex = r.U8("common key index")
	r.Skip("reserved", 0x2A)
	r.Skip("eshop account id", 4)
	r.Skip("reserved", 1)
	r.Skip("audit", 1)
	r.Skip("reserved", 0x42)
	r.Skip("limits", 0x40)

	// The content index block declares its own total size in its
	// second word; everything after it is the appended cert chain.
	blockStart := r.Offset()
	r.Skip("content index tag", 4)
	blockSize := r.U32("content index size", binary.BigEndian)
	if err := r.Err(); err != nil {
		return nil, err
	}
	if blockSize < 8 || blockStart+int(blockSize) > len(data) {
		return nil, fmt.Errorf("ticket: content index block size 0x%X exceeds ticket of %d bytes", blockSize, len(data))
	}
	end := blockStart + int(blockSize)

	t.Raw = data[:end]
	t.Certs = data[end:]
	return t, nil
}

// BuildParams describes the ticket to synthesize when a CDN set has no
// cetk.
type BuildParams struct {
	TitleID        uint64
	TitleKeyEnc    [16]byte
	CommonKeyIndex uint8
	TitleVersion   uint16
	// ContentIndices receive a rights bit each; the mask covers every
	// content index declared by the TMD.
	ContentIndices []uint16
}

// Build synthesizes a minimal ticket in the shape emitted by the
// official tooling: RSA-2048-SHA256 signature type with an all-zero
// signature, zeroed ECC key, version 1. Consumers do not verify the
// signature.
func Build(p BuildParams) []byte {
	w := codec.NewWriter()
	w.U32(uint32(sig.RSA2048SHA256), binary.BigEndian)
	w.Zero(0x100) // signature
	w.Zero(0x3C)  // alignment

	issuer := make([]byte, issuerLen)
	copy(issuer, Issuer)
	w.Raw(issuer)
	w.Zero(eccKeyLen)
	w.U8(1) // version
	w.U8(0) // ca crl version
	w.U8(0) // signer crl version
	w.Raw(p.TitleKeyEnc[:])
	w.U8(0)                    // reserved
	w.U64(0, binary.BigEndian) // ticket id
	w.U32(0, binary.BigEndian) // console id
	w.U64(p.TitleID, binary.BigEndian)
	w.Zero(2)
	w.U16(p.TitleVersion, binary.BigEndian)
	w.Zero(8)
	w.U8(0) // license type
	w.U8(p.CommonKeyIndex)
	w.Zero(0x2A)
	w.U32(0, binary.BigEndian) // eshop account id
	w.U8(0)
	w.U8(0) // audit
	w.Zero(0x42)
	w.Zero(0x40) // limits

	w.Raw(contentIndexHeader)
	mask := make([]byte, contentIndexDataLen)
	for _, idx := range p.ContentIndices {
		if int(idx/8) < len(mask) {
			mask[idx/8] |= 0x80 >> (idx % 8)
		}
	}
	w.Raw(mask)
	w.PadTo(builtTicketSize)
	return w.Bytes()
}

