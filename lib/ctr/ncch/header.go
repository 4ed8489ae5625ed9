// Package ncch decrypts NCCH partitions: the 3DS's generic
// executable/filesystem container, found inside CIA contents.
//
// NCCH header layout (0x200 bytes):
//
//	Offset  Size  Description
//	0x000   256   RSA-2048 SHA-256 signature (first 16 bytes double as KeyY)
//	0x100   4     Magic "NCCH"
//	0x104   4     Content size in media units (1 unit = 0x200 bytes)
//	0x108   8     Partition ID
//	0x110   2     Maker code
//	0x112   2     Version
//	0x114   4     Seed hash verifier
//	0x118   8     Program ID
//	0x150   16    Product code
//	0x180   4     Extended header size
//	0x188   8     Flags
//	0x190   8     Plain region offset/size (media units)
//	0x198   8     Logo region offset/size
//	0x1A0   8     ExeFS offset/size
//	0x1B0   8     RomFS offset/size
//
// Flags (8 bytes at 0x188):
//
//	Index  Description
//	3      Crypto method (0x00 original, 0x01 7.x, 0x0A Secure3, 0x0B Secure4)
//	4      Content platform
//	5      Content type
//	6      Content unit size (log2)
//	7      Bit flags: 0x01 fixed crypto key, 0x04 no crypto, 0x20 seed crypto
//
// https://www.3dbrew.org/wiki/NCCH
package ncch

import (
	"encoding/binary"

	"github.com/devyukine/rom-converto/lib/ctr/codec"
	"github.com/devyukine/rom-converto/lib/ctr/crypto"
	"github.com/devyukine/rom-converto/lib/ctr/keys"
)

const (
	// HeaderSize is the NCCH header size.
	HeaderSize = 0x200
	// MediaUnit is the NCCH size granularity.
	MediaUnit = 0x200
	// ExHeaderRegionSize is the on-disk extended header region: the
	// declared 0x400 header plus the 0x400 access descriptor.
	ExHeaderRegionSize = 0x800

	magicOffset  = 0x100
	flagsOffset  = 0x188
	methodOffset = flagsOffset + 3
	bitsOffset   = flagsOffset + 7
)

// Magic is the NCCH header magic.
var Magic = []byte("NCCH")

// Flag bits in flags[7].
const (
	FlagFixedCryptoKey = 0x01
	FlagNoCrypto       = 0x04
	FlagSeedCrypto     = 0x20
)

// Region tags seeding the per-region AES-CTR counters.
const (
	RegionExHeader = 0x01
	RegionExeFS    = 0x02
	RegionRomFS    = 0x03
)

// Header is a decoded NCCH header.
type Header struct {
	ContentSize  int64 // bytes
	PartitionID  uint64
	ProgramID    uint64
	ExHeaderSize uint32

	Method     keys.CryptoMethod
	FixedKey   bool
	NoCrypto   bool
	SeedCrypto bool

	PlainOffset int64
	PlainSize   int64
	LogoOffset  int64
	LogoSize    int64
	ExeFSOffset int64
	ExeFSSize   int64
	RomFSOffset int64
	RomFSSize   int64

	keyY crypto.Key
}

// KeyY returns the KeyY carried in the header's signature area.
func (h *Header) KeyY() crypto.Key { return h.keyY }

// IsNCCH reports whether a content begins with the NCCH magic. Contents
// that do not (DLC archives, manuals with bare CFA wrappers stripped)
// pass through the decryptor verbatim.
func IsNCCH(header []byte) bool {
	return len(header) >= magicOffset+4 &&
		string(header[magicOffset:magicOffset+4]) == string(Magic)
}

// ParseHeader decodes the 0x200-byte NCCH header.
func ParseHeader(data []byte) (*Header, error) {
	r := codec.NewReader("ncch header", data)

	h := &Header{}
	copy(h.keyY[:], data[:16])

	r.Seek("magic", magicOffset)
	r.Magic("magic", Magic)
	h.ContentSize = int64(r.U32("content size", binary.LittleEndian)) * MediaUnit
	h.PartitionID = r.U64("partition id", binary.LittleEndian)
	r.Skip("maker code", 2)
	r.Skip("version", 2)
	r.Skip("seed hash verifier", 4)
	h.ProgramID = r.U64("program id", binary.LittleEndian)

	r.Seek("exheader size", 0x180)
	h.ExHeaderSize = r.U32("exheader size", binary.LittleEndian)
	r.Skip("reserved", 4)

	flags := r.Bytes("flags", 8)
	if err := r.Err(); err != nil {
		return nil, err
	}
	h.Method = keys.CryptoMethod(flags[3])
	h.FixedKey = flags[7]&FlagFixedCryptoKey != 0
	h.NoCrypto = flags[7]&FlagNoCrypto != 0
	h.SeedCrypto = flags[7]&FlagSeedCrypto != 0

	h.PlainOffset = int64(r.U32("plain offset", binary.LittleEndian)) * MediaUnit
	h.PlainSize = int64(r.U32("plain size", binary.LittleEndian)) * MediaUnit
	h.LogoOffset = int64(r.U32("logo offset", binary.LittleEndian)) * MediaUnit
	h.LogoSize = int64(r.U32("logo size", binary.LittleEndian)) * MediaUnit
	h.ExeFSOffset = int64(r.U32("exefs offset", binary.LittleEndian)) * MediaUnit
	h.ExeFSSize = int64(r.U32("exefs size", binary.LittleEndian)) * MediaUnit
	r.Skip("exefs hash region size", 4)
	r.Skip("reserved", 4)
	h.RomFSOffset = int64(r.U32("romfs offset", binary.LittleEndian)) * MediaUnit
	h.RomFSSize = int64(r.U32("romfs size", binary.LittleEndian)) * MediaUnit
	if err := r.Err(); err != nil {
		return nil, err
	}
	return h, nil
}

// MarkDecrypted rewrites the flags of a raw NCCH header in place for
// emulator ingestion: the key-generator method is zeroed, seed crypto
// is cleared, and the fixed-key and no-crypto bits are set. Every other
// header byte is left intact.
func MarkDecrypted(raw []byte) {
	raw[methodOffset] = 0
	raw[bitsOffset] = raw[bitsOffset]&^FlagSeedCrypto | FlagFixedCryptoKey | FlagNoCrypto
}

// RegionCounter builds the AES-CTR base counter for a region: the
// partition ID as big-endian bytes, the region tag, then zeros.
// Offsets within the region advance the counter from this base.
func RegionCounter(partitionID uint64, tag byte) crypto.Key {
	var c crypto.Key
	binary.BigEndian.PutUint64(c[:8], partitionID)
	c[8] = tag
	return c
}
