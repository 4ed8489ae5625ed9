package ctrtest

import (
	"crypto/sha256"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/devyukine/rom-converto/lib/ctr/crypto"
	"github.com/devyukine/rom-converto/lib/ctr/keys"
)

// NCCHParams describe a synthetic NCCH image.
type NCCHParams struct {
	PartitionID uint64
	ProgramID   uint64
	Method      keys.CryptoMethod
	Seed        *[16]byte // non-nil sets the seed-crypto flag
	KeyY        crypto.Key
}

// Fixed fixture geometry, in media units.
const (
	ncchUnits     = 9
	exefsUnit     = 5
	romfsUnit     = 7
	ncchUnitSize  = 0x200
	exefsUnits    = 2
	romfsUnits    = 2
	exefsBodyBase = 0x200
)

// NCCHFixture is a synthetic NCCH in both plaintext and encrypted form.
type NCCHFixture struct {
	// Plain is the image with all regions in plaintext and the
	// original crypto flags still set.
	Plain []byte
	// Encrypted is the image as a CDN content would carry it (before
	// the outer CBC layer).
	Encrypted []byte
	// Code, Icon, Banner, RomFS are the plaintext region payloads.
	Code, Icon, Banner, RomFS []byte
}

// BuildNCCH assembles a small NCCH with an ExHeader, an ExeFS holding
// .code, icon, and banner, and a RomFS beginning with the IVFC magic.
// Regions are encrypted with keys derived through the provider, so the
// provider must carry the ctrtest key tables (SetTestKeys).
func BuildNCCH(t *testing.T, provider *keys.Provider, p NCCHParams) *NCCHFixture {
	t.Helper()

	f := &NCCHFixture{
		Code:   Repeat("\x7fARM-code!", 0x30),
		Icon:   Repeat("icon-data", 0x20),
		Banner: Repeat("banner!", 0x20),
	}
	f.RomFS = append([]byte("IVFC"), Repeat("romfs-tree", romfsUnits*ncchUnitSize-4)...)

	plain := make([]byte, ncchUnits*ncchUnitSize)
	copy(plain[:16], p.KeyY[:])
	copy(plain[0x100:], "NCCH")
	binary.LittleEndian.PutUint32(plain[0x104:], ncchUnits)
	binary.LittleEndian.PutUint64(plain[0x108:], p.PartitionID)
	binary.LittleEndian.PutUint64(plain[0x118:], p.ProgramID)
	binary.LittleEndian.PutUint32(plain[0x180:], 0x400) // declared exheader size
	plain[0x188+3] = byte(p.Method)
	if p.Seed != nil {
		plain[0x188+7] |= 0x20
	}
	binary.LittleEndian.PutUint32(plain[0x1A0:], exefsUnit)
	binary.LittleEndian.PutUint32(plain[0x1A4:], exefsUnits)
	binary.LittleEndian.PutUint32(plain[0x1B0:], romfsUnit)
	binary.LittleEndian.PutUint32(plain[0x1B4:], romfsUnits)

	// ExHeader: recognizable pattern with the program ID up front.
	exheader := Repeat("exheader", 0x800)
	binary.LittleEndian.PutUint64(exheader, p.ProgramID)
	copy(plain[0x200:], exheader)

	// ExeFS header: file records plus hashes in reverse record order.
	exefsOff := exefsUnit * ncchUnitSize
	writeExeFSRecord(plain[exefsOff:], 0, ".code", 0, len(f.Code))
	writeExeFSRecord(plain[exefsOff:], 1, "icon", 0x40, len(f.Icon))
	writeExeFSRecord(plain[exefsOff:], 2, "banner", 0x80, len(f.Banner))
	for i, data := range [][]byte{f.Code, f.Icon, f.Banner} {
		sum := sha256.Sum256(data)
		copy(plain[exefsOff+0xC0+(9-i)*0x20:], sum[:])
	}
	body := exefsOff + exefsBodyBase
	copy(plain[body:], f.Code)
	copy(plain[body+0x40:], f.Icon)
	copy(plain[body+0x80:], f.Banner)

	copy(plain[romfsUnit*ncchUnitSize:], f.RomFS)
	f.Plain = plain

	// Encrypt the regions the way the CDN stores them.
	if p.Seed != nil {
		seeds := map[uint64][16]byte{p.ProgramID: *p.Seed}
		path := filepath.Join(t.TempDir(), "seeddb.bin")
		writeFileOrFatal(t, path, BuildSeedDB(seeds))
		provider.SetSeedDBPath(path)
	}
	primary, err := provider.NCCHPrimaryKey(p.KeyY)
	if err != nil {
		t.Fatalf("NCCHPrimaryKey() error = %v", err)
	}
	secondary, err := provider.NCCHSecondaryKey(p.Method, p.KeyY, p.Seed != nil, p.ProgramID)
	if err != nil {
		t.Fatalf("NCCHSecondaryKey() error = %v", err)
	}

	enc := make([]byte, len(plain))
	copy(enc, plain)
	xorRegion(t, enc[0x200:0xA00], primary, p.PartitionID, 0x01, 0)
	xorRegion(t, enc[exefsOff:exefsOff+ncchUnitSize], primary, p.PartitionID, 0x02, 0)
	xorRegion(t, enc[body:body+len(f.Code)], secondary, p.PartitionID, 0x02, int64(exefsBodyBase))
	xorRegion(t, enc[body+0x40:body+0x40+len(f.Icon)], primary, p.PartitionID, 0x02, int64(exefsBodyBase+0x40))
	xorRegion(t, enc[body+0x80:body+0x80+len(f.Banner)], primary, p.PartitionID, 0x02, int64(exefsBodyBase+0x80))
	xorRegion(t, enc[romfsUnit*ncchUnitSize:], secondary, p.PartitionID, 0x03, 0)
	f.Encrypted = enc
	return f
}

// DecryptedImage returns the expected transformer output: the plain
// image with the crypto flags rewritten for emulators.
func (f *NCCHFixture) DecryptedImage() []byte {
	out := make([]byte, len(f.Plain))
	copy(out, f.Plain)
	out[0x188+3] = 0
	out[0x188+7] = out[0x188+7]&^0x20 | 0x01 | 0x04
	return out
}

func writeExeFSRecord(exefs []byte, slot int, name string, offset, size int) {
	rec := exefs[slot*16:]
	copy(rec[:8], name)
	binary.LittleEndian.PutUint32(rec[8:], uint32(offset))
	binary.LittleEndian.PutUint32(rec[12:], uint32(size))
}

// EncryptCBC applies the CDN outer layer to a content blob.
func EncryptCBC(t *testing.T, key, iv [16]byte, data []byte) []byte {
	t.Helper()
	enc, err := crypto.NewCBCEncrypter(key[:], iv[:])
	if err != nil {
		t.Fatalf("NewCBCEncrypter() error = %v", err)
	}
	out := make([]byte, len(data))
	if err := enc.Process(out, data); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	return out
}

func xorRegion(t *testing.T, data []byte, key crypto.Key, partitionID uint64, tag byte, offset int64) {
	t.Helper()
	var counter crypto.Key
	binary.BigEndian.PutUint64(counter[:8], partitionID)
	counter[8] = tag
	stream, err := crypto.NewCTRStream(key[:], counter)
	if err != nil {
		t.Fatalf("NewCTRStream() error = %v", err)
	}
	stream.Seek(offset)
	stream.XORKeyStream(data, data)
}
