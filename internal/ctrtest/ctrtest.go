// Package ctrtest builds synthetic 3DS artifacts for tests: TMDs,
// tickets, SeedDB files, and NCCH images with known keys. Nothing here
// contains Nintendo data; every key and seed is a test constant.
package ctrtest

import (
	"crypto/sha256"
	"encoding/binary"
	"os"
	"strings"
	"testing"
)

// Test key material. The common-key table and KeyX slots are arbitrary
// test constants wired through the keys provider's environment
// variables by SetTestKeys.
const (
	CommonKeysEnv = "000102030405060708090a0b0c0d0e0f," +
		"101112131415161718191a1b1c1d1e1f," +
		"202122232425262728292a2b2c2d2e2f," +
		"303132333435363738393a3b3c3d3e3f," +
		"404142434445464748494a4b4c4d4e4f," +
		"505152535455565758595a5b5c5d5e5f"
	NCCHKeyXEnv = "0x2C=0102030405060708090a0b0c0d0e0f10," +
		"0x25=1112131415161718191a1b1c1d1e1f20," +
		"0x18=2122232425262728292a2b2c2d2e2f30," +
		"0x1B=3132333435363738393a3b3c3d3e3f40"
)

// SetTestKeys points the keys provider environment at the test tables.
func SetTestKeys(t *testing.T) {
	t.Helper()
	t.Setenv("ROM_CONVERTO_COMMON_KEYS", CommonKeysEnv)
	t.Setenv("ROM_CONVERTO_NCCH_KEYX", NCCHKeyXEnv)
}

// TMDChunk describes one content for BuildTMD.
type TMDChunk struct {
	ID    uint32
	Index uint16
	Type  uint16
	Data  []byte // bytes as stored on the CDN; hashed into the record
}

// BuildTMD assembles a minimal RSA-2048-SHA256 TMD over the given
// chunks.
func BuildTMD(titleID uint64, titleVersion uint16, chunks []TMDChunk) []byte {
	buf := make([]byte, 0, 0x9C4+len(chunks)*0x30)
	buf = binary.BigEndian.AppendUint32(buf, 0x00010004)
	buf = append(buf, make([]byte, 0x100+0x3C)...) // zero signature + padding

	body := make([]byte, 0xC4)
	copy(body, "Root-CA00000003-CP0000000b")
	body[0x40] = 1 // version
	binary.BigEndian.PutUint64(body[0x4C:], titleID)
	binary.BigEndian.PutUint16(body[0x9C:], titleVersion)
	binary.BigEndian.PutUint16(body[0x9E:], uint16(len(chunks)))
	buf = append(buf, body...)

	buf = append(buf, make([]byte, 64*0x24)...) // content info records

	for _, c := range chunks {
		buf = binary.BigEndian.AppendUint32(buf, c.ID)
		buf = binary.BigEndian.AppendUint16(buf, c.Index)
		buf = binary.BigEndian.AppendUint16(buf, c.Type)
		buf = binary.BigEndian.AppendUint64(buf, uint64(len(c.Data)))
		sum := sha256.Sum256(c.Data)
		buf = append(buf, sum[:]...)
	}
	return buf
}

// BuildSeedDB assembles a SeedDB file image.
func BuildSeedDB(entries map[uint64][16]byte) []byte {
	buf := make([]byte, 0x10)
	binary.LittleEndian.PutUint32(buf, uint32(len(entries)))
	for id, seed := range entries {
		buf = binary.LittleEndian.AppendUint64(buf, id)
		buf = append(buf, seed[:]...)
	}
	return buf
}

// Repeat fills n bytes with a recognizable pattern.
func Repeat(pattern string, n int) []byte {
	b := []byte(strings.Repeat(pattern, n/len(pattern)+1))
	return b[:n]
}

func writeFileOrFatal(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}
