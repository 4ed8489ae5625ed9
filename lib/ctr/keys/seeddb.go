package keys

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/devyukine/rom-converto/lib/ctr/codec"
)

// SeedDB maps title IDs to the 16-byte seeds that 9.6+ titles mix into
// their secondary KeyY.
//
// File layout:
//
//	Offset  Size  Description
//	0x00    4     Entry count (little-endian)
//	0x04    12    Reserved
//	0x10    24×n  Packed entries: title ID (u64 LE) + seed (16 bytes)
type SeedDB struct {
	seeds map[uint64][16]byte
}

const (
	seedDBHeaderSize = 0x10
	seedDBEntrySize  = 0x18
)

// LoadSeedDB parses a SeedDB file.
func LoadSeedDB(path string) (*SeedDB, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seeddb: %w", err)
	}
	return ParseSeedDB(data)
}

// ParseSeedDB parses SeedDB bytes.
func ParseSeedDB(data []byte) (*SeedDB, error) {
	r := codec.NewReader("seeddb", data)
	count := r.U32("entry count", binary.LittleEndian)
	r.Skip("reserved", 12)
	if err := r.Err(); err != nil {
		return nil, err
	}
	if int64(seedDBHeaderSize)+int64(count)*seedDBEntrySize > int64(len(data)) {
		return nil, fmt.Errorf("seeddb: %d entries declared but only %d bytes present", count, len(data))
	}

	db := &SeedDB{seeds: make(map[uint64][16]byte, count)}
	for i := uint32(0); i < count; i++ {
		titleID := r.U64("title id", binary.LittleEndian)
		seed := r.Bytes("seed", 16)
		if err := r.Err(); err != nil {
			return nil, err
		}
		var s [16]byte
		copy(s[:], seed)
		db.seeds[titleID] = s
	}
	return db, nil
}

// Len returns the number of entries.
func (db *SeedDB) Len() int { return len(db.seeds) }

// Lookup returns the seed for a title ID.
func (db *SeedDB) Lookup(titleID uint64) ([16]byte, bool) {
	s, ok := db.seeds[titleID]
	return s, ok
}

// Seed resolves a title's seed through the provider's SeedDB, loading
// the file on first use and caching it for the rest of the process.
func (p *Provider) Seed(titleID uint64) ([16]byte, error) {
	p.seedOnce.Do(func() {
		if p.seedPath == "" {
			p.seedErr = fmt.Errorf("seed required but no SeedDB configured: pass --seed-db or set %s", EnvSeedDB)
			return
		}
		p.seedLoads++
		p.seedDB, p.seedErr = LoadSeedDB(p.seedPath)
	})
	if p.seedErr != nil {
		return [16]byte{}, p.seedErr
	}
	seed, ok := p.seedDB.Lookup(titleID)
	if !ok {
		return [16]byte{}, fmt.Errorf("seeddb: no seed for title %016X", titleID)
	}
	return seed, nil
}
