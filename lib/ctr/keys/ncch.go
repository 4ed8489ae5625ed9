package keys

import (
	"crypto/sha256"
	"fmt"

	"github.com/devyukine/rom-converto/lib/ctr/crypto"
)

// CryptoMethod is the NCCH key-generator selector (header flags[3]).
type CryptoMethod byte

// Crypto methods per 3dbrew.
const (
	MethodOriginal CryptoMethod = 0x00 // keyslot 0x2C only
	Method7x       CryptoMethod = 0x01 // secondary via keyslot 0x25
	MethodSecure3  CryptoMethod = 0x0A // secondary via keyslot 0x18
	MethodSecure4  CryptoMethod = 0x0B // secondary via keyslot 0x1B
)

func (m CryptoMethod) secondarySlot() (Slot, error) {
	switch m {
	case MethodOriginal:
		return Slot0x2C, nil
	case Method7x:
		return Slot0x25, nil
	case MethodSecure3:
		return Slot0x18, nil
	case MethodSecure4:
		return Slot0x1B, nil
	default:
		return 0, fmt.Errorf("unknown NCCH crypto method 0x%02X", byte(m))
	}
}

// NCCHPrimaryKey derives the key for the ExHeader, ExeFS header, and
// primary-key ExeFS files: scramble(KeyX 0x2C, KeyY from the header).
func (p *Provider) NCCHPrimaryKey(keyY crypto.Key) (crypto.Key, error) {
	keyX, err := p.NCCHKeyX(Slot0x2C)
	if err != nil {
		return crypto.Key{}, err
	}
	return crypto.KeyScramble(keyX, keyY), nil
}

// NCCHSecondaryKey derives the key for .code and RomFS. The keyslot
// follows the crypto method; when the NCCH uses seed crypto the raw
// header KeyY is replaced by SHA-256(KeyY || seed)[:16] with the seed
// fetched from the SeedDB by program ID.
func (p *Provider) NCCHSecondaryKey(method CryptoMethod, keyY crypto.Key, usesSeed bool, programID uint64) (crypto.Key, error) {
	slot, err := method.secondarySlot()
	if err != nil {
		return crypto.Key{}, err
	}
	keyX, err := p.NCCHKeyX(slot)
	if err != nil {
		return crypto.Key{}, err
	}
	if usesSeed {
		seed, err := p.Seed(programID)
		if err != nil {
			return crypto.Key{}, err
		}
		sum := sha256.Sum256(append(keyY[:], seed[:]...))
		copy(keyY[:], sum[:16])
	}
	return crypto.KeyScramble(keyX, keyY), nil
}
