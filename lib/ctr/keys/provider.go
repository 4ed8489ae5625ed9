// Package keys resolves every AES key the CIA pipelines need: the six
// platform common keys, the NCCH KeyX slot constants, title-key
// unwrapping, NCCH primary/secondary key derivation, and the SeedDB.
//
// Nintendo's keys are not redistributable, so nothing is embedded in
// source. Keys come from the environment or from a key file:
//
//	ROM_CONVERTO_COMMON_KEYS       six comma-separated hex entries
//	ROM_CONVERTO_NCCH_KEYX         comma-separated slot=hex pairs
//	                               (e.g. 0x2C=aabb...,0x25=ccdd...)
//	ROM_CONVERTO_KEYFILE_PASSPHRASE passphrase for encrypted key files
package keys

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/devyukine/rom-converto/lib/ctr/crypto"
)

// Slot identifies an NCCH KeyX keyslot.
type Slot byte

// Keyslots used by NCCH crypto methods.
const (
	Slot0x2C Slot = 0x2C // primary key, all crypto methods
	Slot0x25 Slot = 0x25 // secondary key, 7.x (method 0x01)
	Slot0x18 Slot = 0x18 // secondary key, Secure3 (method 0x0A)
	Slot0x1B Slot = 0x1B // secondary key, Secure4 (method 0x0B)
)

func (s Slot) String() string { return fmt.Sprintf("0x%02X", byte(s)) }

// Environment variables read by FromEnv.
const (
	EnvCommonKeys        = "ROM_CONVERTO_COMMON_KEYS"
	EnvNCCHKeyX          = "ROM_CONVERTO_NCCH_KEYX"
	EnvKeyfilePassphrase = "ROM_CONVERTO_KEYFILE_PASSPHRASE"
	EnvSeedDB            = "ROM_CONVERTO_SEEDDB"
)

// CommonKeyCount is the number of platform common-key slots.
const CommonKeyCount = 6

// Provider supplies resolved AES keys to the pipelines. The zero value
// has no keys; populate it with FromEnv or FromKeyFile. A Provider is
// safe for concurrent reads after construction.
type Provider struct {
	common [CommonKeyCount]*crypto.Key
	keyX   map[Slot]crypto.Key

	seedPath  string
	seedOnce  sync.Once
	seedDB    *SeedDB
	seedErr   error
	seedLoads int
}

// FromEnv builds a Provider from the environment. Missing variables are
// not an error here; lookups of unconfigured keys fail instead, so the
// pack pipeline (which needs no keys at all) works without any.
func FromEnv() (*Provider, error) {
	p := &Provider{keyX: make(map[Slot]crypto.Key)}

	if v := os.Getenv(EnvCommonKeys); v != "" {
		if err := p.parseCommonKeys(v); err != nil {
			return nil, fmt.Errorf("%s: %w", EnvCommonKeys, err)
		}
	}
	if v := os.Getenv(EnvNCCHKeyX); v != "" {
		if err := p.parseKeyXPairs(v); err != nil {
			return nil, fmt.Errorf("%s: %w", EnvNCCHKeyX, err)
		}
	}
	p.seedPath = os.Getenv(EnvSeedDB)
	return p, nil
}

// SetSeedDBPath overrides the SeedDB location (the --seed-db flag).
func (p *Provider) SetSeedDBPath(path string) { p.seedPath = path }

// CommonKey returns the common key for a ticket's common-key index.
func (p *Provider) CommonKey(index int) (crypto.Key, error) {
	if index < 0 || index >= CommonKeyCount {
		return crypto.Key{}, fmt.Errorf("common key index %d out of range 0..%d", index, CommonKeyCount-1)
	}
	k := p.common[index]
	if k == nil {
		return crypto.Key{}, fmt.Errorf("common key %d not configured: set %s or provide a key file", index, EnvCommonKeys)
	}
	return *k, nil
}

// NCCHKeyX returns the KeyX constant for a keyslot.
func (p *Provider) NCCHKeyX(slot Slot) (crypto.Key, error) {
	k, ok := p.keyX[slot]
	if !ok {
		return crypto.Key{}, fmt.Errorf("NCCH KeyX slot %s not configured: set %s or provide a key file", slot, EnvNCCHKeyX)
	}
	return k, nil
}

func (p *Provider) parseCommonKeys(v string) error {
	parts := strings.Split(v, ",")
	if len(parts) != CommonKeyCount {
		return fmt.Errorf("want %d comma-separated keys, got %d", CommonKeyCount, len(parts))
	}
	for i, part := range parts {
		k, err := parseKey(strings.TrimSpace(part))
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		key := k
		p.common[i] = &key
	}
	return nil
}

func (p *Provider) parseKeyXPairs(v string) error {
	for _, pair := range strings.Split(v, ",") {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("entry %q: want slot=hex", pair)
		}
		slot, err := parseSlot(strings.TrimSpace(name))
		if err != nil {
			return err
		}
		k, err := parseKey(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("slot %s: %w", slot, err)
		}
		p.keyX[slot] = k
	}
	return nil
}

func parseSlot(s string) (Slot, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 1 {
		return 0, fmt.Errorf("invalid keyslot %q", s)
	}
	switch slot := Slot(b[0]); slot {
	case Slot0x2C, Slot0x25, Slot0x18, Slot0x1B:
		return slot, nil
	default:
		return 0, fmt.Errorf("unsupported keyslot %s", slot)
	}
}

func parseKey(s string) (crypto.Key, error) {
	var k crypto.Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("invalid hex key: %w", err)
	}
	if len(b) != len(k) {
		return k, fmt.Errorf("key must be %d bytes, got %d", len(k), len(b))
	}
	copy(k[:], b)
	return k, nil
}
