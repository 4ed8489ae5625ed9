package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// CTRStream is an AES-128-CTR keystream with a 128-bit big-endian
// counter. The NCCH regions each seed their own counter from the
// partition ID; Seek repositions the stream mid-region without
// generating the intervening keystream.
type CTRStream struct {
	block cipher.Block
	base  Key
	str   cipher.Stream
}

// NewCTRStream creates a CTR stream positioned at offset 0.
func NewCTRStream(key []byte, counter Key) (*CTRStream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ctr: %w", err)
	}
	s := &CTRStream{block: block, base: counter}
	s.str = cipher.NewCTR(block, counter[:])
	return s, nil
}

// XORKeyStream xors src with the keystream into dst and advances the
// counter by the consumed blocks.
func (s *CTRStream) XORKeyStream(dst, src []byte) {
	s.str.XORKeyStream(dst, src)
}

// Seek positions the stream at the given byte offset from the base
// counter. The counter becomes base + offset/16 and the first
// offset%16 keystream bytes are discarded.
func (s *CTRStream) Seek(offset int64) {
	ctr := addBlocks(s.base, uint64(offset)/aes.BlockSize)
	s.str = cipher.NewCTR(s.block, ctr[:])
	if rem := offset % aes.BlockSize; rem > 0 {
		var scratch [aes.BlockSize]byte
		s.str.XORKeyStream(scratch[:rem], scratch[:rem])
	}
}

// addBlocks advances a 128-bit big-endian counter by n blocks, with wrap.
func addBlocks(counter Key, n uint64) Key {
	out := counter
	for i := 15; i >= 0; i-- {
		n += uint64(out[i])
		out[i] = byte(n)
		n >>= 8
		if n == 0 {
			break
		}
	}
	return out
}
