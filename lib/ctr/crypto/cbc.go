package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// CBCStream processes a byte stream with AES-128-CBC, carrying the IV
// from call to call. Callers must feed multiples of the block size;
// 3DS content regions are always block-aligned.
type CBCStream struct {
	mode cipher.BlockMode
}

// NewCBCDecrypter creates a streaming CBC decryptor.
func NewCBCDecrypter(key, iv []byte) (*CBCStream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cbc: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("cbc: iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	return &CBCStream{mode: cipher.NewCBCDecrypter(block, iv)}, nil
}

// NewCBCEncrypter creates a streaming CBC encryptor.
func NewCBCEncrypter(key, iv []byte) (*CBCStream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cbc: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("cbc: iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	return &CBCStream{mode: cipher.NewCBCEncrypter(block, iv)}, nil
}

// Process transforms src into dst. Both must be the same length and a
// multiple of the AES block size. dst and src may overlap entirely.
func (s *CBCStream) Process(dst, src []byte) error {
	if len(src)%aes.BlockSize != 0 {
		return fmt.Errorf("cbc: input length %d is not a multiple of %d", len(src), aes.BlockSize)
	}
	if len(dst) != len(src) {
		return fmt.Errorf("cbc: dst length %d != src length %d", len(dst), len(src))
	}
	s.mode.CryptBlocks(dst, src)
	return nil
}

// BlockMode exposes the underlying mode for io adapters.
func (s *CBCStream) BlockMode() cipher.BlockMode { return s.mode }
