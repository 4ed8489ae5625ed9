package keys

import (
	"encoding/binary"

	"github.com/devyukine/rom-converto/lib/ctr/crypto"
)

// TitleKeyIV builds the IV for title-key wrap/unwrap: the title ID as
// a big-endian u64 padded to the block size.
func TitleKeyIV(titleID uint64) [16]byte {
	var iv [16]byte
	binary.BigEndian.PutUint64(iv[:8], titleID)
	return iv
}

// ContentIV builds the IV for CDN content crypto: the TMD content index
// as a big-endian u16 padded to the block size.
func ContentIV(contentIndex uint16) [16]byte {
	var iv [16]byte
	binary.BigEndian.PutUint16(iv[:2], contentIndex)
	return iv
}

// UnwrapTitleKey decrypts a ticket's encrypted title key under the
// common key selected by the ticket's common-key index.
func (p *Provider) UnwrapTitleKey(commonKeyIndex int, titleID uint64, encrypted [16]byte) ([16]byte, error) {
	common, err := p.CommonKey(commonKeyIndex)
	if err != nil {
		return [16]byte{}, err
	}
	iv := TitleKeyIV(titleID)
	dec, err := crypto.NewCBCDecrypter(common[:], iv[:])
	if err != nil {
		return [16]byte{}, err
	}
	var titleKey [16]byte
	if err := dec.Process(titleKey[:], encrypted[:]); err != nil {
		return [16]byte{}, err
	}
	return titleKey, nil
}

// WrapTitleKey is the inverse of UnwrapTitleKey, used when synthesizing
// tickets from a raw title key.
func (p *Provider) WrapTitleKey(commonKeyIndex int, titleID uint64, titleKey [16]byte) ([16]byte, error) {
	common, err := p.CommonKey(commonKeyIndex)
	if err != nil {
		return [16]byte{}, err
	}
	iv := TitleKeyIV(titleID)
	enc, err := crypto.NewCBCEncrypter(common[:], iv[:])
	if err != nil {
		return [16]byte{}, err
	}
	var wrapped [16]byte
	if err := enc.Process(wrapped[:], titleKey[:]); err != nil {
		return [16]byte{}, err
	}
	return wrapped, nil
}
