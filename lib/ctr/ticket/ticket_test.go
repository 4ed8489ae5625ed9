package ticket

import (
	"bytes"
	"testing"

	"github.com/devyukine/rom-converto/lib/ctr/sig"
)

func TestBuildParseRoundTrip(t *testing.T) {
	var titleKey [16]byte
	copy(titleKey[:], "wrapped-titlekey")

	raw := Build(BuildParams{
		TitleID:        0x0004000000055D00,
		TitleKeyEnc:    titleKey,
		CommonKeyIndex: 0,
		TitleVersion:   0x0830,
		ContentIndices: []uint16{0, 1, 2},
	})
	if len(raw) != builtTicketSize {
		t.Fatalf("len(Build()) = 0x%X, want 0x%X", len(raw), builtTicketSize)
	}

	tk, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if tk.SignatureType != sig.RSA2048SHA256 {
		t.Errorf("SignatureType = %s, want %s", tk.SignatureType, sig.RSA2048SHA256)
	}
	if tk.Issuer != Issuer {
		t.Errorf("Issuer = %q, want %q", tk.Issuer, Issuer)
	}
	if tk.Version != 1 {
		t.Errorf("Version = %d, want 1", tk.Version)
	}
	if tk.TitleID != 0x0004000000055D00 {
		t.Errorf("TitleID = %016X", tk.TitleID)
	}
	if tk.TitleKeyEnc != titleKey {
		t.Errorf("TitleKeyEnc = %x, want %x", tk.TitleKeyEnc, titleKey)
	}
	if tk.CommonKeyIndex != 0 {
		t.Errorf("CommonKeyIndex = %d, want 0", tk.CommonKeyIndex)
	}
	if tk.TitleVersion != 0x0830 {
		t.Errorf("TitleVersion = 0x%04X, want 0x0830", tk.TitleVersion)
	}
}

func TestBuildSignatureIsZero(t *testing.T) {
	raw := Build(BuildParams{TitleID: 1})
	signature := raw[4 : 4+0x100]
	if !bytes.Equal(signature, make([]byte, 0x100)) {
		t.Error("signature bytes are not zero")
	}
	ecc := raw[0x180 : 0x180+eccKeyLen]
	if !bytes.Equal(ecc, make([]byte, eccKeyLen)) {
		t.Error("ECC public key bytes are not zero")
	}
}

func TestBuildContentMask(t *testing.T) {
	raw := Build(BuildParams{
		TitleID:        1,
		ContentIndices: []uint16{0, 1, 9},
	})
	mask := raw[0x2CC : 0x2CC+contentIndexDataLen]
	if mask[0] != 0xC0 {
		t.Errorf("mask[0] = 0x%02X, want 0xC0 (indices 0 and 1)", mask[0])
	}
	if mask[1] != 0x40 {
		t.Errorf("mask[1] = 0x%02X, want 0x40 (index 9)", mask[1])
	}
	for i := 2; i < len(mask); i++ {
		if mask[i] != 0 {
			t.Errorf("mask[%d] = 0x%02X, want 0", i, mask[i])
			break
		}
	}
}

func TestParseTruncated(t *testing.T) {
	raw := Build(BuildParams{TitleID: 1})
	if _, err := Parse(raw[:0x100]); err == nil {
		t.Error("Parse(truncated) expected error, got nil")
	}
}
