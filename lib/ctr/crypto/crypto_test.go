package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

func keyFromHex(t *testing.T, s string) Key {
	t.Helper()
	var k Key
	copy(k[:], mustHex(t, s))
	return k
}

func TestRol128(t *testing.T) {
	tests := []struct {
		in   string
		n    uint
		want string
	}{
		{"00000000000000000000000000000001", 1, "00000000000000000000000000000002"},
		{"0102030405060708090a0b0c0d0e0f10", 2, "04080c1014181c2024282c3034383c40"},
		{"1ff9e9aac5fe0408024591dc5d52768a", 87, "ee2ea93b450ffcf4d562ff02040122c8"},
		{"0102030405060708090a0b0c0d0e0f10", 0, "0102030405060708090a0b0c0d0e0f10"},
	}
	for _, tt := range tests {
		got := rol128(keyFromHex(t, tt.in), tt.n)
		if hex.EncodeToString(got[:]) != tt.want {
			t.Errorf("rol128(%s, %d) = %x, want %s", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestAdd128Wrap(t *testing.T) {
	a := keyFromHex(t, "ffffffffffffffffffffffffffffffff")
	b := keyFromHex(t, "00000000000000000000000000000001")
	got := add128(a, b)
	var want Key
	if got != want {
		t.Errorf("add128 wrap = %x, want zero", got)
	}
}

func TestKeyScramble(t *testing.T) {
	tests := []struct {
		keyX, keyY, want string
	}{
		// scramble(0, 0) = rol(C, 87)
		{
			"00000000000000000000000000000000",
			"00000000000000000000000000000000",
			"ee2ea93b450ffcf4d562ff02040122c8",
		},
		{
			"0102030405060708090a0b0c0d0e0f10",
			"101112131415161718191a1b1c1d1e1f",
			"03c2bbcc749a0983d6e305871f9f3b64",
		},
		{
			"fedcba98765432100123456789abcdef",
			"ffffffffffffffffffffffffffffffff",
			"1f1b519f6512437fa476569de3fedc3e",
		},
	}
	for _, tt := range tests {
		got := KeyScramble(keyFromHex(t, tt.keyX), keyFromHex(t, tt.keyY))
		if hex.EncodeToString(got[:]) != tt.want {
			t.Errorf("KeyScramble(%s, %s) = %x, want %s", tt.keyX, tt.keyY, got, tt.want)
		}
	}
}

func TestCBCStreamChaining(t *testing.T) {
	key := mustHex(t, "000102030405060708090a0b0c0d0e0f")
	iv := mustHex(t, "0004000000055d000000000000000000")
	ct := mustHex(t, "00112233445566778899aabbccddeeff")

	dec, err := NewCBCDecrypter(key, iv)
	if err != nil {
		t.Fatalf("NewCBCDecrypter() error = %v", err)
	}
	pt := make([]byte, len(ct))
	if err := dec.Process(pt, ct); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	want := "762e5ab5092c459cefdb99434790aad8"
	if hex.EncodeToString(pt) != want {
		t.Errorf("decrypt = %x, want %s", pt, want)
	}

	// Round-trip through the encryptor.
	enc, err := NewCBCEncrypter(key, iv)
	if err != nil {
		t.Fatalf("NewCBCEncrypter() error = %v", err)
	}
	back := make([]byte, len(pt))
	if err := enc.Process(back, pt); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !bytes.Equal(back, ct) {
		t.Errorf("re-encrypt = %x, want %x", back, ct)
	}
}

func TestCBCStreamSplitFeeds(t *testing.T) {
	key := mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c")
	iv := make([]byte, 16)
	pt := make([]byte, 64)
	for i := range pt {
		pt[i] = byte(i)
	}

	enc, _ := NewCBCEncrypter(key, iv)
	whole := make([]byte, 64)
	if err := enc.Process(whole, pt); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	// Feeding 16-byte chunks must chain identically.
	enc2, _ := NewCBCEncrypter(key, iv)
	chunked := make([]byte, 64)
	for i := 0; i < 64; i += 16 {
		if err := enc2.Process(chunked[i:i+16], pt[i:i+16]); err != nil {
			t.Fatalf("Process() chunk %d error = %v", i, err)
		}
	}
	if !bytes.Equal(whole, chunked) {
		t.Error("chunked CBC output differs from single-shot output")
	}
}

func TestCBCStreamRaggedInput(t *testing.T) {
	key := make([]byte, 16)
	iv := make([]byte, 16)
	dec, _ := NewCBCDecrypter(key, iv)
	if err := dec.Process(make([]byte, 15), make([]byte, 15)); err == nil {
		t.Error("Process() expected error for ragged input, got nil")
	}
}

func TestCTRStream(t *testing.T) {
	key := mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c")
	counter := keyFromHex(t, "00112233445566770100000000000000")
	pt := make([]byte, 48)
	for i := range pt {
		pt[i] = byte(i)
	}
	want := "d11ea1ff5736b71938f2ca0047103f7b8529f14449459a1c82ed4a7824a9bca4fcf02c1cb13f0283aa65321e52b52b85"

	s, err := NewCTRStream(key, counter)
	if err != nil {
		t.Fatalf("NewCTRStream() error = %v", err)
	}
	ct := make([]byte, 48)
	s.XORKeyStream(ct, pt)
	if hex.EncodeToString(ct) != want {
		t.Errorf("XORKeyStream = %x, want %s", ct, want)
	}
}

func TestCTRStreamSeek(t *testing.T) {
	key := mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c")
	counter := keyFromHex(t, "00112233445566770100000000000000")
	pt := make([]byte, 48)
	for i := range pt {
		pt[i] = byte(i)
	}

	whole, _ := NewCTRStream(key, counter)
	full := make([]byte, 48)
	whole.XORKeyStream(full, pt)

	// Seeking to arbitrary offsets must line up with the linear stream,
	// including mid-block positions.
	for _, off := range []int64{0, 16, 17, 31, 32, 47} {
		s, _ := NewCTRStream(key, counter)
		s.Seek(off)
		got := make([]byte, 48-off)
		s.XORKeyStream(got, pt[off:])
		if !bytes.Equal(got, full[off:]) {
			t.Errorf("Seek(%d): output differs from linear stream", off)
		}
	}
}

func TestAddBlocksCarry(t *testing.T) {
	c := keyFromHex(t, "000000000000000000000000000000ff")
	got := addBlocks(c, 1)
	want := keyFromHex(t, "00000000000000000000000000000100")
	if got != want {
		t.Errorf("addBlocks carry = %x, want %x", got, want)
	}

	c = keyFromHex(t, "0000000000000000ffffffffffffffff")
	got = addBlocks(c, 1)
	want = keyFromHex(t, "00000000000000010000000000000000")
	if got != want {
		t.Errorf("addBlocks carry across u64 = %x, want %x", got, want)
	}
}
