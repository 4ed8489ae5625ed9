package pipeline

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/devyukine/rom-converto/internal/ctrtest"
	"github.com/devyukine/rom-converto/lib/ctr/cia"
	"github.com/devyukine/rom-converto/lib/ctr/crypto"
	"github.com/devyukine/rom-converto/lib/ctr/keys"
	"github.com/devyukine/rom-converto/lib/ctr/ncch"
	"github.com/devyukine/rom-converto/lib/ctr/ticket"
	"github.com/devyukine/rom-converto/lib/ctr/tmd"
)

const testTitleID = 0x0004000000055D00

func testProvider(t *testing.T) *keys.Provider {
	t.Helper()
	ctrtest.SetTestKeys(t)
	p, err := keys.FromEnv()
	if err != nil {
		t.Fatalf("keys.FromEnv() error = %v", err)
	}
	return p
}

// cdnFixture is a synthetic CDN directory holding one encrypted NCCH
// content and one unencrypted non-NCCH content.
type cdnFixture struct {
	dir        string
	ncch       *ctrtest.NCCHFixture
	encContent []byte // CDN-encrypted NCCH bytes
	manual     []byte // plaintext non-NCCH content
	cetk       []byte
	titleKey   [16]byte
}

func makeCDN(t *testing.T, provider *keys.Provider, withCetk bool) *cdnFixture {
	t.Helper()

	var keyY crypto.Key
	copy(keyY[:], "fixture-keyY-16b")
	f := ctrtest.BuildNCCH(t, provider, ctrtest.NCCHParams{
		PartitionID: testTitleID,
		ProgramID:   testTitleID,
		Method:      keys.MethodOriginal,
		KeyY:        keyY,
	})

	fix := &cdnFixture{ncch: f}
	copy(fix.titleKey[:], "plain-titlekey-!")
	fix.encContent = ctrtest.EncryptCBC(t, fix.titleKey, keys.ContentIV(0), f.Encrypted)
	fix.manual = ctrtest.Repeat("not-an-ncch-manual", 0x200)

	tmdData := ctrtest.BuildTMD(testTitleID, 0x0830, []ctrtest.TMDChunk{
		{ID: 0x00000010, Index: 0, Type: uint16(tmd.ContentEncrypted), Data: fix.encContent},
		{ID: 0x00000011, Index: 1, Type: 0, Data: fix.manual},
	})

	fix.dir = t.TempDir()
	write := func(name string, data []byte) {
		if err := os.WriteFile(filepath.Join(fix.dir, name), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("tmd", tmdData)
	write("00000010", fix.encContent)
	write("00000011", fix.manual)

	if withCetk {
		wrapped, err := provider.WrapTitleKey(0, testTitleID, fix.titleKey)
		if err != nil {
			t.Fatalf("WrapTitleKey() error = %v", err)
		}
		fix.cetk = ticket.Build(ticket.BuildParams{
			TitleID:        testTitleID,
			TitleKeyEnc:    wrapped,
			CommonKeyIndex: 0,
			TitleVersion:   0x0830,
			ContentIndices: []uint16{0, 1},
		})
		write("cetk", fix.cetk)
	}
	return fix
}

func packCIA(t *testing.T, fix *cdnFixture, titleKeyHex string) string {
	t.Helper()
	out := filepath.Join(t.TempDir(), "out.cia")
	err := Pack(context.Background(), PackOptions{
		InputDir:    fix.dir,
		OutputPath:  out,
		TitleKeyHex: titleKeyHex,
	})
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	return out
}

func TestPackLayout(t *testing.T) {
	provider := testProvider(t)
	fix := makeCDN(t, provider, true)
	out := packCIA(t, fix, "")

	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	info, _ := f.Stat()

	r, err := cia.NewReader(f, info.Size())
	if err != nil {
		t.Fatalf("cia.NewReader() error = %v", err)
	}

	// Ticket copied verbatim from the cetk.
	tik, err := r.Ticket()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tik, fix.cetk) {
		t.Error("packed ticket differs from cetk")
	}

	// Bitmap declares exactly indices 0 and 1.
	h := r.Header()
	if !h.HasContent(0) || !h.HasContent(1) || h.HasContent(2) {
		t.Errorf("bitmap = %v", h.ContentIndices())
	}

	// Contents stay CDN-encrypted, in ascending index order.
	parsed, err := r.TMD()
	if err != nil {
		t.Fatal(err)
	}
	contents, err := r.Contents(parsed)
	if err != nil {
		t.Fatal(err)
	}
	got0, _ := os.ReadFile(filepath.Join(fix.dir, "00000010"))
	buf := make([]byte, contents[0].Chunk.Size)
	if _, err := io.ReadFull(r.ContentReader(contents[0]), buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, got0) {
		t.Error("content 0 was modified by pack")
	}
}

func TestPackWithoutTicketNeedsTitleKey(t *testing.T) {
	provider := testProvider(t)
	fix := makeCDN(t, provider, false)

	err := Pack(context.Background(), PackOptions{
		InputDir:   fix.dir,
		OutputPath: filepath.Join(t.TempDir(), "out.cia"),
	})
	if err == nil {
		t.Fatal("Pack() expected error without cetk or title key, got nil")
	}
	if KindOf(err) != KindInputMissing {
		t.Errorf("KindOf() = %v, want input missing", KindOf(err))
	}
}

func TestPackSynthesizedTicket(t *testing.T) {
	provider := testProvider(t)
	fix := makeCDN(t, provider, false)

	wrapped, err := provider.WrapTitleKey(0, testTitleID, fix.titleKey)
	if err != nil {
		t.Fatal(err)
	}
	out := packCIA(t, fix, hex.EncodeToString(wrapped[:]))

	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	info, _ := f.Stat()
	r, err := cia.NewReader(f, info.Size())
	if err != nil {
		t.Fatal(err)
	}
	tikBytes, err := r.Ticket()
	if err != nil {
		t.Fatal(err)
	}
	tik, err := ticket.Parse(tikBytes)
	if err != nil {
		t.Fatalf("ticket.Parse() error = %v", err)
	}
	if tik.CommonKeyIndex != 0 {
		t.Errorf("CommonKeyIndex = %d, want 0", tik.CommonKeyIndex)
	}
	if tik.TitleID != testTitleID {
		t.Errorf("TitleID = %016X", tik.TitleID)
	}
	if tik.TitleKeyEnc != wrapped {
		t.Errorf("TitleKeyEnc = %x, want %x", tik.TitleKeyEnc, wrapped)
	}
	if !bytes.Equal(tikBytes[4:4+0x100], make([]byte, 0x100)) {
		t.Error("synthesized signature is not zero")
	}
}

func decryptCIA(t *testing.T, provider *keys.Provider, in string, opts DecryptOptions) string {
	t.Helper()
	out := filepath.Join(t.TempDir(), "decrypted.cia")
	opts.InputPath = in
	opts.OutputPath = out
	opts.Keys = provider
	opts.TempDir = t.TempDir()
	if err := Decrypt(context.Background(), opts); err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	return out
}

func readContents(t *testing.T, path string) (*cia.Reader, *tmd.TMD, [][]byte, func()) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	info, _ := f.Stat()
	r, err := cia.NewReader(f, info.Size())
	if err != nil {
		f.Close()
		t.Fatalf("cia.NewReader() error = %v", err)
	}
	parsed, err := r.TMD()
	if err != nil {
		f.Close()
		t.Fatal(err)
	}
	located, err := r.Contents(parsed)
	if err != nil {
		f.Close()
		t.Fatal(err)
	}
	var blobs [][]byte
	for _, c := range located {
		buf := make([]byte, c.Chunk.Size)
		if _, err := io.ReadFull(r.ContentReader(c), buf); err != nil {
			f.Close()
			t.Fatal(err)
		}
		blobs = append(blobs, buf)
	}
	return r, parsed, blobs, func() { f.Close() }
}

func TestDecryptEndToEnd(t *testing.T) {
	provider := testProvider(t)
	fix := makeCDN(t, provider, true)
	packed := packCIA(t, fix, "")
	decrypted := decryptCIA(t, provider, packed, DecryptOptions{})

	r, parsed, blobs, closefn := readContents(t, decrypted)
	defer closefn()

	// Structure is preserved: same contents, ids, sizes.
	if len(parsed.Chunks) != 2 {
		t.Fatalf("content count = %d, want 2", len(parsed.Chunks))
	}
	if parsed.TitleID != testTitleID {
		t.Errorf("TitleID = %016X", parsed.TitleID)
	}

	// Content 0: the NCCH, now fully decrypted with rewritten flags.
	want := fix.ncch.DecryptedImage()
	if !bytes.Equal(blobs[0], want) {
		t.Fatal("decrypted NCCH differs from expected plaintext")
	}
	h, err := ncch.ParseHeader(blobs[0][:ncch.HeaderSize])
	if err != nil {
		t.Fatalf("ncch.ParseHeader() error = %v", err)
	}
	if !h.NoCrypto || !h.FixedKey || h.SeedCrypto {
		t.Errorf("flags: nocrypto=%v fixed=%v seed=%v", h.NoCrypto, h.FixedKey, h.SeedCrypto)
	}

	// ExHeader program ID matches the TMD title id.
	exheaderID := blobs[0][ncch.HeaderSize : ncch.HeaderSize+8]
	wantID := []byte{0x00, 0x5D, 0x05, 0x00, 0x00, 0x00, 0x04, 0x00}
	if !bytes.Equal(exheaderID, wantID) {
		t.Errorf("exheader program id = %x, want %x", exheaderID, wantID)
	}

	// Content 1: non-NCCH, unencrypted, byte-identical.
	if !bytes.Equal(blobs[1], fix.manual) {
		t.Error("non-NCCH content was modified")
	}

	// Header bitmap carries both indices.
	if got := r.Header().ContentIndices(); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Errorf("ContentIndices() = %v", got)
	}

	// Normalized ticket still unwraps to the same title key.
	tikBytes, err := r.Ticket()
	if err != nil {
		t.Fatal(err)
	}
	tik, err := ticket.Parse(tikBytes)
	if err != nil {
		t.Fatal(err)
	}
	unwrapped, err := provider.UnwrapTitleKey(int(tik.CommonKeyIndex), tik.TitleID, tik.TitleKeyEnc)
	if err != nil {
		t.Fatal(err)
	}
	if unwrapped != fix.titleKey {
		t.Errorf("normalized ticket unwraps to %x, want %x", unwrapped, fix.titleKey)
	}
}

func TestDecryptSeededContent(t *testing.T) {
	provider := testProvider(t)
	seed := [16]byte{9, 8, 7, 6, 5, 4, 3, 2, 1}
	var keyY crypto.Key
	copy(keyY[:], "seeded-keyY-16by")
	f := ctrtest.BuildNCCH(t, provider, ctrtest.NCCHParams{
		PartitionID: testTitleID,
		ProgramID:   testTitleID,
		Method:      keys.MethodSecure3,
		Seed:        &seed,
		KeyY:        keyY,
	})

	var titleKey [16]byte
	copy(titleKey[:], "other-titlekey-2")
	encContent := ctrtest.EncryptCBC(t, titleKey, keys.ContentIV(0), f.Encrypted)
	tmdData := ctrtest.BuildTMD(testTitleID, 1, []ctrtest.TMDChunk{
		{ID: 0x20, Index: 0, Type: uint16(tmd.ContentEncrypted), Data: encContent},
	})
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "tmd"), tmdData, 0o644)
	os.WriteFile(filepath.Join(dir, "00000020"), encContent, 0o644)
	wrapped, err := provider.WrapTitleKey(0, testTitleID, titleKey)
	if err != nil {
		t.Fatal(err)
	}
	cetk := ticket.Build(ticket.BuildParams{
		TitleID: testTitleID, TitleKeyEnc: wrapped, ContentIndices: []uint16{0},
	})
	os.WriteFile(filepath.Join(dir, "cetk"), cetk, 0o644)

	packed := packCIA(t, &cdnFixture{dir: dir}, "")
	decrypted := decryptCIA(t, provider, packed, DecryptOptions{})

	_, _, blobs, closefn := readContents(t, decrypted)
	defer closefn()
	if !bytes.Equal(blobs[0], f.DecryptedImage()) {
		t.Fatal("seeded NCCH not decrypted correctly")
	}
	if string(blobs[0][7*0x200:7*0x200+4]) != "IVFC" {
		t.Error("RomFS does not begin with IVFC")
	}
}

func TestDecryptStrictHashMismatch(t *testing.T) {
	provider := testProvider(t)
	fix := makeCDN(t, provider, true)
	packed := packCIA(t, fix, "")

	// Corrupt one content byte inside the packed CIA.
	data, err := os.ReadFile(packed)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xFF // last byte of the unencrypted manual content
	if err := os.WriteFile(packed, data, 0o644); err != nil {
		t.Fatal(err)
	}

	// Default: warning only, run succeeds.
	out := filepath.Join(t.TempDir(), "d.cia")
	err = Decrypt(context.Background(), DecryptOptions{
		InputPath: packed, OutputPath: out, Keys: provider, TempDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Decrypt() without strict error = %v", err)
	}

	// Strict: fatal crypto error, output removed.
	out2 := filepath.Join(t.TempDir(), "d2.cia")
	err = Decrypt(context.Background(), DecryptOptions{
		InputPath: packed, OutputPath: out2, Keys: provider, Strict: true, TempDir: t.TempDir(),
	})
	if err == nil {
		t.Fatal("Decrypt() with strict expected error, got nil")
	}
	if KindOf(err) != KindCrypto {
		t.Errorf("KindOf() = %v, want crypto", KindOf(err))
	}
	if _, statErr := os.Stat(out2); !os.IsNotExist(statErr) {
		t.Error("partial output not removed on fatal error")
	}
}

func TestDecryptFilterCopiesUnselected(t *testing.T) {
	provider := testProvider(t)
	fix := makeCDN(t, provider, true)
	packed := packCIA(t, fix, "")

	filter, err := NewContentFilter("index == 1")
	if err != nil {
		t.Fatalf("NewContentFilter() error = %v", err)
	}
	decrypted := decryptCIA(t, provider, packed, DecryptOptions{Filter: filter})

	_, _, blobs, closefn := readContents(t, decrypted)
	defer closefn()

	// Content 0 was filtered out: copied verbatim, still CDN-encrypted.
	if !bytes.Equal(blobs[0], fix.encContent) {
		t.Error("unselected content was not copied verbatim")
	}
	// Content 1 was selected (non-NCCH: pass-through).
	if !bytes.Equal(blobs[1], fix.manual) {
		t.Error("selected non-NCCH content differs")
	}
}

func TestContentFilterExpressions(t *testing.T) {
	if _, err := NewContentFilter("index +"); err == nil {
		t.Error("NewContentFilter() expected compile error, got nil")
	}
	filter, err := NewContentFilter("!optional && size > 100")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := filter.Match(tmd.Chunk{Index: 0, Size: 200})
	if err != nil || !ok {
		t.Errorf("Match(big, required) = %v, %v, want true", ok, err)
	}
	ok, err = filter.Match(tmd.Chunk{Index: 1, Size: 200, Type: tmd.ContentOptional})
	if err != nil || ok {
		t.Errorf("Match(optional) = %v, %v, want false", ok, err)
	}
}

func TestDecryptCancelled(t *testing.T) {
	provider := testProvider(t)
	fix := makeCDN(t, provider, true)
	packed := packCIA(t, fix, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := filepath.Join(t.TempDir(), "cancelled.cia")
	err := Decrypt(ctx, DecryptOptions{
		InputPath: packed, OutputPath: out, Keys: provider, TempDir: t.TempDir(),
	})
	if err == nil {
		t.Fatal("Decrypt() expected cancellation error, got nil")
	}
	if KindOf(err) != KindCancelled {
		t.Errorf("KindOf() = %v, want cancelled", KindOf(err))
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Error("partial output not removed on cancellation")
	}
}

func TestDecryptReParseIdempotence(t *testing.T) {
	provider := testProvider(t)
	fix := makeCDN(t, provider, true)
	packed := packCIA(t, fix, "")
	decrypted := decryptCIA(t, provider, packed, DecryptOptions{})

	// A second decrypt of the already-decrypted CIA is structurally
	// stable: the NCCH is no-crypto now, the manual is untouched.
	// The first content's TMD hash is stale by design, so no strict.
	again := decryptCIA(t, provider, decrypted, DecryptOptions{})

	_, firstTMD, firstBlobs, close1 := readContents(t, decrypted)
	defer close1()
	_, secondTMD, secondBlobs, close2 := readContents(t, again)
	defer close2()

	if len(firstTMD.Chunks) != len(secondTMD.Chunks) {
		t.Fatal("content count changed across decrypts")
	}
	for i := range firstBlobs {
		if !bytes.Equal(firstBlobs[i], secondBlobs[i]) {
			t.Errorf("content %d changed across decrypts", i)
		}
	}
}

