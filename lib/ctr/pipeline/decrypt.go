package pipeline

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"

	"github.com/connesc/cipherio"

	"github.com/devyukine/rom-converto/lib/ctr/cia"
	"github.com/devyukine/rom-converto/lib/ctr/keys"
	"github.com/devyukine/rom-converto/lib/ctr/ncch"
	"github.com/devyukine/rom-converto/lib/ctr/ticket"
	"github.com/devyukine/rom-converto/lib/ctr/tmd"
)

// DecryptOptions configure the CIA decryptor.
type DecryptOptions struct {
	InputPath  string
	OutputPath string

	Keys *keys.Provider

	// Strict promotes TMD hash mismatches from warnings to fatal
	// errors.
	Strict bool
	// Filter selects the contents to transform; everything else is
	// copied verbatim. Nil transforms all contents.
	Filter *ContentFilter
	// TempDir hosts per-content spill files. Empty uses the system
	// temp directory.
	TempDir string

	Reporter Reporter
}

// Decrypt rewrites a CIA with every NCCH content decrypted and its
// crypto flags normalized. The TMD is copied verbatim, so content
// hashes become stale; 3DS emulators do not re-verify them.
func Decrypt(ctx context.Context, opts DecryptOptions) (err error) {
	rep := opts.Reporter
	if rep == nil {
		rep = NopReporter()
	}
	defer rep.Done()

	in, err := os.Open(opts.InputPath)
	if err != nil {
		return wrapKind(KindInputMissing, err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return wrapKind(KindIO, err)
	}

	r, err := cia.NewReader(in, info.Size())
	if err != nil {
		return wrapKind(KindFormat, err)
	}

	certChain, err := r.CertChain()
	if err != nil {
		return wrapKind(KindIO, err)
	}
	ticketRaw, err := r.Ticket()
	if err != nil {
		return wrapKind(KindIO, err)
	}
	tik, err := ticket.Parse(ticketRaw)
	if err != nil {
		return wrapKind(KindFormat, err)
	}
	tmdBytes, err := r.TMDBytes()
	if err != nil {
		return wrapKind(KindIO, err)
	}
	t, err := tmd.Parse(tmdBytes)
	if err != nil {
		return wrapKind(KindFormat, err)
	}
	meta, err := r.Meta()
	if err != nil {
		return wrapKind(KindIO, err)
	}
	contents, err := r.Contents(t)
	if err != nil {
		return wrapKind(KindFormat, err)
	}

	// The title key is only needed when some content is CDN-encrypted.
	var titleKey [16]byte
	if anyEncrypted(contents) {
		titleKey, err = opts.Keys.UnwrapTitleKey(int(tik.CommonKeyIndex), tik.TitleID, tik.TitleKeyEnc)
		if err != nil {
			return wrapKind(KindCrypto, err)
		}
	}

	indices := make([]uint16, 0, len(contents))
	var contentSize int64
	for _, c := range contents {
		indices = append(indices, c.Chunk.Index)
		contentSize += c.Chunk.Size
	}

	out, err := os.Create(opts.OutputPath)
	if err != nil {
		return wrapKind(KindIO, err)
	}
	defer func() {
		out.Close()
		if err != nil {
			os.Remove(opts.OutputPath)
		}
	}()

	w, err := cia.NewWriter(out, cia.WriterParams{
		CertChain:      certChain,
		Ticket:         normalizeTicket(tik, t, indices),
		TMD:            t.Raw,
		Meta:           meta,
		ContentSize:    contentSize,
		ContentIndices: indices,
	})
	if err != nil {
		return wrapKind(KindIO, err)
	}

	rep.Start(len(contents), contentSize)
	for _, c := range contents {
		if err := ctx.Err(); err != nil {
			return wrapKind(KindCancelled, err)
		}
		rep.StartContent(c.Chunk.ID, c.Chunk.Index, c.Chunk.Size)
		cerr := decryptContent(ctx, opts, r, w, rep, c, titleKey)
		rep.FinishContent(cerr)
		if cerr != nil {
			return fmt.Errorf("content %s: %w", c.Chunk.FileName(), cerr)
		}
	}
	if err := w.Finish(); err != nil {
		return wrapKind(KindIO, err)
	}
	if err := out.Close(); err != nil {
		return wrapKind(KindIO, err)
	}
	return nil
}

func anyEncrypted(contents []cia.Content) bool {
	for _, c := range contents {
		if c.Chunk.Encrypted() {
			return true
		}
	}
	return false
}

// normalizeTicket rebuilds the ticket in the canonical minimal shape,
// carrying over the key material of the original.
func normalizeTicket(tik *ticket.Ticket, t *tmd.TMD, indices []uint16) []byte {
	return ticket.Build(ticket.BuildParams{
		TitleID:        tik.TitleID,
		TitleKeyEnc:    tik.TitleKeyEnc,
		CommonKeyIndex: tik.CommonKeyIndex,
		TitleVersion:   t.TitleVersion,
		ContentIndices: indices,
	})
}

func decryptContent(ctx context.Context, opts DecryptOptions, r *cia.Reader, w *cia.Writer, rep Reporter, c cia.Content, titleKey [16]byte) error {
	selected, err := opts.Filter.Match(c.Chunk)
	if err != nil {
		return wrapKind(KindFormat, err)
	}

	src := io.Reader(r.ContentReader(c))

	// The TMD hash covers the content bytes as stored: CDN-encrypted
	// when the encrypted bit is set, plaintext otherwise.
	digest := sha256.New()
	src = io.TeeReader(src, digest)

	dst := &progressWriter{w: w.ContentWriter(), rep: rep}
	if !selected {
		// Filtered out: copied verbatim, outer encryption intact.
		if _, err := io.Copy(dst, src); err != nil {
			return wrapKind(KindIO, err)
		}
	} else {
		inner := src
		if c.Chunk.Encrypted() {
			if c.Chunk.Size%aes.BlockSize != 0 {
				return errKind(KindFormat, "encrypted content size 0x%X not block-aligned", c.Chunk.Size)
			}
			block, err := aes.NewCipher(titleKey[:])
			if err != nil {
				return wrapKind(KindCrypto, err)
			}
			iv := keys.ContentIV(c.Chunk.Index)
			inner = cipherio.NewBlockReader(src, cipher.NewCBCDecrypter(block, iv[:]))
		}
		if err := ncch.Transform(ctx, opts.Keys, inner, c.Chunk.Size, dst, opts.TempDir); err != nil {
			return wrapKind(KindCrypto, err)
		}
	}
	if err := w.EndContent(c.Chunk.Size); err != nil {
		return wrapKind(KindIO, err)
	}

	return checkHash(digest, c.Chunk, opts.Strict)
}

func checkHash(digest hash.Hash, c tmd.Chunk, strict bool) error {
	sum := digest.Sum(nil)
	if bytes.Equal(sum, c.Hash[:]) {
		return nil
	}
	if strict {
		return errKind(KindCrypto, "hash mismatch: TMD declares %x, content is %x", c.Hash, sum)
	}
	slog.Warn("content hash mismatch",
		"content", c.FileName(),
		"declared", fmt.Sprintf("%x", c.Hash),
		"actual", fmt.Sprintf("%x", sum))
	return nil
}
