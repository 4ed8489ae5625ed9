// Package pipeline wires the CDN scanner, key derivation, NCCH
// transformer, and CIA reader/writer into the two top-level operations:
// packaging a CDN directory into a CIA and decrypting a CIA for
// emulator ingestion. One content is processed at a time; contents are
// emitted in ascending content-index order and partial outputs are
// removed on fatal errors.
package pipeline

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/devyukine/rom-converto/lib/ctr/cdn"
	"github.com/devyukine/rom-converto/lib/ctr/cert"
	"github.com/devyukine/rom-converto/lib/ctr/cia"
	"github.com/devyukine/rom-converto/lib/ctr/ticket"
	"github.com/devyukine/rom-converto/lib/ctr/tmd"
)

// PackOptions configure the CDN→CIA packager.
type PackOptions struct {
	InputDir   string
	OutputPath string

	// TitleKeyHex is the encrypted title key used to synthesize a
	// ticket when the CDN set has no cetk.
	TitleKeyHex string

	Reporter Reporter
}

// Pack assembles a CIA from a CDN directory. Contents are copied
// verbatim; they stay CDN-encrypted.
func Pack(ctx context.Context, opts PackOptions) (err error) {
	rep := opts.Reporter
	if rep == nil {
		rep = NopReporter()
	}
	defer rep.Done()

	set, err := cdn.Scan(opts.InputDir)
	if err != nil {
		return wrapKind(KindInputMissing, err)
	}

	ticketRaw, ticketCerts, err := packTicket(set, opts.TitleKeyHex)
	if err != nil {
		return err
	}

	tmdCerts, err := cert.ParseChain(set.TMD.Certs)
	if err != nil {
		return wrapKind(KindFormat, err)
	}

	chunks := sortedChunks(set.TMD)
	indices := make([]uint16, 0, len(chunks))
	var contentSize int64
	for _, c := range chunks {
		if _, ok := set.Contents[c.Index]; !ok {
			continue // optional content absent from the set
		}
		indices = append(indices, c.Index)
		contentSize += c.Size
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
		CertChain:      cert.BuildChain(ticketCerts, tmdCerts),
		Ticket:         ticketRaw,
		TMD:            set.TMD.Raw,
		ContentSize:    contentSize,
		ContentIndices: indices,
	})
	if err != nil {
		return wrapKind(KindIO, err)
	}

	rep.Start(len(indices), contentSize)
	for _, c := range chunks {
		path, ok := set.Contents[c.Index]
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return wrapKind(KindCancelled, err)
		}
		rep.StartContent(c.ID, c.Index, c.Size)
		cerr := packContent(w, rep, path, c)
		rep.FinishContent(cerr)
		if cerr != nil {
			return wrapKind(KindIO, fmt.Errorf("content %s: %w", c.FileName(), cerr))
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

func packContent(w *cia.Writer, rep Reporter, path string, c tmd.Chunk) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() != c.Size {
		return fmt.Errorf("file is %d bytes, TMD declares %d", info.Size(), c.Size)
	}
	return w.WriteContent(&progressReader{r: f, rep: rep}, c.Size)
}

// packTicket reads the cetk, or synthesizes a ticket from the supplied
// title key when the set has none.
func packTicket(set *cdn.Set, titleKeyHex string) ([]byte, []cert.Certificate, error) {
	if set.TicketPath != "" {
		data, err := os.ReadFile(set.TicketPath)
		if err != nil {
			return nil, nil, wrapKind(KindInputMissing, err)
		}
		tik, err := ticket.Parse(data)
		if err != nil {
			return nil, nil, wrapKind(KindFormat, err)
		}
		certs, err := cert.ParseChain(tik.Certs)
		if err != nil {
			return nil, nil, wrapKind(KindFormat, err)
		}
		return tik.Raw, certs, nil
	}

	if titleKeyHex == "" {
		return nil, nil, errKind(KindInputMissing, "no cetk in %s: pass --title-key to synthesize a ticket", set.Dir)
	}
	keyBytes, err := hex.DecodeString(titleKeyHex)
	if err != nil || len(keyBytes) != 16 {
		return nil, nil, errKind(KindCrypto, "title key must be 16 hex-encoded bytes")
	}
	var titleKey [16]byte
	copy(titleKey[:], keyBytes)

	indices := make([]uint16, 0, len(set.TMD.Chunks))
	for _, c := range set.TMD.Chunks {
		indices = append(indices, c.Index)
	}
	slog.Debug("synthesizing ticket", "title_id", fmt.Sprintf("%016X", set.TMD.TitleID), "contents", len(indices))
	raw := ticket.Build(ticket.BuildParams{
		TitleID:        set.TMD.TitleID,
		TitleKeyEnc:    titleKey,
		CommonKeyIndex: 0,
		TitleVersion:   set.TMD.TitleVersion,
		ContentIndices: indices,
	})
	return raw, nil, nil
}

func sortedChunks(t *tmd.TMD) []tmd.Chunk {
	chunks := make([]tmd.Chunk, len(t.Chunks))
	copy(chunks, t.Chunks)
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Index < chunks[j].Index })
	return chunks
}

// progressReader reports bytes as they are consumed from a content
// source.
type progressReader struct {
	r   io.Reader
	rep Reporter
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.rep.Progress(int64(n))
	}
	return n, err
}
