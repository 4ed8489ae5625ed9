package ncch

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/devyukine/rom-converto/lib/ctr/crypto"
	"github.com/devyukine/rom-converto/lib/ctr/keys"
)

// chunkSize is the streaming granularity for region crypto. Must be a
// multiple of the AES block size.
const chunkSize = 1 << 20

// Transform decrypts one NCCH content. r streams the content plaintext
// relative to the CDN layer (the caller unwraps CDN CBC encryption
// first); the decrypted NCCH is written to w in the input's layout, with
// only the header's crypto-method byte (flags[3]) and bit flags
// (flags[7]) rewritten. spillDir hosts the
// per-content ExeFS spill file.
//
// Contents that are not NCCH partitions, or that are already decrypted
// (no-crypto flag) or keyed with the fixed debug key, are copied
// verbatim.
func Transform(ctx context.Context, provider *keys.Provider, r io.Reader, size int64, w io.Writer, spillDir string) error {
	if size < HeaderSize {
		_, err := io.Copy(w, r)
		return err
	}

	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("ncch: read header: %w", err)
	}
	if !IsNCCH(header) {
		return passthrough(w, header, r)
	}
	h, err := ParseHeader(header)
	if err != nil {
		return err
	}
	if h.NoCrypto || h.FixedKey {
		return passthrough(w, header, r)
	}

	primary, err := provider.NCCHPrimaryKey(h.KeyY())
	if err != nil {
		return err
	}
	secondary, err := provider.NCCHSecondaryKey(h.Method, h.KeyY(), h.SeedCrypto, h.ProgramID)
	if err != nil {
		return err
	}

	regions, err := h.cryptoRegions(size)
	if err != nil {
		return err
	}

	MarkDecrypted(header)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("ncch: write header: %w", err)
	}

	pos := int64(HeaderSize)
	for _, reg := range regions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := io.CopyN(w, r, reg.offset-pos); err != nil {
			return fmt.Errorf("ncch: copy to region %s: %w", reg.name, err)
		}
		if err := reg.process(ctx, h, primary, secondary, r, w, spillDir); err != nil {
			return fmt.Errorf("ncch: %s: %w", reg.name, err)
		}
		pos = reg.offset + reg.size
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("ncch: copy trailer: %w", err)
	}
	return nil
}

func passthrough(w io.Writer, header []byte, r io.Reader) error {
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := io.Copy(w, r)
	return err
}

type region struct {
	name    string
	offset  int64
	size    int64
	process func(ctx context.Context, h *Header, primary, secondary crypto.Key, r io.Reader, w io.Writer, spillDir string) error
}

// cryptoRegions lists the encrypted regions in stream order and
// validates their bounds against the content size.
func (h *Header) cryptoRegions(size int64) ([]region, error) {
	var regions []region
	if h.ExHeaderSize > 0 {
		regions = append(regions, region{
			name: "exheader", offset: HeaderSize, size: ExHeaderRegionSize,
			process: processExHeader,
		})
	}
	if h.ExeFSSize > 0 {
		regions = append(regions, region{
			name: "exefs", offset: h.ExeFSOffset, size: h.ExeFSSize,
			process: processExeFS,
		})
	}
	if h.RomFSSize > 0 {
		regions = append(regions, region{
			name: "romfs", offset: h.RomFSOffset, size: h.RomFSSize,
			process: processRomFS,
		})
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].offset < regions[j].offset })

	pos := int64(HeaderSize)
	for _, reg := range regions {
		if reg.offset < pos {
			return nil, fmt.Errorf("ncch: region %s at 0x%X overlaps previous region ending at 0x%X", reg.name, reg.offset, pos)
		}
		if reg.offset+reg.size > size {
			return nil, fmt.Errorf("ncch: region %s [0x%X, 0x%X) exceeds content size 0x%X", reg.name, reg.offset, reg.offset+reg.size, size)
		}
		pos = reg.offset + reg.size
	}
	return regions, nil
}

func processExHeader(ctx context.Context, h *Header, primary, _ crypto.Key, r io.Reader, w io.Writer, _ string) error {
	buf := make([]byte, ExHeaderRegionSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	stream, err := crypto.NewCTRStream(primary[:], RegionCounter(h.PartitionID, RegionExHeader))
	if err != nil {
		return err
	}
	stream.XORKeyStream(buf, buf)
	_, err = w.Write(buf)
	return err
}

func processRomFS(ctx context.Context, h *Header, _, secondary crypto.Key, r io.Reader, w io.Writer, _ string) error {
	stream, err := crypto.NewCTRStream(secondary[:], RegionCounter(h.PartitionID, RegionRomFS))
	if err != nil {
		return err
	}
	return cryptCopy(ctx, w, r, h.RomFSSize, stream)
}

// processExeFS spills the region to a temp file: the header's file
// records must be decrypted and parsed before the bodies, and the
// bodies each restart the counter at their own offset with their own
// key.
func processExeFS(ctx context.Context, h *Header, primary, secondary crypto.Key, r io.Reader, w io.Writer, spillDir string) error {
	if h.ExeFSSize < ExeFSHeaderSize {
		return fmt.Errorf("region of 0x%X bytes too small for header", h.ExeFSSize)
	}

	spill, err := os.CreateTemp(spillDir, "exefs-*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		spill.Close()
		os.Remove(spill.Name())
	}()
	if _, err := io.CopyN(spill, r, h.ExeFSSize); err != nil {
		return err
	}

	counter := RegionCounter(h.PartitionID, RegionExeFS)

	// Header: file table and hashes, primary key.
	hdr := make([]byte, ExeFSHeaderSize)
	if _, err := spill.ReadAt(hdr, 0); err != nil {
		return err
	}
	stream, err := crypto.NewCTRStream(primary[:], counter)
	if err != nil {
		return err
	}
	stream.XORKeyStream(hdr, hdr)
	files, err := ParseExeFSHeader(hdr)
	if err != nil {
		return err
	}
	if _, err := spill.WriteAt(hdr, 0); err != nil {
		return err
	}

	// File bodies: .code uses the secondary key, everything else the
	// primary key. Bytes between files are table-invisible padding and
	// stay as stored.
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := ExeFSHeaderSize + file.Offset
		if start+file.Size > h.ExeFSSize {
			return fmt.Errorf("file %q [0x%X, 0x%X) exceeds region of 0x%X bytes", file.Name, start, start+file.Size, h.ExeFSSize)
		}
		key := primary
		if file.Name == CodeFileName {
			key = secondary
		}
		stream, err := crypto.NewCTRStream(key[:], counter)
		if err != nil {
			return err
		}
		stream.Seek(start)
		if err := cryptAt(ctx, spill, start, file.Size, stream); err != nil {
			return fmt.Errorf("file %q: %w", file.Name, err)
		}
	}

	if _, err := spill.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err = io.Copy(w, io.LimitReader(spill, h.ExeFSSize))
	return err
}

// cryptCopy streams n bytes from r to w through an AES-CTR stream.
func cryptCopy(ctx context.Context, w io.Writer, r io.Reader, n int64, stream *crypto.CTRStream) error {
	buf := make([]byte, chunkSize)
	for n > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		want := int64(len(buf))
		if n < want {
			want = n
		}
		read, err := io.ReadFull(r, buf[:want])
		if err != nil {
			return err
		}
		stream.XORKeyStream(buf[:read], buf[:read])
		if _, err := w.Write(buf[:read]); err != nil {
			return err
		}
		n -= int64(read)
	}
	return nil
}

// cryptAt rewrites [off, off+n) of a spill file in place through an
// AES-CTR stream already positioned at off.
func cryptAt(ctx context.Context, f *os.File, off, n int64, stream *crypto.CTRStream) error {
	buf := make([]byte, chunkSize)
	for n > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		want := int64(len(buf))
		if n < want {
			want = n
		}
		if _, err := f.ReadAt(buf[:want], off); err != nil {
			return err
		}
		stream.XORKeyStream(buf[:want], buf[:want])
		if _, err := f.WriteAt(buf[:want], off); err != nil {
			return err
		}
		off += want
		n -= want
	}
	return nil
}
