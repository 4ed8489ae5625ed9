package ncch

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/devyukine/rom-converto/internal/util"
	"github.com/devyukine/rom-converto/lib/ctr/codec"
)

// ExeFS header layout (0x200 bytes at the start of the ExeFS region):
//
//	Offset  Size   Description
//	0x000   10×16  File records: name (8 bytes), offset (u32 LE), size (u32 LE)
//	0x0A0   0x20   Reserved
//	0x0C0   10×32  File SHA-256 hashes, stored in reverse record order
//
// File offsets are relative to the ExeFS body, which starts 0x200
// after the ExeFS region start.

const (
	// ExeFSHeaderSize is the fixed ExeFS header size; the file body
	// area begins immediately after it.
	ExeFSHeaderSize = 0x200

	exefsFileCount = 10
	// CodeFileName is the ExeFS entry holding the ARM code binary; it
	// is the only entry encrypted with the secondary key.
	CodeFileName = ".code"
)

// ExeFSFile is one file record.
type ExeFSFile struct {
	Name   string
	Offset int64 // from the ExeFS body start
	Size   int64
}

// ParseExeFSHeader decodes the decrypted ExeFS header, returning the
// populated file records sorted by body offset.
func ParseExeFSHeader(data []byte) ([]ExeFSFile, error) {
	r := codec.NewReader("exefs header", data)
	var files []ExeFSFile
	for i := 0; i < exefsFileCount; i++ {
		name := util.ExtractASCII(r.Bytes("file name", 8))
		offset := r.U32("file offset", binary.LittleEndian)
		size := r.U32("file size", binary.LittleEndian)
		if err := r.Err(); err != nil {
			return nil, err
		}
		if size == 0 {
			continue
		}
		files = append(files, ExeFSFile{Name: name, Offset: int64(offset), Size: int64(size)})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Offset < files[j].Offset })
	for i := 1; i < len(files); i++ {
		prev, cur := files[i-1], files[i]
		if prev.Offset+prev.Size > cur.Offset {
			return nil, fmt.Errorf("exefs header: file %q overlaps %q", prev.Name, cur.Name)
		}
	}
	return files, nil
}

