// Package cert splits the certificate chains that Nintendo appends to
// CDN tmd and cetk downloads. Certificates are carried as opaque,
// signed blobs; only enough structure is decoded to find their
// boundaries and names.
//
// Certificate layout:
//
//	Offset  Size   Description
//	0x00    4      Signature type (big-endian)
//	0x04    ...    Signature + alignment (size per signature type)
//	+0x00   0x40   Issuer
//	+0x40   4      Key type (big-endian)
//	+0x44   0x40   Name
//	+0x84   4      Expiration
//	+0x88   ...    Public key (size per key type)
package cert

import (
	"encoding/binary"
	"fmt"

	"github.com/devyukine/rom-converto/internal/util"
	"github.com/devyukine/rom-converto/lib/ctr/codec"
	"github.com/devyukine/rom-converto/lib/ctr/sig"
)

// Key types per 3dbrew.
const (
	KeyRSA4096 uint32 = 0
	KeyRSA2048 uint32 = 1
	KeyECC233  uint32 = 2
)

func keySize(keyType uint32) (int, error) {
	switch keyType {
	case KeyRSA4096:
		return 0x200 + 4 + 0x34, nil
	case KeyRSA2048:
		return 0x100 + 4 + 0x34, nil
	case KeyECC233:
		return 0x3C + 0x3C, nil
	default:
		return 0, fmt.Errorf("unknown certificate key type %d", keyType)
	}
}

// Certificate is one certificate, kept as raw bytes.
type Certificate struct {
	Raw    []byte
	Issuer string
	Name   string
}

// ParseChain splits a concatenated certificate chain.
func ParseChain(data []byte) ([]Certificate, error) {
	var certs []Certificate
	off := 0
	for off < len(data) {
		c, n, err := parseOne(data[off:])
		if err != nil {
			return nil, fmt.Errorf("cert %d at offset 0x%X: %w", len(certs), off, err)
		}
		certs = append(certs, c)
		off += n
	}
	return certs, nil
}

func parseOne(data []byte) (Certificate, int, error) {
	r := codec.NewReader("certificate", data)
	sigType := sig.Type(r.U32("signature type", binary.BigEndian))
	if err := r.Err(); err != nil {
		return Certificate{}, 0, err
	}
	sigSize, err := sigType.BlockSize()
	if err != nil {
		return Certificate{}, 0, err
	}
	r.Skip("signature", sigSize)
	issuer := util.ExtractASCII(r.Bytes("issuer", 0x40))
	keyType := r.U32("key type", binary.BigEndian)
	name := util.ExtractASCII(r.Bytes("name", 0x40))
	r.Skip("expiration", 4)
	if err := r.Err(); err != nil {
		return Certificate{}, 0, err
	}
	ks, err := keySize(keyType)
	if err != nil {
		return Certificate{}, 0, err
	}
	r.Skip("public key", ks)
	if err := r.Err(); err != nil {
		return Certificate{}, 0, err
	}

	n := r.Offset()
	raw := make([]byte, n)
	copy(raw, data[:n])
	return Certificate{Raw: raw, Issuer: issuer, Name: name}, n, nil
}

// FindByNamePrefix returns the first certificate whose name starts with
// the given prefix (CA, XS, CP).
func FindByNamePrefix(certs []Certificate, prefix string) (Certificate, bool) {
	for _, c := range certs {
		if len(c.Name) >= len(prefix) && c.Name[:len(prefix)] == prefix {
			return c, true
		}
	}
	return Certificate{}, false
}

// BuildChain assembles the CIA certificate chain from the certs carried
// by the cetk and tmd downloads: CA first, then the ticket (XS) cert,
// then the TMD (CP) cert. Sources that lack a cert contribute nothing;
// consumers do not verify the chain.
func BuildChain(ticketCerts, tmdCerts []Certificate) []byte {
	var out []byte
	if ca, ok := FindByNamePrefix(ticketCerts, "CA"); ok {
		out = append(out, ca.Raw...)
	} else if ca, ok := FindByNamePrefix(tmdCerts, "CA"); ok {
		out = append(out, ca.Raw...)
	}
	if xs, ok := FindByNamePrefix(ticketCerts, "XS"); ok {
		out = append(out, xs.Raw...)
	}
	if cp, ok := FindByNamePrefix(tmdCerts, "CP"); ok {
		out = append(out, cp.Raw...)
	}
	return out
}

