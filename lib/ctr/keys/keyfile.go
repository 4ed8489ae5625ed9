package keys

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/devyukine/rom-converto/lib/ctr/crypto"
)

// Key files hold one `name=hex` entry per line, `#` comments allowed.
// Recognized names: common0..common5, keyx0x2c, keyx0x25, keyx0x18,
// keyx0x1b. A file may instead be passphrase-protected: a CKEYS1 header
// followed by the encrypted line payload (see encryptedKeyFile).

const keyFileMagic = "CKEYS1"

// encryptedKeyFile layout:
//
//	Offset  Size  Description
//	0x00    6     Magic "CKEYS1"
//	0x06    16    PBKDF2 salt
//	0x16    4     PBKDF2 iteration count (little-endian)
//	0x1A    16    AES-CBC IV
//	0x2A    ...   AES-128-CBC payload, PKCS#7 padded
//
// The file key is PBKDF2-HMAC-SHA1(passphrase, salt, iterations, 16).

// FromKeyFile builds a Provider from a key file, falling back to the
// environment for anything the file does not define.
func FromKeyFile(path string) (*Provider, error) {
	p, err := FromEnv()
	if err != nil {
		return nil, err
	}
	if err := p.loadKeyFile(path); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) loadKeyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("key file: %w", err)
	}

	if bytes.HasPrefix(data, []byte(keyFileMagic)) {
		data, err = decryptKeyFile(data, os.Getenv(EnvKeyfilePassphrase))
		if err != nil {
			return fmt.Errorf("key file %s: %w", path, err)
		}
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("key file %s line %d: want name=hex", path, lineNo)
		}
		if err := p.setNamedKey(strings.TrimSpace(name), strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("key file %s line %d: %w", path, lineNo, err)
		}
	}
	return scanner.Err()
}

func (p *Provider) setNamedKey(name, value string) error {
	k, err := parseKey(value)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	name = strings.ToLower(name)
	switch {
	case strings.HasPrefix(name, "common"):
		var idx int
		if _, err := fmt.Sscanf(name, "common%d", &idx); err != nil || idx < 0 || idx >= CommonKeyCount {
			return fmt.Errorf("unknown key name %q", name)
		}
		key := k
		p.common[idx] = &key
	case strings.HasPrefix(name, "keyx"):
		slot, err := parseSlot(strings.TrimPrefix(name, "keyx"))
		if err != nil {
			return err
		}
		p.keyX[slot] = k
	default:
		return fmt.Errorf("unknown key name %q", name)
	}
	return nil
}

func decryptKeyFile(data []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("encrypted key file needs %s", EnvKeyfilePassphrase)
	}
	const headerSize = len(keyFileMagic) + 16 + 4 + 16
	if len(data) < headerSize || (len(data)-headerSize)%16 != 0 || len(data) == headerSize {
		return nil, fmt.Errorf("truncated encrypted key file")
	}
	salt := data[6:22]
	iter := int(binary.LittleEndian.Uint32(data[22:26]))
	iv := data[26:42]
	payload := data[42:]

	fileKey := pbkdf2.Key([]byte(passphrase), salt, iter, 16, sha1.New)
	dec, err := crypto.NewCBCDecrypter(fileKey, iv)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(payload))
	if err := dec.Process(plain, payload); err != nil {
		return nil, err
	}

	// PKCS#7: a wrong passphrase almost always surfaces here.
	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > 16 || pad > len(plain) {
		return nil, fmt.Errorf("bad padding (wrong passphrase?)")
	}
	for _, b := range plain[len(plain)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("bad padding (wrong passphrase?)")
		}
	}
	return plain[:len(plain)-pad], nil
}

// EncryptKeyFile wraps plaintext key-file content for storage. Used by
// tests and by operators preparing a protected key file.
func EncryptKeyFile(plain []byte, passphrase string, salt [16]byte, iv [16]byte, iterations int) ([]byte, error) {
	pad := 16 - len(plain)%16
	padded := make([]byte, len(plain)+pad)
	copy(padded, plain)
	for i := len(plain); i < len(padded); i++ {
		padded[i] = byte(pad)
	}

	fileKey := pbkdf2.Key([]byte(passphrase), salt[:], iterations, 16, sha1.New)
	enc, err := crypto.NewCBCEncrypter(fileKey, iv[:])
	if err != nil {
		return nil, err
	}
	ct := make([]byte, len(padded))
	if err := enc.Process(ct, padded); err != nil {
		return nil, err
	}

	out := make([]byte, 0, 42+len(ct))
	out = append(out, keyFileMagic...)
	out = append(out, salt[:]...)
	out = binary.LittleEndian.AppendUint32(out, uint32(iterations))
	out = append(out, iv[:]...)
	out = append(out, ct...)
	return out, nil
}
