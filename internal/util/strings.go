package util

import (
	"strings"
)

// ExtractASCII extracts a null-terminated ASCII string from a fixed
// binary field (issuers, certificate names, ExeFS file names).
func ExtractASCII(data []byte) string {
	// Find null terminator
	end := len(data)
	for i, b := range data {
		if b == 0 {
			end = i
			break
		}
	}
	return strings.TrimSpace(string(data[:end]))
}
