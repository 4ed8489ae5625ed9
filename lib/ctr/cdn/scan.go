// Package cdn scans Nintendo CDN title directories: a TMD, the
// encrypted content blobs it references, and optionally a cetk ticket.
package cdn

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/devyukine/rom-converto/lib/ctr/tmd"
)

// TicketFileName is the CDN ticket file name.
const TicketFileName = "cetk"

// Set is the result of scanning a CDN directory.
type Set struct {
	Dir string

	// TMDPath is the selected TMD file (highest-versioned when several
	// exist).
	TMDPath string
	TMD     *tmd.TMD

	// TicketPath is the cetk file, or empty when the set has none.
	TicketPath string

	// Contents maps each required content index to its file path.
	// Optional contents missing from the directory are absent here.
	Contents map[uint16]string
}

// Scan classifies the files of a CDN directory and parses the TMD.
func Scan(dir string) (*Set, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cdn: %w", err)
	}

	set := &Set{Dir: dir, Contents: make(map[uint16]string)}

	// Content candidates by lowercase 8-hex-digit basename.
	candidates := make(map[string]string)
	bestRank := -2

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(dir, name)
		switch {
		case name == TicketFileName:
			set.TicketPath = path
		case isTMDName(name):
			if rank := tmdRank(name); rank > bestRank {
				bestRank = rank
				set.TMDPath = path
			}
		case isContentName(name):
			candidates[strings.ToLower(name)] = path
		}
	}

	if set.TMDPath == "" {
		return nil, fmt.Errorf("cdn: no TMD found in %s", dir)
	}

	data, err := os.ReadFile(set.TMDPath)
	if err != nil {
		return nil, fmt.Errorf("cdn: %w", err)
	}
	set.TMD, err = tmd.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("cdn: %s: %w", filepath.Base(set.TMDPath), err)
	}

	var missing []string
	for _, chunk := range set.TMD.Chunks {
		path, ok := candidates[chunk.FileName()]
		if !ok {
			if chunk.Optional() {
				continue
			}
			missing = append(missing, chunk.FileName())
			continue
		}
		set.Contents[chunk.Index] = path
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("cdn: missing content files: %s", strings.Join(missing, ", "))
	}
	return set, nil
}

// isTMDName matches `tmd` and `tmd.NNN`.
func isTMDName(name string) bool {
	if name == "tmd" {
		return true
	}
	suffix, ok := strings.CutPrefix(name, "tmd.")
	if !ok || suffix == "" {
		return false
	}
	_, err := strconv.ParseUint(suffix, 10, 32)
	return err == nil
}

// tmdRank orders TMD candidates: bare `tmd` ranks below any numeric
// suffix.
func tmdRank(name string) int {
	suffix, ok := strings.CutPrefix(name, "tmd.")
	if !ok {
		return -1
	}
	n, err := strconv.ParseUint(suffix, 10, 31)
	if err != nil {
		return -1
	}
	return int(n)
}

// isContentName matches 8-hex-digit CDN content names, case-insensitive.
func isContentName(name string) bool {
	if len(name) != 8 {
		return false
	}
	for _, c := range name {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
