// Package selfupdate replaces the running binary with the latest
// released build: release lookup, artifact download, checksum
// verification, and an atomic rename over the current executable.
package selfupdate

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// DefaultRepo is the release source.
const DefaultRepo = "DevYukine/rom-converto"

const checksumsAsset = "checksums.txt"

// NetworkError marks failures reaching the release host, mapped to its
// own exit code by the CLI.
type NetworkError struct{ Err error }

func (e *NetworkError) Error() string { return fmt.Sprintf("network: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// Asset is one downloadable release artifact.
type Asset struct {
	Name string `json:"name"`
	URL  string `json:"browser_download_url"`
	Size int64  `json:"size"`
}

// Release is a published release.
type Release struct {
	Version string  `json:"tag_name"`
	HTMLURL string  `json:"html_url"`
	Assets  []Asset `json:"assets"`
}

// Updater drives the self-update.
type Updater struct {
	// Repo is the owner/name release source.
	Repo string
	// Version is the currently running version.
	Version string
	// BinaryPath overrides the executable to replace; empty resolves
	// the running binary.
	BinaryPath string
	// BaseURL overrides the API host for tests.
	BaseURL string
	// Client is the HTTP client; nil uses a 30-second-timeout default.
	Client *http.Client
}

func (u *Updater) client() *http.Client {
	if u.Client != nil {
		return u.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (u *Updater) baseURL() string {
	if u.BaseURL != "" {
		return u.BaseURL
	}
	return "https://api.github.com"
}

// Latest fetches the newest release.
func (u *Updater) Latest(ctx context.Context) (*Release, error) {
	url := fmt.Sprintf("%s/repos/%s/releases/latest", u.baseURL(), u.Repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := u.client().Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &NetworkError{Err: fmt.Errorf("release lookup: HTTP %d", resp.StatusCode)}
	}

	var rel Release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, fmt.Errorf("release lookup: %w", err)
	}
	return &rel, nil
}

// UpToDate reports whether the release matches the running version.
func (u *Updater) UpToDate(rel *Release) bool {
	return strings.TrimPrefix(rel.Version, "v") == strings.TrimPrefix(u.Version, "v")
}

// binaryAsset picks the artifact for this platform. Artifacts are
// named rom-converto_<os>_<arch> with an .xz or .zst compression
// suffix.
func (u *Updater) binaryAsset(rel *Release) (Asset, bool) {
	base := fmt.Sprintf("rom-converto_%s_%s", runtime.GOOS, runtime.GOARCH)
	if runtime.GOOS == "windows" {
		base += ".exe"
	}
	for _, ext := range []string{".xz", ".zst"} {
		for _, a := range rel.Assets {
			if a.Name == base+ext {
				return a, true
			}
		}
	}
	return Asset{}, false
}

func findAsset(rel *Release, name string) (Asset, bool) {
	for _, a := range rel.Assets {
		if a.Name == name {
			return a, true
		}
	}
	return Asset{}, false
}

// Apply downloads the platform artifact, verifies its checksum against
// the release checksum manifest, and atomically replaces the binary.
// The old binary stays in place untouched on any failure.
func (u *Updater) Apply(ctx context.Context, rel *Release) error {
	asset, ok := u.binaryAsset(rel)
	if !ok {
		return fmt.Errorf("release %s has no artifact for %s/%s", rel.Version, runtime.GOOS, runtime.GOARCH)
	}

	wantSum, err := u.fetchChecksum(ctx, rel, asset.Name)
	if err != nil {
		return err
	}

	compressed, err := u.download(ctx, asset)
	if err != nil {
		return err
	}
	gotSum := sha256.Sum256(compressed)
	if !strings.EqualFold(hex.EncodeToString(gotSum[:]), wantSum) {
		return fmt.Errorf("checksum mismatch for %s: manifest %s, downloaded %x", asset.Name, wantSum, gotSum)
	}

	binary, err := decompress(asset.Name, compressed)
	if err != nil {
		return err
	}

	target := u.BinaryPath
	if target == "" {
		target, err = os.Executable()
		if err != nil {
			return err
		}
		if target, err = filepath.EvalSymlinks(target); err != nil {
			return err
		}
	}

	// Stage in the target directory so the final rename stays on one
	// filesystem.
	staged, err := os.CreateTemp(filepath.Dir(target), ".rom-converto-update-*")
	if err != nil {
		return err
	}
	defer os.Remove(staged.Name())
	if _, err := staged.Write(binary); err != nil {
		staged.Close()
		return err
	}
	if err := staged.Chmod(0o755); err != nil {
		staged.Close()
		return err
	}
	if err := staged.Close(); err != nil {
		return err
	}
	return os.Rename(staged.Name(), target)
}

func (u *Updater) fetchChecksum(ctx context.Context, rel *Release, assetName string) (string, error) {
	manifest, ok := findAsset(rel, checksumsAsset)
	if !ok {
		return "", fmt.Errorf("release %s has no %s", rel.Version, checksumsAsset)
	}
	data, err := u.download(ctx, manifest)
	if err != nil {
		return "", err
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[1] == assetName {
			return fields[0], nil
		}
	}
	return "", fmt.Errorf("%s has no entry for %s", checksumsAsset, assetName)
}

func (u *Updater) download(ctx context.Context, asset Asset) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := u.client().Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &NetworkError{Err: fmt.Errorf("download %s: HTTP %d", asset.Name, resp.StatusCode)}
	}
	return io.ReadAll(resp.Body)
}

func decompress(name string, data []byte) ([]byte, error) {
	switch {
	case strings.HasSuffix(name, ".xz"):
		r, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decompress %s: %w", name, err)
		}
		return io.ReadAll(r)
	case strings.HasSuffix(name, ".zst"):
		r, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return r.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("unsupported artifact compression: %s", name)
	}
}
