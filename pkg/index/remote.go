package index

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// PrepareLocal makes a remote or compressed index path usable: a URL is
// downloaded and a .gz/.xz/.zst file is decompressed into a temp file,
// yielding a local, plain-sqlite path ready for Open. When path is
// already a local, uncompressed file, it is returned unchanged.
func PrepareLocal(path string) (string, error) {
	local := path
	if isURL(path) {
		downloaded, err := downloadToTemp(path)
		if err != nil {
			return "", fmt.Errorf("index: download %s: %w", path, err)
		}
		local = downloaded
	}

	switch {
	case strings.HasSuffix(local, ".gz"):
		return decompressToTemp(local, func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) })
	case strings.HasSuffix(local, ".xz"):
		return decompressToTemp(local, func(r io.Reader) (io.Reader, error) { return xz.NewReader(r) })
	case strings.HasSuffix(local, ".zst"):
		return decompressToTemp(local, func(r io.Reader) (io.Reader, error) {
			d, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return d.IOReadCloser(), nil
		})
	default:
		return local, nil
	}
}

func isURL(path string) bool {
	u, err := url.Parse(path)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// isCompressedIndexName matches the compressed index-file suffixes
// PrepareLocal can decompress (.gz, .xz, .zst).
func isCompressedIndexName(path string) bool {
	return strings.HasSuffix(path, ".gz") || strings.HasSuffix(path, ".xz") || strings.HasSuffix(path, ".zst")
}

func downloadToTemp(rawURL string) (string, error) {
	resp, err := http.Get(rawURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	f, err := os.CreateTemp("", "arcmount-index-*.download")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", err
	}
	return f.Name(), nil
}

func decompressToTemp(path string, newReader func(io.Reader) (io.Reader, error)) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()

	dr, err := newReader(in)
	if err != nil {
		return "", fmt.Errorf("open decompressor: %w", err)
	}

	out, err := os.CreateTemp("", "arcmount-index-*.sqlite")
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, dr); err != nil {
		return "", fmt.Errorf("decompress: %w", err)
	}
	return out.Name(), nil
}

// CleanupTemp removes a file produced by PrepareLocal if it differs from
// the original path (i.e. it really was a downloaded/decompressed copy).
func CleanupTemp(original, prepared string) {
	if prepared != original {
		os.Remove(prepared)
	}
}
