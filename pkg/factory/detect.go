// Package factory is the entry point that turns a command-line path (or
// URI) into a mounted Source: magic-byte sniffing and extension
// heuristics pick the container and compression format, split-file
// naming is joined via pkg/stencil, and the resulting byte stream is
// handed to the matching pkg/archive reader and pkg/index store. The
// detection tables follow each format's own published magic bytes; one
// small function per concern, composed by Build.
package factory

import (
	"bytes"
	"strings"
)

// Format names one on-disk container or compression codec Detect can
// recognize.
type Format string

const (
	FormatUnknown  Format = ""
	FormatTar      Format = "tar"
	FormatZip      Format = "zip"
	FormatRar      Format = "rar"
	FormatSevenZip Format = "7z"
	FormatSquashFS Format = "squashfs"
	FormatSqlar    Format = "sqlar"
	FormatExt4     Format = "ext4"
	FormatFat      Format = "fat"
	FormatMime     Format = "mime"
	FormatGzip     Format = "gzip"
	FormatBzip2    Format = "bzip2"
	FormatXZ       Format = "xz"
	FormatZstd     Format = "zstd"
	FormatRaw      Format = "raw"
)

// sniffSize is how many leading bytes DetectContainer/DetectCompression
// need; ext4's superblock magic is the deepest probe, at offset 0x438.
const sniffSize = 0x438 + 2

// DetectCompression inspects the first few bytes of a stream for one of
// the four sequential-codec magics. Returns FormatUnknown if none match,
// meaning the stream is presumably already a container format or raw
// data.
func DetectCompression(header []byte) Format {
	switch {
	case len(header) >= 2 && header[0] == 0x1f && header[1] == 0x8b:
		return FormatGzip
	case len(header) >= 3 && string(header[:3]) == "BZh":
		return FormatBzip2
	case len(header) >= 6 && bytes.Equal(header[:6], []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}):
		return FormatXZ
	case len(header) >= 4 && header[0] == 0x28 && header[1] == 0xb5 && header[2] == 0x2f && header[3] == 0xfd:
		return FormatZstd
	}
	return FormatUnknown
}

// DetectContainer inspects a (possibly already decompressed) stream's
// header for one of the supported archive container magics, falling back
// to a tar-specific deep probe since ustar's magic sits at offset 257
// rather than the start of the stream.
func DetectContainer(header []byte, name string) Format {
	switch {
	case len(header) >= 4 && string(header[:4]) == "PK\x03\x04",
		len(header) >= 4 && string(header[:4]) == "PK\x05\x06",
		len(header) >= 4 && string(header[:4]) == "PK\x07\x08":
		return FormatZip
	case len(header) >= 7 && string(header[:7]) == "Rar!\x1a\x07\x00",
		len(header) >= 8 && string(header[:8]) == "Rar!\x1a\x07\x01\x00":
		return FormatRar
	case len(header) >= 6 && bytes.Equal(header[:6], []byte{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c}):
		return FormatSevenZip
	case len(header) >= 4 && (string(header[:4]) == "hsqs" || string(header[:4]) == "sqsh" || string(header[:4]) == "tqsh" || string(header[:4]) == "qshs"):
		return FormatSquashFS
	case len(header) >= 16 && string(header[:15]) == "SQLite format 3":
		return FormatSqlar
	case len(header) >= 0x438+2 && header[0x438] == 0x53 && header[0x438+1] == 0xef:
		return FormatExt4
	case len(header) >= 512 && header[510] == 0x55 && header[511] == 0xaa && hasFatSignature(header):
		return FormatFat
	case len(header) >= 263 && string(header[257:262]) == "ustar":
		return FormatTar
	case hasMimeHeaders(header):
		return FormatMime
	}
	return extensionFallback(name)
}

// hasMimeHeaders reports whether the stream opens with an RFC 5322 header
// block carrying a MIME-Version field, the reliable marker for .eml mail
// files and .mht web archives (neither has a fixed magic byte).
func hasMimeHeaders(header []byte) bool {
	for _, line := range bytes.SplitN(header, []byte("\n"), 64) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			return false // end of the header block, no MIME-Version seen
		}
		if bytes.HasPrefix(line, []byte("MIME-Version:")) {
			return true
		}
	}
	return false
}

// hasFatSignature looks for the "FAT12"/"FAT16"/"FAT32" string FAT boot
// sectors carry at a format-dependent offset, to disambiguate a generic
// 0x55AA-terminated boot sector from a FAT one.
func hasFatSignature(header []byte) bool {
	for _, off := range []int{54, 82} {
		if off+5 > len(header) {
			continue
		}
		s := string(header[off : off+5])
		if strings.HasPrefix(s, "FAT12") || strings.HasPrefix(s, "FAT16") || strings.HasPrefix(s, "FAT32") {
			return true
		}
	}
	return false
}

// extensionFallback covers containers with no header magic this deep
// into the data (bare tar without a ustar header, e.g. v7 tar) or that
// the caller already stripped compression suffixes from by the time we
// see them.
func extensionFallback(name string) Format {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar"):
		return FormatTar
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip
	case strings.HasSuffix(lower, ".rar"):
		return FormatRar
	case strings.HasSuffix(lower, ".7z"):
		return FormatSevenZip
	case strings.HasSuffix(lower, ".squashfs"), strings.HasSuffix(lower, ".sqfs"):
		return FormatSquashFS
	case strings.HasSuffix(lower, ".sqlar"):
		return FormatSqlar
	case strings.HasSuffix(lower, ".ext4"), strings.HasSuffix(lower, ".img") && strings.Contains(lower, "ext4"):
		return FormatExt4
	case strings.HasSuffix(lower, ".fat"), strings.HasSuffix(lower, ".vfat"):
		return FormatFat
	case strings.HasSuffix(lower, ".eml"), strings.HasSuffix(lower, ".mht"), strings.HasSuffix(lower, ".mhtml"):
		return FormatMime
	}
	return FormatRaw
}

// compressionExtension strips a known compression suffix from name,
// reporting the codec it implies, for callers that only have a filename
// and not yet a header (e.g. --lazy auto-mount's predicate).
func compressionExtension(name string) (Format, string) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".gz"):
		return FormatGzip, name[:len(name)-3]
	case strings.HasSuffix(lower, ".bz2"):
		return FormatBzip2, name[:len(name)-4]
	case strings.HasSuffix(lower, ".xz"):
		return FormatXZ, name[:len(name)-3]
	case strings.HasSuffix(lower, ".zst"):
		return FormatZstd, name[:len(name)-4]
	}
	return FormatUnknown, name
}

// IsRecognizedArchiveName reports whether name's extension (after
// stripping a compression suffix, if any) matches a supported container
// or a bare compressed-file passthrough, used as the auto-mount layer's
// predicate default.
func IsRecognizedArchiveName(name string) bool {
	codec, stripped := compressionExtension(name)
	if codec != FormatUnknown {
		return true
	}
	return extensionFallback(stripped) != FormatRaw
}
