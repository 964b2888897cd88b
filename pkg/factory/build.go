package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/arcmount/arcmount/pkg/archive"
	"github.com/arcmount/arcmount/pkg/common"
	"github.com/arcmount/arcmount/pkg/index"
	"github.com/arcmount/arcmount/pkg/mountsource"
)

// Mount is everything Build hands back: the assembled Source tree ready
// for the FUSE adapter. The index store and underlying archive reader
// live inside that tree's ArchiveSource, which keeps them open until the
// tree is closed (ArchiveSource.Open/Read call straight through to the
// reader — see pkg/mountsource/archivesource.go).
type Mount struct {
	Source mountsource.Source
}

// Build resolves opts.Path into a mounted Source: detect compression and
// container format, build or load the archive index, and (if
// opts.Recursive) wrap the result in the auto-mount recursion layer.
// Ctx bounds any remote network calls (S3 HeadObject/GetObject, HTTP
// HEAD/GET); remote byte sources keep it and use it for their later
// range reads as well.
func Build(ctx context.Context, opts Options) (*Mount, error) {
	src, fingerprintSrc, localPath, err := openByteSource(ctx, opts.Path)
	if err != nil {
		return nil, fmt.Errorf("factory: open %s: %w", opts.Path, err)
	}

	header := make([]byte, sniffSize)
	n, _ := src.ReadAt(header, 0)
	header = header[:n]

	name := filepath.Base(opts.Path)
	container := name
	compression := DetectCompression(header)
	var blockSrc archive.ByteSource = src
	var compressedMtime time.Time
	if st, statErr := os.Stat(opts.Path); statErr == nil {
		compressedMtime = st.ModTime()
	}

	fp := common.Fingerprint{Size: fingerprintSrc.Len()}
	if st, statErr := os.Stat(opts.Path); statErr == nil {
		fp.Mtime = st.ModTime()
	}

	readerCfgBytes, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("factory: marshal reader config: %w", err)
	}
	readerCfg := string(readerCfgBytes)

	loc, err := index.Locate(index.LocateOptions{
		ExplicitPath:      opts.IndexFile,
		ArchiveDir:        filepath.Dir(opts.Path),
		ExtraFolders:      opts.IndexFolders,
		InMemoryThreshold: opts.InMemoryThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("factory: locate index: %w", err)
	}

	var store *index.Store
	if !opts.RecreateIndex && !loc.InMemory {
		if existing, openErr := index.Open(loc.Path); openErr == nil {
			if valErr := existing.Validate(fp, readerCfg, opts.VerifyMtime); valErr == nil {
				store = existing
			} else {
				existing.Close()
			}
		}
	}

	var reader archive.Reader
	if store != nil {
		// Reopen the same container/compression chain over src for a
		// reused index, without re-walking the archive.
		if compression != FormatUnknown {
			table, tErr := blockIndexTable(compression)
			if tErr != nil {
				store.Close()
				return nil, tErr
			}
			blob, ok, bErr := store.BlockIndexBlob(table, 0)
			if bErr != nil || !ok {
				store.Close()
				store = nil
			} else if r, lErr := loadBlockIndex(compression, blob, src, opts.GzipSeekPointSpacingMiB, opts.Parallelization); lErr != nil {
				store.Close()
				store = nil
			} else {
				blockSrc = r
				container = strippedName(name, compression)
			}
		}
		if store != nil {
			var isContainer bool
			reader, isContainer, err = openContainerReader(container, blockSrc, localPath, opts)
			if err != nil {
				store.Close()
				return nil, err
			}
			if !isContainer {
				reader = archive.NewRawReader(blockSrc, container, compressedMtime)
			}
		}
	}

	if store == nil {
		blockSrc = src
		var blockBlob []byte
		var table string
		if compression != FormatUnknown {
			table, err = blockIndexTable(compression)
			if err != nil {
				return nil, err
			}
			r, blob, bErr := buildBlockIndex(compression, src, opts.GzipSeekPointSpacingMiB, opts.Parallelization)
			if bErr != nil {
				return nil, bErr
			}
			blockSrc = r
			blockBlob = blob
			container = strippedName(name, compression)
		}

		var isContainer bool
		reader, isContainer, err = openContainerReader(container, blockSrc, localPath, opts)
		if err != nil {
			return nil, err
		}
		if !isContainer {
			// No recognizable container inside: mount the decompressed
			// stream itself as the lone entry.
			reader = archive.NewRawReader(blockSrc, container, compressedMtime)
		}

		builder, bErr := builderFor(loc, fp, readerCfg)
		if bErr != nil {
			reader.Close()
			return nil, bErr
		}
		if compression != FormatUnknown {
			if pErr := builder.PutBlockIndexBlob(table, 0, blockBlob); pErr != nil {
				builder.Abort()
				reader.Close()
				return nil, pErr
			}
		}
		if wErr := reader.Walk(func(e *common.Entry) error { return builder.InsertEntry(e) }); wErr != nil {
			builder.Abort()
			reader.Close()
			return nil, fmt.Errorf("factory: walk %s: %w", opts.Path, wErr)
		}
		if cErr := builder.Commit(); cErr != nil {
			reader.Close()
			return nil, fmt.Errorf("factory: commit index: %w", cErr)
		}
		if loc.InMemory || loc.ReadOnly {
			store, err = builder.Store()
		} else {
			store, err = index.Open(loc.Path)
		}
		if err != nil {
			reader.Close()
			return nil, fmt.Errorf("factory: open freshly built index: %w", err)
		}
	}

	var result mountsource.Source = mountsource.NewArchiveSource(store, reader)
	if opts.Recursive {
		result = wrapRecursive(result, opts)
	}
	return &Mount{Source: result}, nil
}

// builderFor starts the right kind of index.Builder for loc, matching
// the fallback-folder vs. in-memory decision Locate already made. A
// read-only location (a downloaded or decompressed explicit index) that
// failed validation is never rebuilt in place; the rebuild goes to
// memory instead.
func builderFor(loc index.Location, fp common.Fingerprint, readerCfg string) (*index.Builder, error) {
	if loc.InMemory || loc.ReadOnly {
		return index.NewMemoryBuilder(fp, readerCfg)
	}
	return index.NewBuilder(loc.Path, fp, readerCfg)
}

// strippedName removes a recognized compression suffix so the inner
// container format can be detected/named without it.
func strippedName(name string, codec Format) string {
	_, stripped := compressionExtension(name)
	if stripped == name {
		// Detection came from magic bytes rather than the extension
		// (e.g. a gzip file with no .gz suffix); still strip a known
		// suffix if present, otherwise leave the name as-is so
		// extensionFallback on the now-decompressed header decides.
		return name
	}
	return stripped
}

// openByteSource resolves opts' path into a ByteSource, transparently
// handling s3://, http(s)://, and split-file (foo.tar.001) local inputs.
// Returns the primary source to read from, a (possibly identical) source
// to derive Len() from for fingerprinting, and a local filesystem path
// when one exists (required by NewSqlarReader; empty for remote sources).
func openByteSource(ctx context.Context, path string) (archive.ByteSource, archive.ByteSource, string, error) {
	switch {
	case strings.HasPrefix(path, "s3://"):
		bucket, key, err := parseS3URL(path)
		if err != nil {
			return nil, nil, "", err
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, "", fmt.Errorf("factory: load aws config: %w", err)
		}
		client := s3.NewFromConfig(cfg)
		src, err := archive.NewS3ByteSource(ctx, client, bucket, key)
		if err != nil {
			return nil, nil, "", err
		}
		return src, src, "", nil

	case strings.HasPrefix(path, "http://"), strings.HasPrefix(path, "https://"):
		src, err := archive.NewHTTPByteSource(ctx, nil, path)
		if err != nil {
			return nil, nil, "", err
		}
		return src, src, "", nil

	default:
		if siblings, err := splitSiblings(path); err != nil {
			return nil, nil, "", err
		} else if siblings != nil {
			joined, err := openJoinedLocal(siblings)
			if err != nil {
				return nil, nil, "", err
			}
			return joined, joined, "", nil
		}
		local, err := archive.OpenLocal(path)
		if err != nil {
			return nil, nil, "", err
		}
		return local, local, path, nil
	}
}

// openWithPasswords tries each candidate password in order, returning
// the first successful open. If every candidate fails, it surfaces a
// single error naming how many passwords were exhausted.
func openWithPasswords(candidates []string, open func(password string) (archive.Reader, error)) (archive.Reader, error) {
	var lastErr error
	for _, password := range candidates {
		r, err := open(password)
		if err == nil {
			return r, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("factory: exhausted %d password candidate(s), last error: %w", len(candidates), lastErr)
}

func parseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("factory: parse %s: %w", raw, err)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// openContainerReader dispatches to the format-specific archive.Reader
// constructor for src's detected container format. ok is false when src is
// neither a recognized container nor plausibly a bare tar (extensionFallback
// found nothing either), meaning the caller should fall back to treating
// src as a single raw file rather than forcing a TarReader on it.
func openContainerReader(name string, src archive.ByteSource, localPath string, opts Options) (reader archive.Reader, ok bool, err error) {
	header := make([]byte, sniffSize)
	n, _ := src.ReadAt(header, 0)
	header = header[:n]

	format := DetectContainer(header, name)
	switch format {
	case FormatZip:
		r, err := archive.NewZipReader(src)
		return r, true, err
	case FormatRar:
		r, err := openWithPasswords(opts.PasswordCandidates(), func(password string) (archive.Reader, error) {
			return archive.NewRarReader(src, password)
		})
		return r, true, err
	case FormatSevenZip:
		r, err := openWithPasswords(opts.PasswordCandidates(), func(password string) (archive.Reader, error) {
			return archive.NewSevenZipReader(src, password)
		})
		return r, true, err
	case FormatSquashFS:
		r, err := archive.NewSquashFSReader(src)
		return r, true, err
	case FormatSqlar:
		if localPath == "" {
			return nil, true, fmt.Errorf("factory: sqlar archives require a local file (got a remote source with no materialized copy)")
		}
		r, err := archive.NewSqlarReader(src, localPath)
		return r, true, err
	case FormatExt4:
		r, err := archive.NewExt4Reader(src)
		return r, true, err
	case FormatFat:
		r, err := archive.NewFatReader(src)
		return r, true, err
	case FormatMime:
		r, err := archive.NewMimeReader(src)
		return r, true, err
	case FormatTar:
		return archive.NewTarReader(src, archive.TarOptions{
			IgnoreZeros:    opts.IgnoreZeros,
			GNUIncremental: opts.GNUIncremental,
			RecursionDepth: opts.RecursionDepth,
			Encoding:       opts.Encoding,
		}), true, nil
	default:
		return nil, false, nil
	}
}
