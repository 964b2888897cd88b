package factory

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/arcmount/arcmount/pkg/archive"
	"github.com/arcmount/arcmount/pkg/common"
	"github.com/arcmount/arcmount/pkg/index"
	"github.com/arcmount/arcmount/pkg/mountsource"
)

// wrapRecursive installs the recursion layer over result, using
// IsRecognizedArchiveName as the predicate and nestedArchiveOpener
// (bound to opts) to build each graft.
func wrapRecursive(result mountsource.Source, opts Options) mountsource.Source {
	isArchive := func(name string, fi *common.FileInfo) bool {
		return !fi.IsDir() && IsRecognizedArchiveName(name)
	}
	am := mountsource.NewAutoMountSource(
		result,
		isArchive,
		nestedArchiveOpener(opts),
		opts.StripRecursiveTarExtension,
		opts.TransformRecursiveMountPoint,
		opts.TransformRecursiveMountPointTo,
		opts.RecursionDepth,
		opts.Lazy,
	)
	if !opts.Lazy {
		// Best-effort: a build failure for one nested archive (a
		// corrupt or password-protected member, say) shouldn't prevent
		// mounting everything else.
		_ = am.BuildEager()
	}
	return am
}

// readSeekerByteSource adapts an io.ReadSeeker of known length to
// archive.ByteSource's ReaderAt contract, serializing access with a
// mutex since Seek+Read is not inherently safe for concurrent callers.
// Used only for nested (in-archive) byte streams that arrive from
// mountsource already as an io.ReadSeeker rather than a file or URL.
type readSeekerByteSource struct {
	mu   sync.Mutex
	rs   io.ReadSeeker
	size int64
}

func (r *readSeekerByteSource) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.rs.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(r.rs, p)
}

func (r *readSeekerByteSource) Len() int64   { return r.size }
func (r *readSeekerByteSource) Close() error { return nil }

// nestedArchiveOpener builds a mountsource.ArchiveOpener bound to opts,
// for the auto-mount layer to call on every recognized nested archive
// file. Nested archives always get an in-memory index: they have no
// stable on-disk path of their own to key a persisted index file
// against, only an offset inside their parent.
func nestedArchiveOpener(opts Options) mountsource.ArchiveOpener {
	return func(path string, fi *common.FileInfo, rs io.ReadSeeker, size int64) (mountsource.Source, error) {
		src := &readSeekerByteSource{rs: rs, size: size}

		header := make([]byte, sniffSize)
		n, _ := src.ReadAt(header, 0)
		header = header[:n]

		compression := DetectCompression(header)
		var blockSrc archive.ByteSource = src
		container := path
		if compression != FormatUnknown {
			r, _, err := buildBlockIndex(compression, src, opts.GzipSeekPointSpacingMiB, opts.Parallelization)
			if err != nil {
				return nil, fmt.Errorf("factory: nested decompress %s: %w", path, err)
			}
			blockSrc = r
			container = strippedName(path, compression)
		}

		reader, isContainer, err := openContainerReader(container, blockSrc, "", opts)
		if err != nil {
			return nil, fmt.Errorf("factory: nested open %s: %w", path, err)
		}
		if !isContainer {
			reader = archive.NewRawReader(blockSrc, container, fi.Mtime)
		}

		fp := common.Fingerprint{Size: size, Mtime: fi.Mtime}
		readerCfg, _ := json.Marshal(opts)
		builder, err := index.NewMemoryBuilder(fp, string(readerCfg))
		if err != nil {
			reader.Close()
			return nil, fmt.Errorf("factory: nested index builder %s: %w", path, err)
		}
		if werr := reader.Walk(func(e *common.Entry) error { return builder.InsertEntry(e) }); werr != nil {
			builder.Abort()
			reader.Close()
			return nil, fmt.Errorf("factory: nested walk %s: %w", path, werr)
		}
		if cerr := builder.Commit(); cerr != nil {
			reader.Close()
			return nil, fmt.Errorf("factory: nested commit %s: %w", path, cerr)
		}
		store, err := builder.Store()
		if err != nil {
			reader.Close()
			return nil, fmt.Errorf("factory: nested store %s: %w", path, err)
		}
		return mountsource.NewArchiveSource(store, reader), nil
	}
}
