package factory

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/arcmount/arcmount/pkg/archive"
	"github.com/arcmount/arcmount/pkg/blockindex"
)

// blockIndexTable names the per-codec blob table a block index is
// persisted under, keyed by the same Format values DetectCompression
// returns.
func blockIndexTable(codec Format) (string, error) {
	switch codec {
	case FormatGzip:
		return "gzipindex", nil
	case FormatBzip2:
		return "bz2index", nil
	case FormatXZ:
		return "xzindex", nil
	case FormatZstd:
		return "zstdindex", nil
	}
	return "", fmt.Errorf("factory: %q is not a sequential-compression codec", codec)
}

// buildBlockIndex builds a fresh block index over src for the given
// codec, returning both the random-access reader and the serialized blob
// to persist via index.Builder.PutBlockIndexBlob. spacingMiB configures
// the gzip reader's decoded-chunk granularity (--gzip-seek-point-spacing);
// bzip2/xz/zstd derive their granularity from their own block and frame
// boundaries. workers > 1 enables the parallel zstd decode variant
// (--parallelization); gzip/bzip2/xz decode on the calling goroutine.
func buildBlockIndex(codec Format, src archive.ByteSource, spacingMiB int64, workers int) (blockindex.Reader, []byte, error) {
	switch codec {
	case FormatGzip:
		idx, err := blockindex.BuildGzipIndex(src, src.Len())
		if err != nil {
			return nil, nil, fmt.Errorf("factory: build gzip index: %w", err)
		}
		r := blockindex.NewGzipReader(src, src.Len(), idx, spacingMiB)
		return r, r.Blob(), nil
	case FormatBzip2:
		idx, err := blockindex.BuildBzip2Index(src, src.Len())
		if err != nil {
			return nil, nil, fmt.Errorf("factory: build bzip2 index: %w", err)
		}
		r, err := blockindex.NewBzip2Reader(src, src.Len(), idx)
		if err != nil {
			return nil, nil, fmt.Errorf("factory: open bzip2 reader: %w", err)
		}
		return r, r.Blob(), nil
	case FormatXZ:
		idx, err := blockindex.BuildXZIndex(src, src.Len())
		if err != nil {
			return nil, nil, fmt.Errorf("factory: build xz index: %w", err)
		}
		r := blockindex.NewXZReader(src, src.Len(), idx)
		return r, r.Blob(), nil
	case FormatZstd:
		idx, err := blockindex.BuildZstdIndex(src, src.Len())
		if err != nil {
			return nil, nil, fmt.Errorf("factory: build zstd index: %w", err)
		}
		warnSingleFrameZstd(idx)
		r := blockindex.NewParallelZstdReader(src, idx, workers)
		return r, r.Blob(), nil
	}
	return nil, nil, fmt.Errorf("factory: %q is not a sequential-compression codec", codec)
}

// warnSingleFrameZstd prints the once-per-mount warning for a
// single-frame zstd stream over 1 MiB, which has no interior seek points
// and therefore decodes sequentially on every read.
func warnSingleFrameZstd(idx *blockindex.ZstdIndex) {
	if idx.SingleFrameWarning {
		log.Warn().Int64("uncompressed_size", idx.TotalSize).
			Msg("zstd stream has a single frame; random access falls back to sequential decode")
	}
}

// loadBlockIndex reconstructs a block-index reader from a previously
// persisted blob, skipping the expensive build pass entirely on a
// validated, existing index.
func loadBlockIndex(codec Format, blob []byte, src archive.ByteSource, spacingMiB int64, workers int) (blockindex.Reader, error) {
	switch codec {
	case FormatGzip:
		idx, err := blockindex.LoadGzipIndex(blob)
		if err != nil {
			return nil, fmt.Errorf("factory: load gzip index: %w", err)
		}
		return blockindex.NewGzipReader(src, src.Len(), idx, spacingMiB), nil
	case FormatBzip2:
		idx, err := blockindex.LoadBzip2Index(blob)
		if err != nil {
			return nil, fmt.Errorf("factory: load bzip2 index: %w", err)
		}
		return blockindex.NewBzip2Reader(src, src.Len(), idx)
	case FormatXZ:
		idx, err := blockindex.LoadXZIndex(blob)
		if err != nil {
			return nil, fmt.Errorf("factory: load xz index: %w", err)
		}
		return blockindex.NewXZReader(src, src.Len(), idx), nil
	case FormatZstd:
		idx, err := blockindex.LoadZstdIndex(blob)
		if err != nil {
			return nil, fmt.Errorf("factory: load zstd index: %w", err)
		}
		warnSingleFrameZstd(idx)
		return blockindex.NewParallelZstdReader(src, idx, workers), nil
	}
	return nil, fmt.Errorf("factory: %q is not a sequential-compression codec", codec)
}

// blockindex.Reader and archive.ByteSource are structurally identical
// (io.ReaderAt, io.Closer, Len() int64), so a blockindex.Reader already
// satisfies archive.ByteSource with no adapter; this line only documents
// that fact and fails to compile if either contract ever drifts.
var _ archive.ByteSource = blockindex.Reader(nil)
