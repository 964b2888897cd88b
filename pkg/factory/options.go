package factory

import "regexp"

// Options is the CLI surface: every flag that changes how an archive is
// opened, indexed, or mounted lands here so cmd/arcmount can build one
// value straight from flag.Parse and hand it to Build.
type Options struct {
	// Path is the archive's location: a local filesystem path, an
	// "s3://bucket/key" URI, or an "http(s)://" URL.
	Path string

	// IndexFile is --index-file: an explicit path (or URL) for the
	// archive index, overriding the fallback-folder search in
	// index.Locate.
	IndexFile string
	// IndexFolders is --index-folder (repeatable): additional candidate directories
	// consulted before the built-in fallback list.
	IndexFolders []string
	RecreateIndex bool // --recreate-index
	VerifyMtime   bool // --verify-mtime
	InMemoryThreshold int

	Recursive                      bool           // --recursive
	RecursionDepth                 int            // --recursion-depth
	Lazy                           bool           // --lazy
	StripRecursiveTarExtension     bool           // --strip-recursive-tar-extension
	TransformRecursiveMountPoint   *regexp.Regexp // --transform-recursive-mount-point REGEX
	TransformRecursiveMountPointTo string         // --transform-recursive-mount-point-to

	Encoding      string // --encoding, applied to entry name decoding
	IgnoreZeros   bool   // --ignore-zeros
	GNUIncremental *bool // --gnu-incremental=true|false; nil for --gnu-incremental=detect (the default)

	WriteOverlay string // --write-overlay DIR, empty means read-only

	GzipSeekPointSpacingMiB int64 // --gzip-seek-point-spacing
	Parallelization         int   // --parallelization

	Password     string   // --password
	PasswordFile string   // --password-file
	Passwords    []string // both flags folded together by the caller, tried in order

	// MountOptions is -o K=V,...: raw passthrough FUSE options. Parsed
	// here only as strings; the FUSE adapter interprets the recognized
	// subset (e.g. allow_other).
	MountOptions []string
}

// PasswordCandidates returns the ordered list of passwords to try
// against an encrypted archive. An empty-string candidate is always
// tried first so unencrypted archives (or archives opened before any
// password is known to be required) don't pay for a guess. Passwords
// lists --password ahead of any --try-password entries (both already
// folded together by the CLI into Passwords).
func (o Options) PasswordCandidates() []string {
	candidates := []string{""}
	if o.Password != "" {
		candidates = append(candidates, o.Password)
	}
	for _, p := range o.Passwords {
		if p != "" && p != o.Password {
			candidates = append(candidates, p)
		}
	}
	return candidates
}
