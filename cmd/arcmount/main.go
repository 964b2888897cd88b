// Command arcmount mounts an archive (tar, zip, rar, 7z, squashfs, sqlar,
// ext4, or FAT image, optionally gzip/bzip2/xz/zstd compressed) as a
// read-only-by-default FUSE filesystem, building a persistent random-access
// index on first mount.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arcmount/arcmount/pkg/factory"
	"github.com/arcmount/arcmount/pkg/fuseadapter"
	"github.com/arcmount/arcmount/pkg/mountsource"
	"github.com/arcmount/arcmount/pkg/overlay"
)

// multiFlag collects repeated occurrences of a flag into a slice, the
// stdlib flag package's usual idiom for "pass this more than once".
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func main() {
	var (
		mountPoint   string
		indexFile    string
		indexFolders multiFlag
		recreateIndex bool
		verifyMtime   bool
		inMemoryThreshold int

		recursive      bool
		recursionDepth int
		lazy           bool
		stripRecTar    bool
		transformFrom  string
		transformTo    string

		encoding    string
		ignoreZeros bool
		gnuIncremental string

		prefix       string
		resolveLinks bool
		subvolumes   bool

		writeOverlay string

		gzipSpacing     int64
		parallelization int

		password     string
		passwordFile string
		passwords    multiFlag

		mountOptions multiFlag

		allowOther bool
		foreground bool
		verbose    bool

		commitOverlay string
		yes           bool
	)

	flag.StringVar(&mountPoint, "mountpoint", "", "directory to mount the archive on (required)")
	flag.StringVar(&indexFile, "index-file", "", "explicit path for the archive index, overriding the fallback search")
	flag.Var(&indexFolders, "index-folder", "additional candidate directory for the archive index (repeatable)")
	flag.BoolVar(&recreateIndex, "recreate-index", false, "rebuild the index even if a valid one already exists")
	flag.BoolVar(&verifyMtime, "verify-mtime", false, "also compare the archive's mtime when validating a reused index")
	flag.IntVar(&inMemoryThreshold, "in-memory-threshold", 0, "max entry count to index in memory when no folder is writable (0 = default 1000)")

	flag.BoolVar(&recursive, "recursive", false, "automatically mount archives found nested inside this one")
	flag.IntVar(&recursionDepth, "recursion-depth", 0, "maximum nested-archive depth (0 = unlimited)")
	flag.BoolVar(&lazy, "lazy", false, "build nested archive mounts on first access instead of eagerly")
	flag.BoolVar(&stripRecTar, "strip-recursive-tar-extension", false, "drop a nested archive's own extension from its mount point name")
	flag.StringVar(&transformFrom, "transform-recursive-mount-point", "", "regex applied to nested archive mount point names")
	flag.StringVar(&transformTo, "transform-recursive-mount-point-to", "", "replacement text for -transform-recursive-mount-point")

	flag.StringVar(&encoding, "encoding", "", "character encoding entry names are decoded from (default UTF-8)")
	flag.BoolVar(&ignoreZeros, "ignore-zeros", false, "treat a zeroed tar block as padding instead of end-of-archive")
	flag.StringVar(&gnuIncremental, "gnu-incremental", "detect", "GNU incremental tar handling: true, false, or detect")

	flag.StringVar(&prefix, "prefix", "", "expose only the subtree at this path, with the prefix stripped")
	flag.BoolVar(&resolveLinks, "resolve-links", false, "replace symlinks and hardlinks with their resolved targets")
	flag.BoolVar(&subvolumes, "subvolumes", false, "graft each input under /<basename>/ instead of union-merging them")

	flag.StringVar(&writeOverlay, "write-overlay", "", "directory backing a writable overlay; omit to mount read-only")
	flag.StringVar(&commitOverlay, "commit-overlay", "", "apply a write-overlay directory's pending changes into the archive, then exit (no mount)")
	flag.BoolVar(&yes, "yes", false, "skip the confirmation prompt for -commit-overlay")

	flag.Int64Var(&gzipSpacing, "gzip-seek-point-spacing", 0, "gzip seek-point spacing in MiB (0 = default 16)")
	flag.IntVar(&parallelization, "parallelization", 0, "worker count for parallel zstd frame decoding (0 or 1 = sequential)")

	flag.StringVar(&password, "password", "", "password tried first for encrypted rar/7z archives")
	flag.StringVar(&passwordFile, "password-file", "", "file containing one password to try per line")
	flag.Var(&passwords, "try-password", "additional password to try, in order (repeatable)")

	flag.Var(&mountOptions, "o", "raw FUSE mount option K=V, e.g. -o allow_other (repeatable)")
	flag.BoolVar(&allowOther, "allow-other", false, "shorthand for -o allow_other")
	flag.BoolVar(&foreground, "single-threaded", false, "serve FUSE requests on a single goroutine")
	flag.BoolVar(&verbose, "verbose", false, "enable debug-level logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <archive-or-folder>... [mountpoint]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if commitOverlay != "" {
		if flag.NArg() != 1 {
			flag.Usage()
			os.Exit(2)
		}
		runCommitOverlay(commitOverlay, flag.Arg(0), yes)
		return
	}

	// The mount point is either the -mountpoint flag or the last
	// positional argument; everything before it is an input to mount.
	inputs := flag.Args()
	if mountPoint == "" && len(inputs) >= 2 {
		mountPoint = inputs[len(inputs)-1]
		inputs = inputs[:len(inputs)-1]
	}
	if len(inputs) == 0 || mountPoint == "" {
		flag.Usage()
		os.Exit(2)
	}

	opts := factory.Options{
		IndexFile:         indexFile,
		IndexFolders:      []string(indexFolders),
		RecreateIndex:     recreateIndex,
		VerifyMtime:       verifyMtime,
		InMemoryThreshold: inMemoryThreshold,

		Recursive:                      recursive,
		RecursionDepth:                 recursionDepth,
		Lazy:                           lazy,
		StripRecursiveTarExtension:     stripRecTar,
		TransformRecursiveMountPointTo: transformTo,

		Encoding:    encoding,
		IgnoreZeros: ignoreZeros,

		WriteOverlay: writeOverlay,

		GzipSeekPointSpacingMiB: gzipSpacing,
		Parallelization:         parallelization,

		Password:     password,
		PasswordFile: passwordFile,
		Passwords:    collectPasswords(password, passwordFile, passwords),

		MountOptions: []string(mountOptions),
	}

	if transformFrom != "" {
		re, err := regexp.Compile(transformFrom)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid -transform-recursive-mount-point regex")
		}
		opts.TransformRecursiveMountPoint = re
	}

	switch gnuIncremental {
	case "true":
		v := true
		opts.GNUIncremental = &v
	case "false":
		v := false
		opts.GNUIncremental = &v
	case "detect", "":
		opts.GNUIncremental = nil
	default:
		log.Fatal().Str("value", gnuIncremental).Msg("-gnu-incremental must be true, false, or detect")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sources := make([]mountsource.Source, 0, len(inputs))
	for _, input := range inputs {
		log.Info().Str("path", input).Str("mountpoint", mountPoint).Msg("building archive index")
		buildStart := time.Now()

		var src mountsource.Source
		if st, statErr := os.Stat(input); statErr == nil && st.IsDir() {
			folder, err := mountsource.NewFolderSource(input)
			if err != nil {
				log.Fatal().Err(err).Str("path", input).Msg("failed to open folder")
			}
			src = folder
		} else {
			buildOpts := opts
			buildOpts.Path = input
			mnt, err := factory.Build(ctx, buildOpts)
			if err != nil {
				log.Fatal().Err(err).Str("path", input).Msg("failed to build archive mount")
			}
			src = mnt.Source
		}

		ev := log.Info().Str("elapsed", time.Since(buildStart).Round(time.Millisecond).String())
		if st, statErr := os.Stat(input); statErr == nil && !st.IsDir() {
			ev = ev.Str("archive_size", humanize.IBytes(uint64(st.Size())))
		}
		ev.Msg("input ready")
		sources = append(sources, src)
	}

	root := composeRoot(sources, inputs, subvolumes)
	if prefix != "" {
		root = mountsource.NewRemovePrefixSource(root, prefix)
	}
	root = mountsource.NewVersionSource(root)
	if resolveLinks {
		root = mountsource.NewLinkResolveSource(root)
	}

	var ov *overlay.Overlay
	var err error
	if writeOverlay != "" {
		ov, err = overlay.New(writeOverlay, root)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open write overlay")
		}
	}

	fuseOpts := fuseadapter.MountOptions{
		Source:                 root,
		Overlay:                ov,
		MountPoint:             mountPoint,
		AllowOther:             allowOther || hasMountOption(mountOptions, "allow_other"),
		ForegroundSingleThread: foreground,
	}

	start, serveErrs, server, err := fuseadapter.Mount(fuseOpts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to mount")
	}
	if err := start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start fuse server")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		log.Info().Str("signal", sig.String()).Msg("unmounting")
		if err := server.Unmount(); err != nil {
			log.Error().Err(err).Msg("unmount failed, a lazy unmount may be required")
		}
	case err := <-serveErrs:
		if err != nil {
			log.Error().Err(err).Msg("fuse server exited with error")
		}
	}
}

// composeRoot merges multiple inputs into one tree: a lone input is used
// as-is, -subvolumes grafts each under its basename, and the default
// union-merges them with the later input winning name collisions.
func composeRoot(sources []mountsource.Source, inputs []string, asSubvolumes bool) mountsource.Source {
	if len(sources) == 1 {
		return sources[0]
	}
	if asSubvolumes {
		sv := mountsource.NewSubvolumesSource()
		used := make(map[string]bool)
		for i, src := range sources {
			name := filepath.Base(strings.TrimRight(inputs[i], "/"))
			if used[name] {
				name = fmt.Sprintf("%s.%d", name, i)
			}
			used[name] = true
			sv.Mount(name, src)
		}
		return sv
	}
	return mountsource.NewUnionSource(sources, mountsource.UnionCacheLimits{
		MaxDepth:   8,
		MaxEntries: 4096,
		TTL:        time.Minute,
	})
}

// collectPasswords folds -password, -password-file (one per line), and
// any -try-password occurrences into a single ordered list, the shape
// factory.Options.Passwords expects.
func collectPasswords(password, passwordFile string, extra []string) []string {
	var out []string
	if password != "" {
		out = append(out, password)
	}
	if passwordFile != "" {
		data, err := os.ReadFile(passwordFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", passwordFile).Msg("failed to read password file")
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				out = append(out, line)
			}
		}
	}
	out = append(out, extra...)
	return out
}

// runCommitOverlay applies overlayDir's pending creates/deletes/renames
// into archivePath via GNU tar --delete/--append (overlay.CommitOut): an
// offline, interactive operation, never part of the mounted runtime.
func runCommitOverlay(overlayDir, archivePath string, skipConfirm bool) {
	ov, err := overlay.New(overlayDir, nil)
	if err != nil {
		log.Fatal().Err(err).Str("overlay", overlayDir).Msg("failed to open write overlay")
	}
	defer ov.Close()

	plan, err := ov.Plan()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to compute commit-out plan")
	}
	if len(plan.Deletions) == 0 && len(plan.Appends) == 0 {
		fmt.Fprintln(os.Stderr, "overlay has no pending changes; nothing to commit")
		return
	}

	fmt.Fprintf(os.Stderr, "about to modify %s:\n", archivePath)
	for _, p := range plan.Deletions {
		fmt.Fprintf(os.Stderr, "  delete %s\n", p)
	}
	for _, p := range plan.Appends {
		fmt.Fprintf(os.Stderr, "  append %s\n", p)
	}

	if !skipConfirm {
		fmt.Fprint(os.Stderr, "proceed? [y/N] ")
		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		line = strings.TrimSpace(strings.ToLower(line))
		if line != "y" && line != "yes" {
			fmt.Fprintln(os.Stderr, "aborted")
			os.Exit(1)
		}
	}

	if err := ov.CommitOut(archivePath, plan); err != nil {
		log.Fatal().Err(err).Msg("commit-out failed")
	}
	fmt.Fprintln(os.Stderr, "commit-out complete")
}

func hasMountOption(opts []string, want string) bool {
	for _, o := range opts {
		if o == want || strings.HasPrefix(o, want+"=") {
			return true
		}
	}
	return false
}
