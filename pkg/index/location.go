package index

import (
	"fmt"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
)

// LocateOptions configures the index search/write order.
type LocateOptions struct {
	ExplicitPath  string // --index-file
	ArchiveDir    string // the archive's own directory
	ExtraFolders  []string // --index-folder, tried before the built-in fallback list
	EntryCount    int    // used against InMemoryThreshold when nothing is writable
	InMemoryThreshold int
}

// Location is the resolved decision of where an index lives or should be
// written.
type Location struct {
	Path     string // empty when InMemory is true
	InMemory bool
	ReadOnly bool // a downloaded/decompressed copy; never rebuilt in place
}

// Locate resolves where an index lives or should be written: an explicit
// --index-file wins outright; otherwise an ordered list of fallback
// folders (extra candidates, the archive's directory, a per-user cache
// directory) is probed and the first writable one wins. If none is
// writable and the archive has fewer than a configurable threshold of
// entries (default 1000), the index is built in memory and never
// persisted.
func Locate(opts LocateOptions) (Location, error) {
	if opts.InMemoryThreshold <= 0 {
		opts.InMemoryThreshold = 1000
	}

	if opts.ExplicitPath != "" {
		if isURL(opts.ExplicitPath) || isCompressedIndexName(opts.ExplicitPath) {
			prepared, err := PrepareLocal(opts.ExplicitPath)
			if err != nil {
				return Location{}, err
			}
			return Location{Path: prepared, ReadOnly: true}, nil
		}
		return Location{Path: opts.ExplicitPath}, nil
	}

	candidates := append(append([]string{}, opts.ExtraFolders...), fallbackFolders(opts.ArchiveDir)...)
	for _, dir := range candidates {
		if dir == "" {
			continue
		}
		if writable(dir) {
			return Location{Path: filepath.Join(dir, "index.sqlite")}, nil
		}
	}

	if opts.EntryCount < opts.InMemoryThreshold {
		return Location{InMemory: true}, nil
	}
	return Location{}, fmt.Errorf("index: no writable location for %d entries (threshold %d)", opts.EntryCount, opts.InMemoryThreshold)
}

// fallbackFolders returns, in priority order: the archive's own
// directory, then a per-user cache directory resolved via go-homedir.
func fallbackFolders(archiveDir string) []string {
	var out []string
	if archiveDir != "" {
		out = append(out, archiveDir)
	}
	home, err := homedir.Dir()
	if err == nil {
		out = append(out, filepath.Join(home, ".cache", "arcmount"))
	}
	return out
}

func writable(dir string) bool {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	probe := filepath.Join(dir, ".arcmount-write-probe")
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}
