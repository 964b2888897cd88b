package overlay

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arcmount/arcmount/pkg/common"
	"github.com/arcmount/arcmount/pkg/mountsource"
)

func mustInner(t *testing.T, files map[string]string) mountsource.Source {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	src, err := mountsource.NewFolderSource(dir)
	require.NoError(t, err)
	return src
}

func mustOverlay(t *testing.T, inner mountsource.Source) *Overlay {
	t.Helper()
	ov, err := New(t.TempDir(), inner)
	require.NoError(t, err)
	t.Cleanup(func() { ov.Close() })
	return ov
}

func readAll(t *testing.T, src mountsource.Source, fi *common.FileInfo) string {
	t.Helper()
	rs, err := src.Open(fi, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(rs)
	require.NoError(t, err)
	return string(data)
}

func TestOverlayDelegatesWhenUntouched(t *testing.T) {
	inner := mustInner(t, map[string]string{"a.txt": "hello"})
	ov := mustOverlay(t, inner)

	fi, err := ov.Lookup("/a.txt", 0)
	require.NoError(t, err)
	require.Equal(t, "hello", readAll(t, ov, fi))
}

func TestOverlayCreateAndRead(t *testing.T) {
	inner := mustInner(t, nil)
	ov := mustOverlay(t, inner)

	require.NoError(t, ov.Create("/new.txt", 0o644))
	f, err := ov.OpenWrite("/new.txt", false)
	require.NoError(t, err)
	_, err = f.WriteString("written")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	fi, err := ov.Lookup("/new.txt", 0)
	require.NoError(t, err)
	require.Equal(t, "written", readAll(t, ov, fi))

	children, err := ov.List("/")
	require.NoError(t, err)
	require.Contains(t, children, "new.txt")
}

func TestOverlaySidecarHiddenFromList(t *testing.T) {
	inner := mustInner(t, map[string]string{"a.txt": "x"})
	ov := mustOverlay(t, inner)

	children, err := ov.List("/")
	require.NoError(t, err)
	require.Contains(t, children, "a.txt")
	for name := range children {
		require.NotContains(t, name, "ratarmount.overlay.sqlite")
	}
}

func TestOverlayUnlinkThenRecreateRoundTrip(t *testing.T) {
	// Mount a read-only tree with /a = "x", unlink it, then recreate
	// it with new content.
	inner := mustInner(t, map[string]string{"a": "x"})
	ov := mustOverlay(t, inner)

	_, err := ov.Lookup("/a", 0)
	require.NoError(t, err)

	require.NoError(t, ov.Unlink("/a"))
	_, err = ov.Lookup("/a", 0)
	require.ErrorIs(t, err, common.ErrNotFound)
	n, err := ov.Versions("/a")
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, ov.Create("/a", 0o644))
	f, err := ov.OpenWrite("/a", false)
	require.NoError(t, err)
	_, err = f.WriteString("y")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	fi, err := ov.Lookup("/a", 0)
	require.NoError(t, err)
	require.Equal(t, "y", readAll(t, ov, fi))
}

// Overlay records outlive the mount: closing and reopening the overlay
// over the same directory preserves both tombstones and rewritten
// content.
func TestOverlayStatePersistsAcrossReopen(t *testing.T) {
	innerDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(innerDir, "a"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(innerDir, "b"), []byte("keep"), 0o644))
	overlayDir := t.TempDir()

	inner, err := mountsource.NewFolderSource(innerDir)
	require.NoError(t, err)
	ov, err := New(overlayDir, inner)
	require.NoError(t, err)

	require.NoError(t, ov.Unlink("/b"))
	require.NoError(t, ov.Unlink("/a"))
	require.NoError(t, ov.Create("/a", 0o644))
	f, err := ov.OpenWrite("/a", false)
	require.NoError(t, err)
	_, err = f.WriteString("y")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, ov.Close())

	inner2, err := mountsource.NewFolderSource(innerDir)
	require.NoError(t, err)
	reopened, err := New(overlayDir, inner2)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	fi, err := reopened.Lookup("/a", 0)
	require.NoError(t, err)
	require.Equal(t, "y", readAll(t, reopened, fi))
	_, err = reopened.Lookup("/b", 0)
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestOverlayUnlinkWithNoUnderlyingDropsRow(t *testing.T) {
	inner := mustInner(t, nil)
	ov := mustOverlay(t, inner)

	require.NoError(t, ov.Create("/ephemeral.txt", 0o644))
	require.NoError(t, ov.Unlink("/ephemeral.txt"))

	_, hasRow, err := ov.row("/", "ephemeral.txt")
	require.NoError(t, err)
	require.False(t, hasRow)
}

func TestOverlayChmodOverridesMode(t *testing.T) {
	inner := mustInner(t, map[string]string{"a.txt": "x"})
	ov := mustOverlay(t, inner)

	_, err := ov.CopyUp("/a.txt")
	require.NoError(t, err)
	require.NoError(t, ov.Chmod("/a.txt", 0o600))

	fi, err := ov.Lookup("/a.txt", 0)
	require.NoError(t, err)
	require.EqualValues(t, 0o600, fi.Mode&0o777)
}

func TestOverlayRename(t *testing.T) {
	inner := mustInner(t, map[string]string{"a.txt": "content"})
	ov := mustOverlay(t, inner)

	require.NoError(t, ov.Rename("/a.txt", "/b.txt"))

	_, err := ov.Lookup("/a.txt", 0)
	require.ErrorIs(t, err, common.ErrNotFound)

	fi, err := ov.Lookup("/b.txt", 0)
	require.NoError(t, err)
	require.Equal(t, "content", readAll(t, ov, fi))
}

func TestOverlayPlanReflectsState(t *testing.T) {
	inner := mustInner(t, map[string]string{"a.txt": "x", "keep.txt": "y"})
	ov := mustOverlay(t, inner)

	require.NoError(t, ov.Unlink("/a.txt"))
	require.NoError(t, ov.Create("/new.txt", 0o644))

	plan, err := ov.Plan()
	require.NoError(t, err)
	require.Contains(t, plan.Deletions, "/a.txt")
	require.Contains(t, plan.Appends, "/new.txt")
}
