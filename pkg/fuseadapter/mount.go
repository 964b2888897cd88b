package fuseadapter

import (
	"fmt"
	"os"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog/log"

	"github.com/arcmount/arcmount/pkg/mountsource"
	"github.com/arcmount/arcmount/pkg/overlay"
)

// MountOptions configures a single mount.
type MountOptions struct {
	Source     mountsource.Source
	Overlay    *overlay.Overlay
	MountPoint string

	// AllowOther enables "-o allow_other", requiring user_allow_other
	// in /etc/fuse.conf.
	AllowOther bool
	// ForegroundSingleThread keeps the adapter on one goroutine; the
	// mount source layer stack is not required to be safe for
	// concurrent calls.
	ForegroundSingleThread bool
}

// Mount builds the FUSE tree over opts.Source and starts serving it,
// returning a start function, an error channel fed by the serve
// goroutine, and the underlying *fuse.Server for Unmount/Wait.
func Mount(opts MountOptions) (func() error, <-chan error, *fuse.Server, error) {
	log.Info().Str("mount_point", opts.MountPoint).Msg("mounting")

	if _, err := os.Stat(opts.MountPoint); os.IsNotExist(err) {
		if err := os.MkdirAll(opts.MountPoint, 0o755); err != nil {
			return nil, nil, nil, fmt.Errorf("fuseadapter: create mount point: %w", err)
		}
	}

	fsys := NewFileSystem(opts.Source, opts.Overlay)
	root, _ := fsys.Root()

	attrTimeout := time.Second
	entryTimeout := time.Second
	fsOptions := &fs.Options{
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
	}

	mountOptions := fuse.MountOptions{
		MaxBackground:        512,
		DisableXAttrs:        false,
		EnableSymlinkCaching: true,
		SyncRead:             false,
		RememberInodes:       true,
		MaxReadAhead:         1024 * 128,
		SingleThreaded:       opts.ForegroundSingleThread,
		AllowOther:           opts.AllowOther,
	}
	if opts.Overlay == nil {
		mountOptions.Options = append(mountOptions.Options, "ro")
	}

	server, err := fuse.NewServer(fs.NewNodeFS(root, fsOptions), opts.MountPoint, &mountOptions)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("fuseadapter: create server: %w", err)
	}

	serverError := make(chan error, 1)
	startServer := func() error {
		go func() {
			go server.Serve()

			if err := server.WaitMount(); err != nil {
				serverError <- err
				return
			}

			server.Wait()
			if opts.Overlay != nil {
				opts.Overlay.Close()
			} else {
				opts.Source.Close()
			}
			close(serverError)
		}()
		return nil
	}

	return startServer, serverError, server, nil
}
