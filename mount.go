package smithy

import (
	"fmt"
	"log"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// MountOptions controls how Mount assembles the FUSE mount options passed
// to the kernel. It mirrors the original engine's fixed option set, with
// Writable, AutoUnmount and Debug left as the knobs the CLI actually exposes.
type MountOptions struct {
	Writable    bool
	AutoUnmount bool
	Debug       bool
}

func (o MountOptions) toMountOptions() *fuse.MountOptions {
	rw := "rw"
	if !o.Writable {
		rw = "ro"
	}
	options := []string{rw, "noatime", "nosuid", "nodev", "noexec", "default_permissions"}
	if o.AutoUnmount {
		options = append(options, "auto_unmount")
	}
	return &fuse.MountOptions{
		AllowOther:     false,
		FsName:         "smithy",
		Name:           "smithy",
		Debug:          o.Debug,
		DisableXAttrs:  true,
		SingleThreaded: true,
		Options:        options,
	}
}

// Mount opens regionPath under the given options, parses it, and blocks
// serving the resulting filesystem at mountPoint until it is unmounted
// (either by the kernel or by a signal the caller has arranged to call
// Unmount on). On return from a writable mount, the region is flushed back
// to regionPath exactly once, per the chosen "persist on unmount" policy; a
// read-only mount is never written back.
func Mount(regionPath, mountPoint string, opts MountOptions) error {
	guard, err := OpenGuardedFile(regionPath, opts.Writable)
	if err != nil {
		return err
	}
	defer guard.Close()

	sfs, err := NewSmithyFS(guard, opts.Writable)
	if err != nil {
		return fmt.Errorf("smithy: parsing region file: %w", err)
	}

	server, err := fuse.NewServer(sfs, mountPoint, opts.toMountOptions())
	if err != nil {
		return fmt.Errorf("smithy: mounting at %s: %w", mountPoint, err)
	}

	log.Printf("smithy: exposing %s via FUSE at %s", regionPath, mountPoint)

	server.Serve()

	if opts.Writable {
		if err := sfs.Flush(); err != nil {
			return fmt.Errorf("smithy: flushing region on unmount: %w", err)
		}
	}

	log.Printf("smithy: unmounted cleanly")
	return nil
}
