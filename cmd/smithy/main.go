// Command smithy mounts a Minecraft-style region file as a FUSE filesystem,
// exposing each chunk as a pair of flat files.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/technosam/smithy"
)

var (
	writable    bool
	autoUnmount bool
	debug       bool
)

func main() {
	root := &cobra.Command{
		Use:           "smithy <region-file> <mount-point>",
		Short:         "Mount a region file as a FUSE filesystem of chunk files",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := smithy.MountOptions{
				Writable:    writable,
				AutoUnmount: autoUnmount,
				Debug:       debug,
			}
			return smithy.Mount(args[0], args[1], opts)
		},
	}

	root.Flags().BoolVar(&writable, "writable", false, "mount read-write instead of the default read-only")
	root.Flags().BoolVar(&autoUnmount, "auto-unmount", true, "unmount automatically when the mounting process exits")
	root.Flags().BoolVar(&debug, "debug", false, "log every FUSE request")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "smithy:", err)
		os.Exit(1)
	}
}
