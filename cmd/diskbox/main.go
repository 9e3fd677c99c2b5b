// diskbox mounts Linux filesystems (ext4, btrfs, LVM, LUKS, RAID and more)
// by attaching the backing disks to a QEMU microVM and mounting the VM's
// NFS export on the host.
package main

import (
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	_ "github.com/spin-stack/diskbox/internal/host/vm/qemu"
	"github.com/spin-stack/diskbox/internal/lifecycle"
)

func main() {
	root := newRootCommand()
	root.SetArgs(defaultToMount(root, os.Args[1:]))
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "diskbox: %v\n", err)
		os.Exit(lifecycle.ExitCode(err))
	}
}

// defaultToMount makes mount the default subcommand, so that
// `diskbox /dev/sdb1` and `diskbox lvm:vg0:sdb:root` work.
func defaultToMount(root *cobra.Command, args []string) []string {
	if len(args) == 0 || slices.Contains([]string{"-h", "--help", "-v", "--version", "help", "completion"}, args[0]) {
		return args
	}
	if c, _, err := root.Find(args); err == nil && c != root {
		return args
	}
	return append([]string{"mount"}, args...)
}
