package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/containerd/log"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/spin-stack/diskbox/internal/actions"
	"github.com/spin-stack/diskbox/internal/ident"
	"github.com/spin-stack/diskbox/internal/orchestrator"
	"github.com/spin-stack/diskbox/internal/topology"
)

type mountOptions struct {
	options   string
	fstype    string
	readWrite bool
	force     bool
	action    string
}

func newMountCommand(a *app) *cobra.Command {
	var opts mountOptions
	cmd := &cobra.Command{
		Use:   "mount <identifier> [mount-point]",
		Short: "Mount a Linux filesystem and stay in the foreground until unmounted",
		Long: `Mount a Linux filesystem and keep it mounted until "diskbox unmount",
Ctrl-C or the VM going away.

Identifiers:
  /dev/disk4s2                  a partition or whole disk
  /dev/disk4:/dev/disk5         several disks of one btrfs or RAID filesystem
  lvm:<vg>[:<pv>...]:<lv>       a logical volume; PVs may be omitted
  raid:<member>:<member>...     an md RAID array assembled from its members

Encrypted containers are unlocked with DISKBOX_PASSPHRASE1, DISKBOX_PASSPHRASE2
and so on (or DISKBOX_PASSPHRASE for the first), or interactively.

Without a mount point the filesystem is mounted under the configured
mounts_dir, named after its label.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mountPoint := ""
			if len(args) > 1 {
				mountPoint = args[1]
			}
			return runMount(cmd.Context(), a, args[0], mountPoint, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.options, "options", "o", "", "mount options passed to the guest mount, comma separated")
	f.StringVarP(&opts.fstype, "fstype", "t", "", "filesystem type (probed when empty)")
	f.BoolVarP(&opts.readWrite, "read-write", "w", false, "mount read-write (default read-only)")
	f.BoolVar(&opts.force, "force", false, "allow mounting over a non-empty directory")
	f.StringVarP(&opts.action, "action", "a", "", "custom action from the config file to run around the mount")
	return cmd
}

func runMount(ctx context.Context, a *app, identifier, mountPoint string, opts mountOptions) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}

	var action *actions.Action
	if opts.action != "" {
		if action, err = actions.Lookup(cfg, opts.action); err != nil {
			return err
		}
	}

	snap, err := newCatalog().Collect(ctx)
	if err != nil {
		return err
	}
	forest := topology.Build(snap)
	for _, w := range forest.Warnings {
		log.G(ctx).Warn(w)
	}
	plan, err := ident.ParseAndResolve(identifier, forest, ident.Options{
		ReadWrite:    opts.readWrite,
		MountOptions: opts.options,
		FSType:       opts.fstype,
	})
	if err != nil {
		return err
	}
	log.G(ctx).WithField("plan", plan.ChainString()).Debug("resolved identifier")

	o, err := a.orchestrator(ctx)
	if err != nil {
		return err
	}
	// A signal while mounting aborts the flow and tears down what was set
	// up. Once mounted, Supervise handles signals itself.
	mountCtx, stop := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)
	defer stop()
	m, err := o.Mount(mountCtx, orchestrator.MountRequest{
		Plan:       plan,
		MountPoint: mountPoint,
		Force:      opts.force,
		Action:     action,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "%s mounted on %s\n", plan.Identifier, m.MountPoint())
	fmt.Fprintln(os.Stdout, `Run "diskbox unmount" or press Ctrl-C to unmount.`)
	return m.Supervise(ctx)
}
