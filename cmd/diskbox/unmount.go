package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newUnmountCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "unmount",
		Aliases: []string{"umount"},
		Short:   "Unmount the current filesystem and shut the VM down",
		Long: `Ask the diskbox process that owns the current mount to unmount it
cleanly: the host NFS mount goes first, then the guest mount, then the VM.
If that process is gone or does not finish in time, the mount is stopped
forcibly as with "diskbox stop".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			o, err := a.orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			if err := o.Unmount(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, "unmounted")
			return nil
		},
	}
}

func newStopCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Kill the VM and force the host mount away",
		Long: `Stop kills the VM and the owning diskbox process without talking to
the guest, force-unmounts the host mount points and clears the session.
Use it when unmount hangs or after a crash left a stale session behind.
Data not yet flushed by the guest may be lost.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			o, err := a.orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			if err := o.Stop(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, "stopped")
			return nil
		},
	}
}
