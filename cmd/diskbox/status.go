package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/spin-stack/diskbox/internal/session"
)

func newStatusCommand(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show what is mounted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.registry()
			if err != nil {
				return err
			}
			st, err := reg.Status(cmd.Context())
			if err != nil {
				return err
			}
			if ok, err := encode(os.Stdout, format, st); ok || err != nil {
				return err
			}
			renderStatus(os.Stdout, st)
			return nil
		},
	}
	addFormatFlag(cmd.Flags(), &format)
	return cmd
}

func renderStatus(w io.Writer, st session.Status) {
	switch st.State {
	case session.StateNotMounted:
		fmt.Fprintln(w, "nothing is mounted")
		return
	case session.StateMounting:
		fmt.Fprintf(w, "mounting (pid %d, started %s)\n", st.Lock.PID, humanize.Time(st.Lock.AcquiredAt))
		return
	}

	s := st.Session
	fmt.Fprintf(w, "%s on %s\n", s.Plan.Identifier, s.MountPoint)
	if len(s.Nested) > 0 {
		fmt.Fprintf(w, "  nested:      %s\n", strings.Join(s.Nested, ", "))
	}
	fmt.Fprintf(w, "  export:      %s\n", s.ExportPath)
	access := "read-write"
	if len(s.Plan.Attachments) == 0 || s.Plan.Attachments[0].ReadOnly {
		access = "read-only"
	}
	fmt.Fprintf(w, "  access:      %s\n", access)
	if s.Action != "" {
		fmt.Fprintf(w, "  action:      %s\n", s.Action)
	}
	fmt.Fprintf(w, "  vm pid:      %d\n", s.VMPID)
	fmt.Fprintf(w, "  owner pid:   %d\n", s.OwnerPID)
	fmt.Fprintf(w, "  mounted:     %s\n", humanize.Time(s.CreatedAt))
	if st.State == session.StateStale {
		fmt.Fprintln(w, `the VM is no longer running; run "diskbox stop" to clean up`)
	}
}
