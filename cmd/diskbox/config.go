package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/containerd/errdefs"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/spin-stack/diskbox/internal/actions"
	"github.com/spin-stack/diskbox/internal/config"
	"github.com/spin-stack/diskbox/internal/paths"
)

func newInitCommand(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := a.configFile()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite): %w", path, errdefs.ErrAlreadyExists)
			}
			cfg := config.DefaultConfig()
			if err := cfg.EnsureDirs(); err != nil {
				return err
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "wrote %s\n", path)
			reportAssets(os.Stdout, cfg)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

// reportAssets prints where the VM kernel, initrd and QEMU were found.
func reportAssets(w io.Writer, cfg *config.Config) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	show := func(name, p string) {
		if p == "" {
			p = "not found"
		}
		fmt.Fprintf(tw, "%s:\t%s\n", name, p)
	}
	show("qemu", paths.QemuPath(cfg.Paths))
	show("kernel", paths.KernelPath(cfg.Paths))
	show("initrd", paths.InitrdPath(cfg.Paths))
	_ = tw.Flush()
}

type vmSettings struct {
	Config string `json:"config" yaml:"config"`
	CPUs   int    `json:"cpus" yaml:"cpus"`
	RAMMiB int    `json:"ram_mib" yaml:"ram_mib"`
}

func newConfigCommand(a *app) *cobra.Command {
	var (
		cpus   int
		ramMiB int
		format string
	)
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the VM size",
		Long: `Without flags, show the VM CPU count and RAM. With --cpus or --ram,
update the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			changed := cmd.Flags().Changed("cpus") || cmd.Flags().Changed("ram")
			if cmd.Flags().Changed("cpus") {
				cfg.VM.CPUs = cpus
			}
			if cmd.Flags().Changed("ram") {
				cfg.VM.RAMMiB = ramMiB
			}
			if changed {
				if err := cfg.Validate(); err != nil {
					return fmt.Errorf("%w: %w", err, errdefs.ErrInvalidArgument)
				}
				if err := cfg.Save(a.configFile()); err != nil {
					return err
				}
			}

			s := vmSettings{Config: a.configFile(), CPUs: cfg.VM.CPUs, RAMMiB: cfg.VM.RAMMiB}
			if ok, err := encode(os.Stdout, format, s); ok || err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "config: %s\ncpus:   %d\nram:    %s\n", s.Config, s.CPUs, humanize.IBytes(uint64(s.RAMMiB)<<20))
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVarP(&cpus, "cpus", "c", 0, "number of vCPUs")
	f.IntVarP(&ramMiB, "ram", "r", 0, "guest RAM in MiB")
	addFormatFlag(cmd.Flags(), &format)
	return cmd
}

type actionEntry struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Phases      []string `json:"phases" yaml:"phases"`
}

func newActionsCommand(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "List the custom actions defined in the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			entries := listActions(cfg)
			if ok, err := encode(os.Stdout, format, entries); ok || err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintf(os.Stdout, "no actions defined in %s\n", a.configFile())
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Name, strings.Join(e.Phases, ","), e.Description)
			}
			return tw.Flush()
		},
	}
	addFormatFlag(cmd.Flags(), &format)
	return cmd
}

func listActions(cfg *config.Config) []actionEntry {
	var out []actionEntry
	for _, name := range actions.Names(cfg) {
		act, err := actions.Lookup(cfg, name)
		if err != nil {
			continue
		}
		e := actionEntry{Name: name, Description: act.Description}
		for _, p := range []actions.Phase{actions.BeforeMount, actions.AfterMount, actions.BeforeUnmount} {
			if act.Script(p) != "" {
				e.Phases = append(e.Phases, string(p))
			}
		}
		out = append(out, e)
	}
	return out
}
