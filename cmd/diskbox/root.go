package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/spin-stack/diskbox/internal/catalog"
	"github.com/spin-stack/diskbox/internal/config"
	"github.com/spin-stack/diskbox/internal/decrypt"
	"github.com/spin-stack/diskbox/internal/host/vm"
	"github.com/spin-stack/diskbox/internal/orchestrator"
	"github.com/spin-stack/diskbox/internal/runner"
	"github.com/spin-stack/diskbox/internal/session"
	"github.com/spin-stack/diskbox/internal/version"
)

// logLevelEnv sets the log level when --log-level is not given.
const logLevelEnv = "DISKBOX_LOG_LEVEL"

// app carries the global flags and lazily loaded configuration.
type app struct {
	configPath string
	logLevel   string

	cfg *config.Config
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "diskbox",
		Short: "Mount Linux filesystems through a microVM",
		Long: `diskbox mounts Linux filesystems on macOS and Linux hosts without
kernel drivers. The disks are attached to a small QEMU virtual machine
that unlocks LUKS and BitLocker containers, activates LVM and RAID, mounts
the filesystem and exports it back to the host over NFS.

Running diskbox with an identifier and no subcommand is the same as
"diskbox mount".`,
		Version:       version.Info(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setupLogging()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default $"+config.ConfigEnvVar+" or ~/.diskbox/config.toml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: trace, debug, info, warn or error (default $"+logLevelEnv+" or warn)")

	root.AddCommand(
		newMountCommand(a),
		newUnmountCommand(a),
		newStopCommand(a),
		newListCommand(a),
		newStatusCommand(a),
		newInitCommand(a),
		newConfigCommand(a),
		newActionsCommand(a),
	)
	return root
}

func (a *app) setupLogging() error {
	level := a.logLevel
	if level == "" {
		level = os.Getenv(logLevelEnv)
	}
	if level == "" {
		level = "warn"
	}
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: log.RFC3339NanoFixed,
	})
	if err := log.SetLevel(level); err != nil {
		return fmt.Errorf("--log-level %q: %w", level, errdefs.ErrInvalidArgument)
	}
	return nil
}

func (a *app) configFile() string {
	if a.configPath != "" {
		return a.configPath
	}
	return config.Path()
}

// config loads the configuration once and makes sure the state and log
// directories exist.
func (a *app) config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.LoadFrom(a.configFile())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", err, errdefs.ErrInvalidArgument)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	a.cfg = cfg
	return cfg, nil
}

func (a *app) registry() (*session.Registry, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	return session.Open(cfg.Paths.StateDir, cfg.Timeouts.GetRegistryOpen())
}

func (a *app) orchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	factory, err := vm.NewFactory(ctx, vm.VMType(cfg.VM.VMM))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", err, errdefs.ErrInvalidArgument)
	}
	reg, err := a.registry()
	if err != nil {
		return nil, err
	}
	return orchestrator.New(cfg, factory, reg, decrypt.NewCoordinator()), nil
}

// newCatalog picks the device lister for the host OS. Probing and LVM
// metadata work the same on both.
func newCatalog() *catalog.Catalog {
	r := runner.Exec{}
	var lister catalog.Lister = &catalog.LsblkLister{Runner: r}
	if runtime.GOOS == "darwin" {
		lister = &catalog.DiskutilLister{Runner: r}
	}
	lvm := catalog.ChainReporter{&catalog.LVMToolReporter{Runner: r}, &catalog.MetadataReporter{}}
	return catalog.New(lister, &catalog.BlkidProber{Runner: r}, lvm)
}

// outputFormat is the --format flag shared by the read-only commands.
type outputFormat string

const (
	formatText outputFormat = "text"
	formatJSON outputFormat = "json"
	formatYAML outputFormat = "yaml"
)

func addFormatFlag(f *pflag.FlagSet, p *string) {
	f.StringVar(p, "format", string(formatText), "output format: text, json or yaml")
}

// encode writes v as JSON or YAML. It returns false for the text format so
// the caller renders its own table.
func encode(w io.Writer, format string, v any) (bool, error) {
	switch outputFormat(format) {
	case formatText:
		return false, nil
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(v)
	default:
		return false, fmt.Errorf("unknown format %q: %w", format, errdefs.ErrInvalidArgument)
	}
}
