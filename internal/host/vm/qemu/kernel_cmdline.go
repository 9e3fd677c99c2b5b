package qemu

import (
	"fmt"
	"runtime"
	"strings"
)

// HelperPath is where the guest image installs the diskbox helper.
const HelperPath = "/sbin/diskbox-vmproxy"

// RootShareTag is the 9p tag used when the guest root comes from a host
// directory instead of the initrd.
const RootShareTag = "diskboxroot"

// KernelCmdlineConfig holds the configuration for building a kernel command line.
type KernelCmdlineConfig struct {
	// Console device (e.g., "ttyS0")
	Console string

	// Quiet boot (reduces kernel messages)
	Quiet bool

	// Log level (0-7, lower is more verbose)
	LogLevel int

	// RootShare, when set, mounts the root filesystem from this 9p tag.
	RootShare string

	// Init is the helper binary started as PID 1.
	Init string

	// InitArgs are passed to the helper after "--".
	InitArgs []string

	// Extra kernel parameters appended verbatim.
	Extra []string
}

// DefaultKernelCmdlineConfig returns a default configuration.
func DefaultKernelCmdlineConfig() KernelCmdlineConfig {
	return KernelCmdlineConfig{
		Console:  defaultConsole(),
		Quiet:    true,
		LogLevel: 3,
		Init:     HelperPath,
	}
}

// BuildKernelCmdline constructs the kernel command line from the configuration.
func BuildKernelCmdline(cfg KernelCmdlineConfig) string {
	var parts []string

	if cfg.Console != "" {
		parts = append(parts, fmt.Sprintf("console=%s", cfg.Console))
	}
	if cfg.Quiet {
		parts = append(parts, "quiet")
	}
	parts = append(parts, fmt.Sprintf("loglevel=%d", cfg.LogLevel))

	// Reboot immediately on panic; QEMU runs with -no-reboot so this exits.
	parts = append(parts, "panic=1")

	// Stable eth0 naming for the helper's netlink setup
	parts = append(parts, "net.ifnames=0", "biosdevname=0")

	if cfg.RootShare != "" {
		parts = append(parts,
			"root="+cfg.RootShare,
			"rootfstype=9p",
			"rootflags=trans=virtio,version=9p2000.L,msize=262144",
			"ro",
			"init="+cfg.Init,
		)
	} else {
		parts = append(parts, "rdinit="+cfg.Init)
	}

	parts = append(parts, cfg.Extra...)

	if len(cfg.InitArgs) > 0 {
		parts = append(parts, "--", formatInitArgs(cfg.InitArgs))
	}
	return strings.Join(parts, " ")
}

func defaultConsole() string {
	if runtime.GOARCH == "arm64" {
		return "ttyAMA0"
	}
	return "ttyS0"
}

// formatInitArgs formats init arguments as a kernel command line string
func formatInitArgs(args []string) string {
	var result strings.Builder
	for i, arg := range args {
		if i > 0 {
			result.WriteString(" ")
		}
		if needsQuoting(arg) {
			fmt.Fprintf(&result, "%q", arg)
		} else {
			result.WriteString(arg)
		}
	}
	return result.String()
}

func needsQuoting(s string) bool {
	return s == "" || strings.ContainsAny(s, " \t\"")
}
