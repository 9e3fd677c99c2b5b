package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Validate validates the entire configuration.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return fmt.Errorf("paths: %w", err)
	}
	if err := c.validateVM(); err != nil {
		return fmt.Errorf("vm: %w", err)
	}
	if err := c.validateTimeouts(); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}
	if err := c.validateNFS(); err != nil {
		return fmt.Errorf("nfs: %w", err)
	}
	if err := c.validateActions(); err != nil {
		return fmt.Errorf("actions: %w", err)
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.StateDir == "" {
		return fmt.Errorf("state_dir cannot be empty")
	}
	if c.Paths.LogDir == "" {
		return fmt.Errorf("log_dir cannot be empty")
	}
	if c.Paths.MountsDir == "" {
		return fmt.Errorf("mounts_dir cannot be empty")
	}
	for name, p := range map[string]string{
		"state_dir":  c.Paths.StateDir,
		"log_dir":    c.Paths.LogDir,
		"mounts_dir": c.Paths.MountsDir,
	} {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("%s must be absolute, got %q", name, p)
		}
	}
	if c.Paths.QEMUPath != "" {
		if err := validateExecutable(c.Paths.QEMUPath, "qemu_path"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateVM() error {
	if c.VM.VMM != "qemu" {
		return fmt.Errorf("vmm must be \"qemu\", got %q", c.VM.VMM)
	}
	if c.VM.CPUs <= 0 || c.VM.CPUs > 64 {
		return fmt.Errorf("cpus: must be 1-64, got %d", c.VM.CPUs)
	}
	if c.VM.RAMMiB < 256 {
		return fmt.Errorf("ram_mib: must be >= 256, got %d", c.VM.RAMMiB)
	}
	if c.VM.LUKSMinRAMMiB < 256 {
		return fmt.Errorf("luks_min_ram_mib: must be >= 256, got %d", c.VM.LUKSMinRAMMiB)
	}
	switch c.VM.Accel {
	case "", "hvf", "kvm", "tcg":
	default:
		return fmt.Errorf("accel must be one of hvf, kvm, tcg, got %q", c.VM.Accel)
	}
	switch c.VM.Transport {
	case "serial", "vsock":
	default:
		return fmt.Errorf("transport must be \"serial\" or \"vsock\", got %q", c.VM.Transport)
	}
	if _, err := c.VM.QEMUExtraArgs(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	fields := map[string]string{
		"vm_start":       c.Timeouts.VMStart,
		"guest_ready":    c.Timeouts.GuestReady,
		"guest_command":  c.Timeouts.GuestCommand,
		"export_ready":   c.Timeouts.ExportReady,
		"guest_unmount":  c.Timeouts.GuestUnmount,
		"nfs_ready":      c.Timeouts.NFSReady,
		"shutdown_grace": c.Timeouts.ShutdownGrace,
		"registry_open":  c.Timeouts.RegistryOpen,
	}

	for name, val := range fields {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, val)
		}
		if d <= 0 {
			return fmt.Errorf("%s: must be positive, got %s", name, d)
		}
		if d > time.Hour {
			return fmt.Errorf("%s: too large (%s), max is 1h", name, d)
		}
	}
	return nil
}

func (c *Config) validateNFS() error {
	if c.NFS.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	for name, port := range map[string]int{"port": c.NFS.Port, "mountd_port": c.NFS.MountdPort} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s: must be 1-65535, got %d", name, port)
		}
	}
	if c.NFS.Port == c.NFS.MountdPort {
		return fmt.Errorf("port and mountd_port must differ (%d)", c.NFS.Port)
	}
	return nil
}

// validateActions checks the static shape of each action. Script variable
// references are checked by the actions package.
func (c *Config) validateActions() error {
	for name, a := range c.Actions {
		if name == "" || strings.ContainsAny(name, " /:") {
			return fmt.Errorf("invalid action name %q", name)
		}
		for _, kv := range a.Environment {
			if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
				return fmt.Errorf("%s.environment: %q is not KEY=value", name, kv)
			}
		}
		for _, p := range splitExports(a.OverrideNFSExport) {
			if !strings.HasPrefix(p, "/") {
				return fmt.Errorf("%s.override_nfs_export: %q must be an absolute guest path", name, p)
			}
		}
	}
	return nil
}

// Exports returns the action's override export list in declaration order.
func (a ActionConfig) Exports() []string {
	return splitExports(a.OverrideNFSExport)
}

func splitExports(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// EnsureDirs creates the state and log directories and checks they are writable.
func (c *Config) EnsureDirs() error {
	if err := ensureDirWritable(c.Paths.StateDir, "state_dir"); err != nil {
		return err
	}
	return ensureDirWritable(c.Paths.LogDir, "log_dir")
}

// Helper functions

func canonicalizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	resolved, err := filepath.EvalSymlinks(cleaned)
	if err == nil {
		return resolved, nil
	}
	if os.IsNotExist(err) {
		return cleaned, nil
	}
	return "", fmt.Errorf("failed to resolve path %s: %w", path, err)
}

func ensureDirWritable(path, name string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	info, statErr := os.Stat(canonical)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			if err := os.MkdirAll(canonical, 0750); err != nil {
				return fmt.Errorf("%s: cannot create directory %s: %w", name, canonical, err)
			}
		} else {
			return fmt.Errorf("%s: cannot access %s: %w", name, canonical, statErr)
		}
	} else if !info.IsDir() {
		return fmt.Errorf("%s: not a directory: %s", name, canonical)
	}

	if err := unix.Access(canonical, unix.W_OK); err != nil {
		return fmt.Errorf("%s: not writable: %s", name, canonical)
	}
	return nil
}

func validateExecutable(path, name string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	info, err := os.Stat(canonical)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: file not found: %s", name, canonical)
		}
		return fmt.Errorf("%s: cannot access: %w", name, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s: is a directory, not executable: %s", name, canonical)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("%s: not executable: %s", name, canonical)
	}
	return nil
}
