// Package config provides centralized configuration management for diskbox.
// Configuration is loaded from a TOML file at ~/.diskbox/config.toml
// (overridable via the DISKBOX_CONFIG environment variable). A missing file
// is not an error: the defaults are used until `diskbox init` writes one.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/moby/sys/atomicwriter"
	"github.com/pelletier/go-toml"
)

const (
	// ConfigEnvVar is the environment variable to override config file location
	ConfigEnvVar = "DISKBOX_CONFIG"

	// DefaultLUKSMinRAMMiB is the guest RAM floor applied when a plan
	// contains a LUKS container. cryptsetup's argon2 key derivation can fail
	// to allocate below this.
	DefaultLUKSMinRAMMiB = 2048

	configDirName  = ".diskbox"
	configFileName = "config.toml"
)

// Config is the root configuration structure
type Config struct {
	Paths    PathsConfig             `toml:"paths"`
	VM       VMConfig                `toml:"vm"`
	Timeouts TimeoutsConfig          `toml:"timeouts"`
	NFS      NFSConfig               `toml:"nfs"`
	Actions  map[string]ActionConfig `toml:"actions,omitempty"`
}

// PathsConfig defines filesystem paths for diskbox components
type PathsConfig struct {
	StateDir  string `toml:"state_dir"`  // Session database and lock file
	LogDir    string `toml:"log_dir"`    // VM console log
	MountsDir string `toml:"mounts_dir"` // Parent of auto-named host mount points
	Kernel    string `toml:"kernel"`     // Guest kernel image (auto-discovered if empty)
	Initrd    string `toml:"initrd"`     // Guest initrd (auto-discovered if empty)
	Rootfs    string `toml:"rootfs"`     // Optional guest root directory shared over 9p
	QEMUPath  string `toml:"qemu_path"`  // QEMU binary (auto-discovered if empty)
}

// VMConfig defines the microVM shape
type VMConfig struct {
	VMM           string `toml:"vmm"`              // VMM backend (currently only "qemu")
	CPUs          int    `toml:"cpus"`             // vCPU count
	RAMMiB        int    `toml:"ram_mib"`          // Guest RAM
	LUKSMinRAMMiB int    `toml:"luks_min_ram_mib"` // RAM floor when a LUKS container is in the plan
	Accel         string `toml:"accel"`            // hvf, kvm or tcg (auto when empty)
	Transport     string `toml:"transport"`        // Guest channel: "serial" or "vsock"
	ExtraArgs     string `toml:"extra_args"`       // Extra QEMU arguments, shell-quoted
}

// TimeoutsConfig defines timeout durations for the mount lifecycle.
// All values are duration strings (e.g., "5s", "2m", "500ms").
type TimeoutsConfig struct {
	// VMStart is the timeout for the QEMU process to come up and accept
	// the monitor connection.
	VMStart string `toml:"vm_start"`

	// GuestReady bounds the wait for the guest helper's ready reply after boot.
	GuestReady string `toml:"guest_ready"`

	// GuestCommand bounds a single unlock/activate/mount exchange.
	// Unlock can be slow on LUKS2 volumes with heavy KDF parameters.
	GuestCommand string `toml:"guest_command"`

	// ExportReady bounds the wait for the guest NFS export to go live.
	ExportReady string `toml:"export_ready"`

	// GuestUnmount bounds the unmount handshake. When it expires the VM is
	// stopped anyway.
	GuestUnmount string `toml:"guest_unmount"`

	// NFSReady is how long to wait for the forwarded NFS port on the host.
	NFSReady string `toml:"nfs_ready"`

	// ShutdownGrace is how long to wait for guest OS shutdown before SIGKILL.
	ShutdownGrace string `toml:"shutdown_grace"`

	// RegistryOpen bounds how long to wait for the session database lock.
	RegistryOpen string `toml:"registry_open"`
}

// GetVMStart returns the VM start timeout as a time.Duration.
// Panics if the configuration is invalid (should be caught by validation).
func (t *TimeoutsConfig) GetVMStart() time.Duration {
	return mustParseDuration(t.VMStart)
}

// GetGuestReady returns the guest ready timeout as a time.Duration.
func (t *TimeoutsConfig) GetGuestReady() time.Duration {
	return mustParseDuration(t.GuestReady)
}

// GetGuestCommand returns the per-command guest timeout as a time.Duration.
func (t *TimeoutsConfig) GetGuestCommand() time.Duration {
	return mustParseDuration(t.GuestCommand)
}

// GetExportReady returns the export readiness timeout as a time.Duration.
func (t *TimeoutsConfig) GetExportReady() time.Duration {
	return mustParseDuration(t.ExportReady)
}

// GetGuestUnmount returns the guest unmount timeout as a time.Duration.
func (t *TimeoutsConfig) GetGuestUnmount() time.Duration {
	return mustParseDuration(t.GuestUnmount)
}

// GetNFSReady returns the host NFS port wait as a time.Duration.
func (t *TimeoutsConfig) GetNFSReady() time.Duration {
	return mustParseDuration(t.NFSReady)
}

// GetShutdownGrace returns the shutdown grace period as a time.Duration.
func (t *TimeoutsConfig) GetShutdownGrace() time.Duration {
	return mustParseDuration(t.ShutdownGrace)
}

// GetRegistryOpen returns the session database open timeout as a time.Duration.
func (t *TimeoutsConfig) GetRegistryOpen() time.Duration {
	return mustParseDuration(t.RegistryOpen)
}

// mustParseDuration parses a duration string, panicking on error.
// This is safe because validation should have already verified the format.
func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("invalid duration %q: %v (config validation should have caught this)", s, err))
	}
	return d
}

// NFSConfig defines how the host reaches the guest NFS server.
// QEMU user networking forwards these ports from the host loopback.
type NFSConfig struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	MountdPort int    `toml:"mountd_port"`
	Options    string `toml:"options"` // Extra host mount options, comma separated
}

// ActionConfig is a user-defined custom action run inside the guest around
// the mount.
type ActionConfig struct {
	Description        string   `toml:"description"`
	BeforeMount        string   `toml:"before_mount"`
	AfterMount         string   `toml:"after_mount"`
	BeforeUnmount      string   `toml:"before_unmount"`
	Environment        []string `toml:"environment"`         // KEY=value
	CaptureEnvironment []string `toml:"capture_environment"` // host variable names
	OverrideNFSExport  string   `toml:"override_nfs_export"` // comma separated guest paths
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.Mutex
	errConfig    error
)

// Reset clears the cached global config, forcing the next Get() call to reload.
// This is intended for testing only. Callers must ensure no concurrent Get() calls
// are in progress when calling Reset().
func Reset() {
	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = nil
	errConfig = nil
	configOnce = sync.Once{}
}

// Get returns the global config, loading it on first call.
func Get() (*Config, error) {
	configOnce.Do(func() {
		globalConfig, errConfig = Load()
	})
	return globalConfig, errConfig
}

// Path returns the config file location honoring DISKBOX_CONFIG.
func Path() string {
	if p := os.Getenv(ConfigEnvVar); p != "" {
		return p
	}
	return filepath.Join(homeDir(), configDirName, configFileName)
}

// Load loads configuration from DISKBOX_CONFIG or ~/.diskbox/config.toml.
func Load() (*Config, error) {
	return LoadFrom(Path())
}

// LoadFrom loads configuration from a specific path. A missing file yields
// the defaults.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w (ensure it's valid TOML)", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return &cfg, nil
}

// Save writes the configuration to path atomically.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf).Order(toml.OrderPreserve)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	if err := atomicwriter.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

// QEMUExtraArgs splits vm.extra_args with shell quoting rules.
func (v *VMConfig) QEMUExtraArgs() ([]string, error) {
	if v.ExtraArgs == "" {
		return nil, nil
	}
	args, err := shellwords.Parse(v.ExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("extra_args: %w", err)
	}
	return args, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	base := filepath.Join(homeDir(), configDirName)
	cfg := &Config{
		Paths: PathsConfig{
			StateDir:  filepath.Join(base, "state"),
			LogDir:    filepath.Join(base, "log"),
			MountsDir: defaultMountsDir(base),
			Kernel:    "", // Auto-discovered
			Initrd:    "", // Auto-discovered
			Rootfs:    filepath.Join(base, "rootfs"),
			QEMUPath:  "", // Auto-discovered
		},
		VM: VMConfig{
			VMM:           "qemu",
			CPUs:          1,
			RAMMiB:        512,
			LUKSMinRAMMiB: DefaultLUKSMinRAMMiB,
			Accel:         "",
			Transport:     "serial",
		},
		Timeouts: TimeoutsConfig{
			VMStart:       "10s",
			GuestReady:    "30s",
			GuestCommand:  "60s",
			ExportReady:   "30s",
			GuestUnmount:  "15s",
			NFSReady:      "20s",
			ShutdownGrace: "5s",
			RegistryOpen:  "5s",
		},
		NFS: NFSConfig{
			Host:       "127.0.0.1",
			Port:       2049,
			MountdPort: 32767,
		},
	}
	return cfg
}

func defaultMountsDir(base string) string {
	if runtime.GOOS == "darwin" {
		return "/Volumes"
	}
	return filepath.Join(base, "mnt")
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return os.TempDir()
}

// applyDefaults fills in default values for any empty fields
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	c.applyPathDefaults(defaults)
	c.applyVMDefaults(defaults)
	c.applyTimeoutsDefaults(defaults)
	c.applyNFSDefaults(defaults)
}

func (c *Config) applyPathDefaults(defaults *Config) {
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = defaults.Paths.StateDir
	}
	if c.Paths.LogDir == "" {
		c.Paths.LogDir = defaults.Paths.LogDir
	}
	if c.Paths.MountsDir == "" {
		c.Paths.MountsDir = defaults.Paths.MountsDir
	}
	if c.Paths.Rootfs == "" {
		c.Paths.Rootfs = defaults.Paths.Rootfs
	}
	// Kernel, Initrd and QEMUPath are intentionally left empty for auto-discovery
}

func (c *Config) applyVMDefaults(defaults *Config) {
	if c.VM.VMM == "" {
		c.VM.VMM = defaults.VM.VMM
	}
	if c.VM.CPUs == 0 {
		c.VM.CPUs = defaults.VM.CPUs
	}
	if c.VM.RAMMiB == 0 {
		c.VM.RAMMiB = defaults.VM.RAMMiB
	}
	if c.VM.LUKSMinRAMMiB == 0 {
		c.VM.LUKSMinRAMMiB = defaults.VM.LUKSMinRAMMiB
	}
	if c.VM.Transport == "" {
		c.VM.Transport = defaults.VM.Transport
	}
}

func (c *Config) applyTimeoutsDefaults(defaults *Config) {
	for _, f := range []struct {
		dst *string
		def string
	}{
		{&c.Timeouts.VMStart, defaults.Timeouts.VMStart},
		{&c.Timeouts.GuestReady, defaults.Timeouts.GuestReady},
		{&c.Timeouts.GuestCommand, defaults.Timeouts.GuestCommand},
		{&c.Timeouts.ExportReady, defaults.Timeouts.ExportReady},
		{&c.Timeouts.GuestUnmount, defaults.Timeouts.GuestUnmount},
		{&c.Timeouts.NFSReady, defaults.Timeouts.NFSReady},
		{&c.Timeouts.ShutdownGrace, defaults.Timeouts.ShutdownGrace},
		{&c.Timeouts.RegistryOpen, defaults.Timeouts.RegistryOpen},
	} {
		if *f.dst == "" {
			*f.dst = f.def
		}
	}
}

func (c *Config) applyNFSDefaults(defaults *Config) {
	if c.NFS.Host == "" {
		c.NFS.Host = defaults.NFS.Host
	}
	if c.NFS.Port == 0 {
		c.NFS.Port = defaults.NFS.Port
	}
	if c.NFS.MountdPort == 0 {
		c.NFS.MountdPort = defaults.NFS.MountdPort
	}
}
