package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.VM.VMM != "qemu" {
		t.Errorf("expected VMM qemu, got %s", cfg.VM.VMM)
	}
	if cfg.VM.LUKSMinRAMMiB != DefaultLUKSMinRAMMiB {
		t.Errorf("expected LUKSMinRAMMiB %d, got %d", DefaultLUKSMinRAMMiB, cfg.VM.LUKSMinRAMMiB)
	}
	if cfg.VM.Transport != "serial" {
		t.Errorf("expected transport serial, got %s", cfg.VM.Transport)
	}
	if !strings.HasSuffix(cfg.Paths.StateDir, filepath.Join(".diskbox", "state")) {
		t.Errorf("unexpected StateDir %s", cfg.Paths.StateDir)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFrom_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.NFS.Port != 2049 {
		t.Errorf("expected default NFS port, got %d", cfg.NFS.Port)
	}
}

func TestLoadFrom_InvalidTOML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configPath, []byte("[vm\ncpus = "), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFrom(configPath)
	if err == nil {
		t.Fatal("expected error for invalid TOML, got nil")
	}
	if !strings.Contains(err.Error(), configPath) {
		t.Errorf("error should mention config file path, got: %s", err)
	}
}

func TestLoadFrom_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	data := `
[paths]
state_dir = "` + filepath.Join(tmpDir, "state") + `"

[vm]
cpus = 2
ram_mib = 1024
extra_args = "-cpu host -display 'none'"

[timeouts]
guest_ready = "45s"

[actions.photos]
description = "mount the photos subvolume"
after_mount = "mount -o subvol=photos $DISKBOX_VM_MOUNT_POINT/photos"
environment = ["MODE=ro"]
override_nfs_export = "/mnt/image, /mnt/image/photos"
`
	if err := os.WriteFile(configPath, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(configPath)
	if err != nil {
		t.Fatalf("failed to load valid config: %v", err)
	}

	if cfg.VM.CPUs != 2 || cfg.VM.RAMMiB != 1024 {
		t.Errorf("unexpected vm section: %+v", cfg.VM)
	}
	if cfg.Timeouts.GetGuestReady().Seconds() != 45 {
		t.Errorf("expected guest_ready 45s, got %s", cfg.Timeouts.GuestReady)
	}
	// unset fields fall back to defaults
	if cfg.Timeouts.GuestUnmount != "15s" {
		t.Errorf("expected default guest_unmount, got %s", cfg.Timeouts.GuestUnmount)
	}

	args, err := cfg.VM.QEMUExtraArgs()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(args, "|") != "-cpu|host|-display|none" {
		t.Errorf("unexpected extra args %q", args)
	}

	action, ok := cfg.Actions["photos"]
	if !ok {
		t.Fatal("expected photos action")
	}
	exports := action.Exports()
	if len(exports) != 2 || exports[1] != "/mnt/image/photos" {
		t.Errorf("unexpected exports %q", exports)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "bad transport",
			mutate:  func(c *Config) { c.VM.Transport = "tcp" },
			wantErr: "transport",
		},
		{
			name:    "ram too small",
			mutate:  func(c *Config) { c.VM.RAMMiB = 64 },
			wantErr: "ram_mib",
		},
		{
			name:    "negative timeout",
			mutate:  func(c *Config) { c.Timeouts.GuestReady = "-1s" },
			wantErr: "guest_ready",
		},
		{
			name:    "same nfs ports",
			mutate:  func(c *Config) { c.NFS.MountdPort = c.NFS.Port },
			wantErr: "must differ",
		},
		{
			name: "relative export",
			mutate: func(c *Config) {
				c.Actions = map[string]ActionConfig{"a": {OverrideNFSExport: "mnt/x"}}
			},
			wantErr: "absolute guest path",
		},
		{
			name: "bad environment entry",
			mutate: func(c *Config) {
				c.Actions = map[string]ActionConfig{"a": {Environment: []string{"NOVALUE"}}}
			},
			wantErr: "KEY=value",
		},
		{
			name:    "unbalanced extra args",
			mutate:  func(c *Config) { c.VM.ExtraArgs = "-append 'oops" },
			wantErr: "extra_args",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg := DefaultConfig()
	cfg.VM.CPUs = 4
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if loaded.VM.CPUs != 4 {
		t.Errorf("expected cpus 4, got %d", loaded.VM.CPUs)
	}
}

func TestGetHonorsEnv(t *testing.T) {
	t.Cleanup(Reset)
	Reset()

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[vm]\ncpus = 3\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigEnvVar, path)

	cfg, err := Get()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.VM.CPUs != 3 {
		t.Errorf("expected cpus 3, got %d", cfg.VM.CPUs)
	}
}
