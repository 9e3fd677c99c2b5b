// Package paths resolves the guest kernel, initrd and QEMU binary locations.
// These helpers take configuration as input to avoid global config coupling.
// Empty configured values trigger discovery over a fixed candidate list.
package paths

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spin-stack/diskbox/internal/config"
)

// KernelPath returns the guest kernel image location.
func KernelPath(pathsCfg config.PathsConfig) string {
	if pathsCfg.Kernel != "" {
		return pathsCfg.Kernel
	}
	return firstExisting(fileExists, shareCandidates("kernel", kernelName())...)
}

// InitrdPath returns the guest initrd location.
func InitrdPath(pathsCfg config.PathsConfig) string {
	if pathsCfg.Initrd != "" {
		return pathsCfg.Initrd
	}
	return firstExisting(fileExists, shareCandidates("kernel", "diskbox-initrd")...)
}

// QemuPath returns the qemu-system binary for the host architecture.
func QemuPath(pathsCfg config.PathsConfig) string {
	if pathsCfg.QEMUPath != "" {
		return pathsCfg.QEMUPath
	}

	bin := qemuBinaryName()
	candidates := []string{
		filepath.Join("/opt/homebrew/bin", bin),
		filepath.Join("/usr/local/bin", bin),
		filepath.Join("/usr/bin", bin),
	}
	if p := firstExisting(fileExists, candidates...); p != "" {
		return p
	}

	// Default fallback, resolved through $PATH by exec
	return bin
}

// RootfsDir returns the configured guest root directory if it exists.
func RootfsDir(pathsCfg config.PathsConfig) string {
	if pathsCfg.Rootfs != "" && dirExists(pathsCfg.Rootfs) {
		return pathsCfg.Rootfs
	}
	return ""
}

func shareCandidates(sub, name string) []string {
	var out []string
	if exe, err := os.Executable(); err == nil {
		// <prefix>/bin/diskbox -> <prefix>/share/diskbox/<sub>/<name>
		out = append(out, filepath.Join(filepath.Dir(filepath.Dir(exe)), "share", "diskbox", sub, name))
	}
	out = append(out,
		filepath.Join("/opt/homebrew/share/diskbox", sub, name),
		filepath.Join("/usr/local/share/diskbox", sub, name),
		filepath.Join("/usr/share/diskbox", sub, name),
	)
	return out
}

func kernelName() string {
	return "diskbox-kernel-" + guestArch()
}

func qemuBinaryName() string {
	return "qemu-system-" + guestArch()
}

// guestArch maps GOARCH to the QEMU/kernel naming scheme.
func guestArch() string {
	if runtime.GOARCH == "arm64" {
		return "aarch64"
	}
	return "x86_64"
}

func firstExisting(check func(string) bool, candidates ...string) string {
	for _, p := range candidates {
		if check(p) {
			return p
		}
	}
	return ""
}

// fileExists checks if a file exists, resolving symlinks to the real path.
func fileExists(path string) bool {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(resolved)
	return err == nil && !info.IsDir()
}

// dirExists checks if a directory exists, resolving symlinks to the real path.
func dirExists(path string) bool {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(resolved)
	return err == nil && info.IsDir()
}
