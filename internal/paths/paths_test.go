package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spin-stack/diskbox/internal/config"
)

func TestFileExists_ResolvesSymlinks(t *testing.T) {
	tmpDir := t.TempDir()

	realFile := filepath.Join(tmpDir, "realfile")
	if err := os.WriteFile(realFile, []byte("test"), 0644); err != nil {
		t.Fatal(err)
	}
	symlinkPath := filepath.Join(tmpDir, "linkfile")
	if err := os.Symlink(realFile, symlinkPath); err != nil {
		t.Fatal(err)
	}

	if !fileExists(symlinkPath) {
		t.Error("fileExists should return true for symlink to existing file")
	}
	if fileExists(tmpDir) {
		t.Error("fileExists should return false for directory")
	}
}

func TestFileExists_FailsForBrokenSymlink(t *testing.T) {
	brokenLink := filepath.Join(t.TempDir(), "broken")
	if err := os.Symlink("/nonexistent/target", brokenLink); err != nil {
		t.Fatal(err)
	}

	if fileExists(brokenLink) {
		t.Error("fileExists should return false for broken symlink")
	}
}

func TestDirExists_SymlinkToFile(t *testing.T) {
	tmpDir := t.TempDir()

	realFile := filepath.Join(tmpDir, "realfile")
	if err := os.WriteFile(realFile, []byte("test"), 0644); err != nil {
		t.Fatal(err)
	}
	symlinkPath := filepath.Join(tmpDir, "fakedir")
	if err := os.Symlink(realFile, symlinkPath); err != nil {
		t.Fatal(err)
	}

	if dirExists(symlinkPath) {
		t.Error("dirExists should return false for symlink pointing to a file")
	}
}

func TestExplicitPathsWin(t *testing.T) {
	cfg := config.PathsConfig{
		Kernel:   "/custom/kernel",
		Initrd:   "/custom/initrd",
		QEMUPath: "/custom/qemu-system-aarch64",
	}

	if got := KernelPath(cfg); got != "/custom/kernel" {
		t.Errorf("KernelPath() = %q", got)
	}
	if got := InitrdPath(cfg); got != "/custom/initrd" {
		t.Errorf("InitrdPath() = %q", got)
	}
	if got := QemuPath(cfg); got != "/custom/qemu-system-aarch64" {
		t.Errorf("QemuPath() = %q", got)
	}
}

func TestFirstExisting(t *testing.T) {
	tmpDir := t.TempDir()
	second := filepath.Join(tmpDir, "second")
	if err := os.WriteFile(second, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	got := firstExisting(fileExists, filepath.Join(tmpDir, "first"), second)
	if got != second {
		t.Errorf("firstExisting() = %q, want %q", got, second)
	}
	if got := firstExisting(fileExists, filepath.Join(tmpDir, "none")); got != "" {
		t.Errorf("firstExisting() with no match = %q, want empty", got)
	}
}

func TestRootfsDir(t *testing.T) {
	dir := t.TempDir()
	if got := RootfsDir(config.PathsConfig{Rootfs: dir}); got != dir {
		t.Errorf("RootfsDir() = %q, want %q", got, dir)
	}
	if got := RootfsDir(config.PathsConfig{Rootfs: filepath.Join(dir, "missing")}); got != "" {
		t.Errorf("RootfsDir() for missing dir = %q, want empty", got)
	}
}
