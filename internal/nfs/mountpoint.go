package nfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/containerd/errdefs"

	"github.com/spin-stack/diskbox/internal/lifecycle"
)

// maxAutoSuffix bounds the search for a free auto-named directory.
const maxAutoSuffix = 99

// AutoName turns a volume label into a directory name: "/" becomes "-",
// spaces and ":" become "_", leading dashes and dots are dropped.
func AutoName(label string) string {
	r := strings.NewReplacer("/", "-", " ", "_", ":", "_")
	name := strings.TrimLeft(r.Replace(strings.TrimSpace(label)), "-.")
	if name == "" {
		return "diskbox"
	}
	return name
}

// MountPoint is a prepared host directory.
type MountPoint struct {
	Path string
	// Created is set when the directory did not exist before. Teardown
	// removes it again.
	Created bool
}

// Prepare validates a user-supplied mount point. A missing directory is
// created. An existing one must be an empty directory unless force is set.
func Prepare(dir string, force bool, mounted func(string) (bool, error)) (MountPoint, error) {
	dir = filepath.Clean(dir)
	fi, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(dir, 0755); err != nil {
			return MountPoint{}, fmt.Errorf("create mount point %s: %w", dir, err)
		}
		return MountPoint{Path: dir, Created: true}, nil
	case err != nil:
		return MountPoint{}, fmt.Errorf("mount point %s: %w", dir, err)
	case !fi.IsDir():
		return MountPoint{}, fmt.Errorf("mount point %s is not a directory: %w", dir, errdefs.ErrInvalidArgument)
	}

	if mounted != nil {
		if m, err := mounted(dir); err == nil && m {
			return MountPoint{}, fmt.Errorf("%s is already a mount point: %w", dir, errdefs.ErrUnavailable)
		}
	}
	if !force {
		empty, err := isEmptyDir(dir)
		if err != nil {
			return MountPoint{}, err
		}
		if !empty {
			return MountPoint{}, fmt.Errorf("%s (use --force to mount over it): %w", dir, lifecycle.ErrMountPointNotEmpty)
		}
	}
	return MountPoint{Path: dir}, nil
}

// PrepareAuto picks <base>/<AutoName(label)>, adding _1, _2, ... when the
// name is taken by a non-empty directory or an existing mount.
func PrepareAuto(base, label string, mounted func(string) (bool, error)) (MountPoint, error) {
	name := AutoName(label)
	for i := 0; i <= maxAutoSuffix; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d", name, i)
		}
		mp, err := Prepare(filepath.Join(base, candidate), false, mounted)
		if err == nil {
			return mp, nil
		}
		if !errors.Is(err, lifecycle.ErrMountPointNotEmpty) && !errdefs.IsUnavailable(err) && !errdefs.IsInvalidArgument(err) {
			return MountPoint{}, err
		}
	}
	return MountPoint{}, fmt.Errorf("no free mount point for %q under %s: %w", name, base, errdefs.ErrUnavailable)
}

// Remove deletes the directory if Prepare created it. Non-empty
// directories are left alone.
func (m MountPoint) Remove() error {
	if !m.Created {
		return nil
	}
	if err := os.Remove(m.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func isEmptyDir(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		return false, fmt.Errorf("open mount point: %w", err)
	}
	defer f.Close()
	names, err := f.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read mount point: %w", err)
	}
	// macOS Finder litter does not count.
	return len(names) == 1 && names[0] == ".DS_Store" && onlyEntry(dir), nil
}

func onlyEntry(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) == 1
}

// Nested maps guest exports to host targets. exports[0] is the primary
// export mounted at mountPoint; later entries must live below it and are
// mounted at the same relative path. The result is ordered parent-first.
func Nested(mountPoint string, exports []string) ([]Spec, error) {
	if len(exports) == 0 {
		return nil, fmt.Errorf("no exports: %w", errdefs.ErrInvalidArgument)
	}
	primary := path.Clean(exports[0])
	specs := []Spec{{Export: primary, Target: mountPoint}}

	var nested []Spec
	for _, e := range exports[1:] {
		e = path.Clean(e)
		rel, ok := strings.CutPrefix(e, primary)
		if !ok || (primary != "/" && rel != "" && !strings.HasPrefix(rel, "/")) || rel == "" {
			return nil, fmt.Errorf("export %s is not below %s: %w", e, primary, errdefs.ErrInvalidArgument)
		}
		nested = append(nested, Spec{Export: e, Target: filepath.Join(mountPoint, filepath.FromSlash(rel))})
	}
	slices.SortStableFunc(nested, func(a, b Spec) int {
		return depth(a.Export) - depth(b.Export)
	})
	return append(specs, nested...), nil
}

func depth(p string) int {
	return strings.Count(strings.Trim(p, "/"), "/")
}
