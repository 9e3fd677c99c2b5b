// Package actions resolves user-defined custom actions: shell snippets run
// inside the guest before mount, after mount and before unmount.
package actions

import (
	"fmt"
	"path"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/samber/lo"

	"github.com/spin-stack/diskbox/internal/config"
)

// MountPointVar is exported by the VM to every script. It holds the guest
// path of the primary mount.
const MountPointVar = "DISKBOX_VM_MOUNT_POINT"

// Phase names the point in the mount lifecycle a script runs at.
type Phase string

const (
	BeforeMount   Phase = "before_mount"
	AfterMount    Phase = "after_mount"
	BeforeUnmount Phase = "before_unmount"
)

// Action is a named action from the config file.
type Action struct {
	Name string
	config.ActionConfig
}

// Lookup returns the action called name.
func Lookup(cfg *config.Config, name string) (*Action, error) {
	a, ok := cfg.Actions[name]
	if !ok {
		return nil, fmt.Errorf("action %q: %w", name, errdefs.ErrNotFound)
	}
	return &Action{Name: name, ActionConfig: a}, nil
}

// Names returns the configured action names in order.
func Names(cfg *config.Config) []string {
	names := lo.Keys(cfg.Actions)
	sort.Strings(names)
	return names
}

// Script returns the snippet for phase, or "" when none is set.
func (a *Action) Script(p Phase) string {
	if a == nil {
		return ""
	}
	switch p {
	case BeforeMount:
		return a.BeforeMount
	case AfterMount:
		return a.AfterMount
	case BeforeUnmount:
		return a.BeforeUnmount
	}
	return ""
}

var (
	assignRe = regexp.MustCompile(`(?m)(?:^|[\s;&|(])([A-Za-z_][A-Za-z0-9_]*)=`)
	forRe    = regexp.MustCompile(`(?m)(?:^|[\s;&|(])(?:for|read)\s+([A-Za-z_][A-Za-z0-9_]*)`)
)

// Validate checks that every variable a script references is declared in
// environment or capture_environment, is set by the script itself, or is
// exported by the VM.
func (a *Action) Validate() error {
	declared := map[string]bool{MountPointVar: true}
	for _, kv := range a.Environment {
		k, _, _ := strings.Cut(kv, "=")
		declared[k] = true
	}
	for _, k := range a.CaptureEnvironment {
		declared[k] = true
	}

	for _, p := range []Phase{BeforeMount, AfterMount, BeforeUnmount} {
		script := a.Script(p)
		local := map[string]bool{}
		for _, re := range []*regexp.Regexp{assignRe, forRe} {
			for _, m := range re.FindAllStringSubmatch(script, -1) {
				local[m[1]] = true
			}
		}
		var missing []string
		for _, v := range References(script) {
			if !declared[v] && !local[v] {
				missing = append(missing, v)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("action %q %s references undeclared variables %s: %w",
				a.Name, p, strings.Join(missing, ", "), errdefs.ErrInvalidArgument)
		}
	}
	for _, e := range a.ActionConfig.Exports() {
		if !path.IsAbs(e) {
			return fmt.Errorf("action %q export %q is not absolute: %w", a.Name, e, errdefs.ErrInvalidArgument)
		}
	}
	return nil
}

// References returns the variable names referenced as $NAME or ${NAME} in
// script, sorted and deduplicated. Escaped dollars, positional and special
// parameters are skipped. Braced references that use an expansion operator
// such as ${VAR:-x} are skipped too.
func References(script string) []string {
	seen := map[string]bool{}
	for i := 0; i < len(script); i++ {
		if script[i] != '$' {
			continue
		}
		if i > 0 && script[i-1] == '\\' {
			continue
		}
		rest := script[i+1:]
		if strings.HasPrefix(rest, "{") {
			end := strings.IndexByte(rest, '}')
			if end < 0 {
				break
			}
			if name := rest[1:end]; isIdent(name) {
				seen[name] = true
			}
			i += end + 1
			continue
		}
		n := identLen(rest)
		if n > 0 {
			seen[rest[:n]] = true
			i += n
		}
	}
	out := lo.Keys(seen)
	slices.Sort(out)
	return out
}

func identLen(s string) int {
	n := 0
	for n < len(s) {
		c := s[n]
		switch {
		case c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z'):
		case c >= '0' && c <= '9' && n > 0:
		default:
			return n
		}
		n++
	}
	return n
}

func isIdent(s string) bool {
	return s != "" && identLen(s) == len(s)
}

// Env builds the environment passed to scripts: declared KEY=value pairs,
// captured host variables and the guest mount point. lookup is os.LookupEnv
// outside tests. Captured variables missing on the host are omitted.
func (a *Action) Env(lookup func(string) (string, bool), guestMountPoint string) []string {
	var env []string
	if a != nil {
		env = append(env, a.Environment...)
		for _, k := range a.CaptureEnvironment {
			if v, ok := lookup(k); ok {
				env = append(env, k+"="+v)
			}
		}
	}
	return append(env, MountPointVar+"="+guestMountPoint)
}

// Exports returns the guest paths to export. Without an override the
// primary mount is the only export.
func (a *Action) Exports(primary string) []string {
	if a == nil || len(a.ActionConfig.Exports()) == 0 {
		return []string{primary}
	}
	return a.ActionConfig.Exports()
}
