package catalog

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/samber/lo"

	"github.com/spin-stack/diskbox/internal/runner"
)

// blkid exits with 2 when no signature was found on the device.
const blkidNoMatch = 2

// blkidCandidates are tried when blkid is not on $PATH. Homebrew installs
// util-linux keg-only.
var blkidCandidates = []string{
	"/opt/homebrew/opt/util-linux/sbin/blkid",
	"/usr/local/opt/util-linux/sbin/blkid",
	"/sbin/blkid",
}

// BlkidProber probes devices with `blkid -p -o export`.
type BlkidProber struct {
	Runner runner.Runner
	Path   string // blkid binary; discovered when empty
}

// Probe implements Prober.
func (b *BlkidProber) Probe(ctx context.Context, path string) (ProbeResult, error) {
	out, err := b.Runner.Run(ctx, runner.Cmd{
		Name: b.binary(),
		Args: []string{"-p", "-o", "export", path},
	})
	if err != nil {
		var xe *runner.ExitError
		switch {
		case errors.As(err, &xe) && xe.ExitCode() == blkidNoMatch:
			log.G(ctx).WithField("device", path).Debug("blkid found no signature")
			return ProbeResult{}, nil
		case errors.Is(err, exec.ErrNotFound):
			return ProbeResult{}, fmt.Errorf("blkid is not installed: %v: %w", err, errdefs.ErrUnavailable)
		}
		return ProbeResult{}, err
	}
	return ParseBlkidExport(out), nil
}

func (b *BlkidProber) binary() string {
	if b.Path != "" {
		return b.Path
	}
	if p, err := exec.LookPath("blkid"); err == nil {
		return p
	}
	if p, ok := lo.Find(blkidCandidates, func(c string) bool {
		_, err := exec.LookPath(c)
		return err == nil
	}); ok {
		return p
	}
	return "blkid"
}

// ParseBlkidExport parses KEY=value output from `blkid -o export`.
// The guest helper uses the same format for decrypt probes.
func ParseBlkidExport(out []byte) ProbeResult {
	var res ProbeResult
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch k {
		case "TYPE":
			res.Content = v
		case "LABEL":
			res.Label = unescapeBlkid(v)
		case "UUID":
			res.UUID = v
		case "UUID_SUB":
			res.SubUUID = v
		}
	}
	return res
}

// unescapeBlkid undoes the backslash escaping blkid applies to spaces and
// shell metacharacters in export mode.
func unescapeBlkid(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	esc := false
	for _, r := range s {
		if esc {
			b.WriteRune(r)
			esc = false
			continue
		}
		if r == '\\' {
			esc = true
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
