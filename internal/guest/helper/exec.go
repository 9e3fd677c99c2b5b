//go:build linux

package helper

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/containerd/containerd/v2/pkg/sys/reaper"
	"github.com/containerd/log"

	"github.com/spin-stack/diskbox/internal/runner"
)

// Runner runs commands through the process reaper. The helper is PID 1 and
// reaps every child on SIGCHLD, so exec.Cmd.Wait alone would lose exit
// statuses.
type Runner struct{}

// Run implements runner.Runner.
func (Runner) Run(ctx context.Context, c runner.Cmd) ([]byte, error) {
	cmd := exec.Command(c.Name, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.G(ctx).WithField("cmd", c.String()).Debug("exec")
	ec, err := reaper.Default.Start(cmd)
	if err != nil {
		return nil, &runner.ExitError{Cmd: c.String(), Err: err}
	}
	stop := context.AfterFunc(ctx, func() { _ = cmd.Process.Kill() })
	defer stop()

	status, err := reaper.Default.Wait(cmd, ec)
	if err == nil && status != 0 {
		err = exitStatus(status)
	}
	if err != nil {
		return stdout.Bytes(), &runner.ExitError{Cmd: c.String(), Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return stdout.Bytes(), nil
}

type exitStatus int

func (s exitStatus) Error() string { return fmt.Sprintf("exit status %d", int(s)) }

// ExitCode lets runner.ExitError report the status.
func (s exitStatus) ExitCode() int { return int(s) }
