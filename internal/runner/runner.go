// Package runner executes external tools (diskutil, blkid, cryptsetup,
// mount, ...) behind a small interface so callers can be tested with
// scripted output.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/containerd/log"
)

// Cmd describes one invocation.
type Cmd struct {
	Name  string
	Args  []string
	Stdin []byte   // optional; zeroed by callers that pass secrets
	Env   []string // appended to the inherited environment
}

// String renders the command line without stdin.
func (c Cmd) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner runs a command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, cmd Cmd) ([]byte, error)
}

// Func adapts a function to Runner.
type Func func(ctx context.Context, cmd Cmd) ([]byte, error)

// Run calls f.
func (f Func) Run(ctx context.Context, cmd Cmd) ([]byte, error) {
	return f(ctx, cmd)
}

// Exec runs commands with os/exec.
type Exec struct{}

// Run executes cmd and returns stdout. A non-zero exit is reported as an
// *ExitError carrying the trimmed stderr.
func (Exec) Run(ctx context.Context, cmd Cmd) ([]byte, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	if len(cmd.Env) > 0 {
		c.Env = append(c.Environ(), cmd.Env...)
	}
	if cmd.Stdin != nil {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	log.G(ctx).WithField("cmd", cmd.String()).Debug("exec")
	if err := c.Run(); err != nil {
		return stdout.Bytes(), &ExitError{Cmd: cmd.String(), Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return stdout.Bytes(), nil
}

// ExitError is returned when a command fails.
type ExitError struct {
	Cmd    string
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: %v", e.Cmd, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Cmd, e.Err, e.Stderr)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode returns the process exit status, or -1 if the command did not run.
// Err may be an *exec.ExitError or anything else with an ExitCode method.
func (e *ExitError) ExitCode() int {
	var xe interface{ ExitCode() int }
	if errors.As(e.Err, &xe) {
		return xe.ExitCode()
	}
	return -1
}
