// Package decrypt supplies passphrases for encrypted containers and runs
// the transient unlock/probe/close cycle used by `list --decrypt`.
//
// Passphrases are held in Secret values and zeroed as soon as the guest
// unlock call returns. They are never logged.
package decrypt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/mattn/go-isatty"

	"github.com/spin-stack/diskbox/internal/catalog"
	"github.com/spin-stack/diskbox/internal/ident"
)

// EnvPassphrase is the passphrase variable. DISKBOX_PASSPHRASE<N> targets
// the N-th encrypted device of an invocation.
const EnvPassphrase = "DISKBOX_PASSPHRASE"

// MaxPromptAttempts bounds interactive retries after a wrong passphrase.
const MaxPromptAttempts = 3

var (
	// ErrPassphraseRequired indicates no passphrase source is available.
	ErrPassphraseRequired = fmt.Errorf("passphrase required: %w", errdefs.ErrUnauthenticated)

	// ErrWrongPassphrase indicates the guest rejected the passphrase.
	ErrWrongPassphrase = fmt.Errorf("wrong passphrase: %w", errdefs.ErrUnauthenticated)
)

// Source says where a secret came from.
type Source int

const (
	SourceEnv Source = iota
	SourcePrompt
)

func (s Source) String() string {
	if s == SourcePrompt {
		return "prompt"
	}
	return "environment"
}

// Secret is a passphrase buffer.
type Secret struct {
	data   []byte
	Source Source
}

// NewSecret takes ownership of b.
func NewSecret(b []byte, src Source) *Secret {
	return &Secret{data: b, Source: src}
}

// Bytes returns the passphrase. The slice is invalid after Zero.
func (s *Secret) Bytes() []byte {
	return s.data
}

// Zero overwrites the passphrase.
func (s *Secret) Zero() {
	if s == nil {
		return
	}
	Wipe(s.data)
	s.data = nil
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Prompter asks the user for a secret.
type Prompter interface {
	Prompt(ctx context.Context, message string) ([]byte, error)
}

// Coordinator picks passphrase sources in a fixed order: indexed variable,
// unindexed variable for the first device, interactive prompt.
type Coordinator struct {
	LookupEnv   func(string) (string, bool)
	Prompter    Prompter
	Interactive bool
}

// NewCoordinator returns a coordinator for the current process. It only
// prompts when stdin is a terminal.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		LookupEnv:   os.LookupEnv,
		Prompter:    &ConsolePrompter{In: os.Stdin, Out: os.Stderr},
		Interactive: isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()),
	}
}

func (c *Coordinator) fromEnv(index int) ([]byte, bool) {
	lookup := c.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(EnvPassphrase + strconv.Itoa(index)); ok {
		return []byte(v), true
	}
	if index == 1 {
		if v, ok := lookup(EnvPassphrase); ok {
			return []byte(v), true
		}
	}
	return nil, false
}

// Available reports whether a passphrase can be obtained for every unlock
// step without blocking on a terminal that is not there.
func (c *Coordinator) Available(steps []ident.Step) error {
	for _, s := range steps {
		if !s.Unlock() {
			continue
		}
		if _, ok := c.fromEnv(s.Index); ok {
			continue
		}
		if c.Interactive && c.Prompter != nil {
			continue
		}
		return fmt.Errorf("%s (set %s%d or %s): %w", s.HostDevice, EnvPassphrase, s.Index, EnvPassphrase, ErrPassphraseRequired)
	}
	return nil
}

// Acquire returns a passphrase for an unlock step. attempt counts from 1;
// environment secrets are only offered on the first attempt.
func (c *Coordinator) Acquire(ctx context.Context, step ident.Step, attempt int) (*Secret, error) {
	if attempt == 1 {
		if b, ok := c.fromEnv(step.Index); ok {
			log.G(ctx).WithField("device", step.HostDevice).Debug("using passphrase from environment")
			return NewSecret(b, SourceEnv), nil
		}
	}
	if !c.Interactive || c.Prompter == nil {
		return nil, fmt.Errorf("%s: %w", step.HostDevice, ErrPassphraseRequired)
	}
	msg := fmt.Sprintf("Enter passphrase for %s", step.HostDevice)
	if attempt > 1 {
		msg = fmt.Sprintf("Wrong passphrase, try again for %s (%d/%d)", step.HostDevice, attempt, MaxPromptAttempts)
	}
	b, err := c.Prompter.Prompt(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	return NewSecret(b, SourcePrompt), nil
}

// UnlockFunc performs the guest unlock with a passphrase.
type UnlockFunc func(ctx context.Context, passphrase []byte) error

// Unlock acquires a passphrase and calls fn, re-prompting after a wrong
// interactive passphrase. Environment secrets fail fast. The secret is
// zeroed before Unlock returns on every path.
func (c *Coordinator) Unlock(ctx context.Context, step ident.Step, fn UnlockFunc) error {
	for attempt := 1; ; attempt++ {
		secret, err := c.Acquire(ctx, step, attempt)
		if err != nil {
			return err
		}
		err = fn(ctx, secret.Bytes())
		src := secret.Source
		secret.Zero()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrWrongPassphrase) || src != SourcePrompt || attempt >= MaxPromptAttempts {
			return err
		}
		log.G(ctx).WithField("device", step.HostDevice).Warn("wrong passphrase")
	}
}

// Guest is the subset of the guest protocol the probe needs.
type Guest interface {
	Unlock(ctx context.Context, kind ident.StepKind, device, name string, passphrase []byte) error
	Probe(ctx context.Context, device string) (catalog.ProbeResult, error)
	Lock(ctx context.Context, name string) error
}

// Probe opens one encrypted container, classifies what is inside and
// closes it again. The mapping is closed on success and on error.
func (c *Coordinator) Probe(ctx context.Context, g Guest, step ident.Step) (res catalog.ProbeResult, retErr error) {
	err := c.Unlock(ctx, step, func(ctx context.Context, pass []byte) error {
		return g.Unlock(ctx, step.Kind, step.Device, step.Name, pass)
	})
	if err != nil {
		return catalog.ProbeResult{}, err
	}
	defer func() {
		if err := g.Lock(context.WithoutCancel(ctx), step.Name); err != nil {
			log.G(ctx).WithError(err).WithField("mapping", step.Name).Warn("failed to close probe mapping")
			if retErr == nil {
				retErr = fmt.Errorf("close %s: %w", step.Name, err)
			}
		}
	}()
	return g.Probe(ctx, ident.MapperPath(step.Name))
}
