package decrypt

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/diskbox/internal/catalog"
	"github.com/spin-stack/diskbox/internal/ident"
	"github.com/spin-stack/diskbox/internal/iobuf"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

type fakePrompter struct {
	answers []string
	calls   atomic.Int32
}

func (f *fakePrompter) Prompt(context.Context, string) ([]byte, error) {
	i := int(f.calls.Add(1)) - 1
	if i >= len(f.answers) {
		return nil, errors.New("no more answers")
	}
	return []byte(f.answers[i]), nil
}

func step(index int) ident.Step {
	return ident.Step{Kind: ident.StepUnlockLUKS, Device: "/dev/vda", Name: "luks0", HostDevice: "/dev/disk5s1", Index: index}
}

func TestAcquireOrder(t *testing.T) {
	c := &Coordinator{LookupEnv: env(map[string]string{
		"DISKBOX_PASSPHRASE":  "plain",
		"DISKBOX_PASSPHRASE2": "second",
	})}

	s, err := c.Acquire(context.Background(), step(1), 1)
	require.NoError(t, err)
	assert.Equal(t, "plain", string(s.Bytes()))
	assert.Equal(t, SourceEnv, s.Source)

	s, err = c.Acquire(context.Background(), step(2), 1)
	require.NoError(t, err)
	assert.Equal(t, "second", string(s.Bytes()))

	// The unindexed variable only covers the first device.
	_, err = c.Acquire(context.Background(), step(3), 1)
	assert.True(t, errors.Is(err, ErrPassphraseRequired))
}

func TestAcquireIndexedWins(t *testing.T) {
	c := &Coordinator{LookupEnv: env(map[string]string{
		"DISKBOX_PASSPHRASE":  "plain",
		"DISKBOX_PASSPHRASE1": "indexed",
	})}
	s, err := c.Acquire(context.Background(), step(1), 1)
	require.NoError(t, err)
	assert.Equal(t, "indexed", string(s.Bytes()))
}

func TestAcquirePrompt(t *testing.T) {
	p := &fakePrompter{answers: []string{"typed"}}
	c := &Coordinator{LookupEnv: env(nil), Prompter: p, Interactive: true}

	s, err := c.Acquire(context.Background(), step(1), 1)
	require.NoError(t, err)
	assert.Equal(t, SourcePrompt, s.Source)
	assert.Equal(t, "typed", string(s.Bytes()))
}

func TestAcquireNonInteractive(t *testing.T) {
	p := &fakePrompter{answers: []string{"never"}}
	c := &Coordinator{LookupEnv: env(nil), Prompter: p, Interactive: false}

	_, err := c.Acquire(context.Background(), step(1), 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPassphraseRequired))
	assert.True(t, errdefs.IsUnauthorized(err))
	assert.Equal(t, int32(0), p.calls.Load())
}

func TestSecretZero(t *testing.T) {
	b := []byte("hunter2")
	s := NewSecret(b, SourceEnv)
	s.Zero()
	assert.Equal(t, make([]byte, 7), b)
	assert.Nil(t, s.Bytes())
}

func TestUnlockWrongEnvPassphraseFailsFast(t *testing.T) {
	p := &fakePrompter{answers: []string{"typed"}}
	c := &Coordinator{
		LookupEnv:   env(map[string]string{"DISKBOX_PASSPHRASE": "bad"}),
		Prompter:    p,
		Interactive: true,
	}

	var seen []byte
	calls := 0
	err := c.Unlock(context.Background(), step(1), func(_ context.Context, pass []byte) error {
		calls++
		seen = pass
		return ErrWrongPassphrase
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWrongPassphrase))
	assert.Equal(t, 1, calls)
	assert.Equal(t, int32(0), p.calls.Load(), "must not fall back to a prompt")
	assert.Equal(t, make([]byte, 3), seen, "passphrase buffer must be zeroed")
}

func TestUnlockRepromptsInteractively(t *testing.T) {
	p := &fakePrompter{answers: []string{"one", "two", "right"}}
	c := &Coordinator{LookupEnv: env(nil), Prompter: p, Interactive: true}

	var tried []string
	err := c.Unlock(context.Background(), step(1), func(_ context.Context, pass []byte) error {
		tried = append(tried, string(pass))
		if string(pass) != "right" {
			return ErrWrongPassphrase
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "right"}, tried)
}

func TestUnlockGivesUpAfterMaxAttempts(t *testing.T) {
	p := &fakePrompter{answers: []string{"a", "b", "c", "d"}}
	c := &Coordinator{LookupEnv: env(nil), Prompter: p, Interactive: true}

	err := c.Unlock(context.Background(), step(1), func(context.Context, []byte) error {
		return ErrWrongPassphrase
	})
	assert.True(t, errors.Is(err, ErrWrongPassphrase))
	assert.Equal(t, int32(MaxPromptAttempts), p.calls.Load())
}

func TestUnlockOtherErrorNoRetry(t *testing.T) {
	p := &fakePrompter{answers: []string{"a", "b"}}
	c := &Coordinator{LookupEnv: env(nil), Prompter: p, Interactive: true}

	err := c.Unlock(context.Background(), step(1), func(context.Context, []byte) error {
		return errors.New("cryptsetup crashed")
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestAvailable(t *testing.T) {
	steps := []ident.Step{
		{Kind: ident.StepActivateLVM},
		step(1),
		{Kind: ident.StepUnlockBitLocker, HostDevice: "/dev/disk6s1", Index: 2},
	}

	c := &Coordinator{LookupEnv: env(map[string]string{"DISKBOX_PASSPHRASE": "x"})}
	err := c.Available(steps)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPassphraseRequired))
	assert.Contains(t, err.Error(), "DISKBOX_PASSPHRASE2")

	c.Interactive = true
	c.Prompter = &fakePrompter{}
	assert.NoError(t, c.Available(steps))
}

type fakeGuest struct {
	unlockErr error
	probeErr  error
	unlocked  []string
	locked    []string
}

func (g *fakeGuest) Unlock(_ context.Context, _ ident.StepKind, _, name string, _ []byte) error {
	if g.unlockErr != nil {
		return g.unlockErr
	}
	g.unlocked = append(g.unlocked, name)
	return nil
}

func (g *fakeGuest) Probe(_ context.Context, device string) (catalog.ProbeResult, error) {
	if g.probeErr != nil {
		return catalog.ProbeResult{}, g.probeErr
	}
	if !strings.HasPrefix(device, "/dev/mapper/") {
		return catalog.ProbeResult{}, errors.New("not a mapping")
	}
	return catalog.ProbeResult{Content: "ext4", Label: "home"}, nil
}

func (g *fakeGuest) Lock(_ context.Context, name string) error {
	g.locked = append(g.locked, name)
	return nil
}

func TestProbeClosesMapping(t *testing.T) {
	c := &Coordinator{LookupEnv: env(map[string]string{"DISKBOX_PASSPHRASE": "x"})}

	g := &fakeGuest{}
	res, err := c.Probe(context.Background(), g, step(1))
	require.NoError(t, err)
	assert.Equal(t, "ext4", res.Content)
	assert.Equal(t, []string{"luks0"}, g.locked)

	g = &fakeGuest{probeErr: errors.New("blkid failed")}
	_, err = c.Probe(context.Background(), g, step(1))
	require.Error(t, err)
	assert.Equal(t, []string{"luks0"}, g.locked, "mapping must be closed on error")

	g = &fakeGuest{unlockErr: ErrWrongPassphrase}
	_, err = c.Probe(context.Background(), g, step(1))
	require.Error(t, err)
	assert.Empty(t, g.locked, "nothing to close when unlock failed")
}

func TestReadSecretLine(t *testing.T) {
	b, err := readSecretLine(strings.NewReader("s3cret\nrest"))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", string(b))

	b, err = readSecretLine(strings.NewReader("eof-terminated"))
	require.NoError(t, err)
	assert.Equal(t, "eof-terminated", string(b))

	_, err = readSecretLine(strings.NewReader(""))
	require.Error(t, err)
}

func TestReadSecretLineTooLong(t *testing.T) {
	_, err := readSecretLine(strings.NewReader(strings.Repeat("x", iobuf.Size) + "\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too long")

	b, err := readSecretLine(strings.NewReader(strings.Repeat("x", iobuf.Size-1) + "\n"))
	require.NoError(t, err)
	assert.Len(t, b, iobuf.Size-1)
}
