package decrypt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/containerd/console"

	"github.com/spin-stack/diskbox/internal/iobuf"
)

// ConsolePrompter reads a passphrase from the terminal with echo disabled.
type ConsolePrompter struct {
	In  *os.File
	Out io.Writer
}

// Prompt implements Prompter.
func (p *ConsolePrompter) Prompt(ctx context.Context, message string) ([]byte, error) {
	con, err := console.ConsoleFromFile(p.In)
	if err != nil {
		return nil, fmt.Errorf("stdin is not a console: %w", err)
	}
	if err := con.DisableEcho(); err != nil {
		return nil, fmt.Errorf("disable echo: %w", err)
	}
	defer func() {
		_ = con.Reset()
		fmt.Fprintln(p.Out)
	}()

	fmt.Fprintf(p.Out, "%s: ", message)

	type result struct {
		b   []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		b, err := readSecretLine(con)
		done <- result{b, err}
	}()
	select {
	case r := <-done:
		return r.b, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readSecretLine reads up to a newline into a pooled buffer, so no copies
// of the secret are left behind by slice growth. A passphrase fills at most
// iobuf.Size bytes.
func readSecretLine(r io.Reader) ([]byte, error) {
	pb := iobuf.Get()
	defer iobuf.Put(pb)
	buf := *pb
	n := 0
	one := make([]byte, 1)
	for {
		if n == len(buf) {
			return nil, errors.New("passphrase too long")
		}
		read, err := r.Read(one)
		if err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				break
			}
			return nil, err
		}
		if read == 0 {
			continue
		}
		if one[0] == '\n' || one[0] == '\r' {
			break
		}
		buf[n] = one[0]
		n++
	}
	one[0] = 0
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, nil
}
