package guest

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/containerd/log"
	"github.com/mdlayher/vsock"
)

// SerialPortName is the virtserialport name the helper opens at
// /dev/virtio-ports/<name>.
const SerialPortName = "diskbox.0"

// Dialer opens a connection to the guest helper.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// UnixDialer connects to the host end of a virtio-serial chardev socket.
type UnixDialer struct {
	Path string
}

// Dial implements Dialer.
func (d UnixDialer) Dial(ctx context.Context) (net.Conn, error) {
	var nd net.Dialer
	return nd.DialContext(ctx, "unix", d.Path)
}

// VsockDialer connects over AF_VSOCK.
type VsockDialer struct {
	CID  uint32
	Port uint32
}

// Dial implements Dialer.
func (d VsockDialer) Dial(ctx context.Context) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := vsock.Dial(d.CID, d.Port, nil)
		if err != nil {
			ch <- result{nil, err}
			return
		}
		ch <- result{c, nil}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// DialRetry dials until it succeeds or ctx is done. The socket appears
// only once the VMM has started, so early failures are expected.
func DialRetry(ctx context.Context, d Dialer) (net.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0

	attempts := 0
	conn, err := backoff.RetryWithData(func() (net.Conn, error) {
		attempts++
		return d.Dial(ctx)
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, fmt.Errorf("dial guest after %d attempts: %w", attempts, err)
	}
	log.G(ctx).WithField("attempts", attempts).Debug("connected to guest channel")
	return conn, nil
}

// ListenVsock is used by the helper to accept the host connection.
func ListenVsock(port uint32) (net.Listener, error) {
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, err
	}
	return l, nil
}
