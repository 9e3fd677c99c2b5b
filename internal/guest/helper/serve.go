//go:build linux

package helper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/log"

	"github.com/spin-stack/diskbox/internal/guest"
)

// SerialPath is the guest end of the virtio-serial control channel.
var SerialPath = filepath.Join("/dev/virtio-ports", guest.SerialPortName)

const (
	serialAppearTimeout = 10 * time.Second
	serialPoll          = 50 * time.Millisecond
)

// ServeSerial serves the helper's ttrpc service on the virtio-serial port
// until a shutdown command arrives or ctx is done.
func ServeSerial(ctx context.Context, h guest.Handler) error {
	l := newSerialListener(SerialPath)
	log.G(ctx).WithField("path", SerialPath).Info("serving on virtio-serial")
	return guest.Serve(ctx, l, h)
}

// ServeVsock serves the helper's ttrpc service on a vsock port.
func ServeVsock(ctx context.Context, port uint32, h guest.Handler) error {
	l, err := guest.ListenVsock(port)
	if err != nil {
		return fmt.Errorf("listen on vsock port %d: %w", port, err)
	}
	log.G(ctx).WithField("port", port).Info("listening on vsock")
	return guest.Serve(ctx, l, h)
}

// serialListener hands out the virtio-serial port as a sequence of
// connections. The port reads EOF while no host is attached, so each
// time the server drops a connection the port is reopened.
type serialListener struct {
	path   string
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *serialConn
}

func newSerialListener(path string) *serialListener {
	ctx, cancel := context.WithCancel(context.Background())
	return &serialListener{path: path, ctx: ctx, cancel: cancel}
}

// Accept waits for the previous connection to close, then reopens the port.
func (l *serialListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	prev := l.conn
	l.mu.Unlock()

	if prev != nil {
		select {
		case <-prev.done:
		case <-l.ctx.Done():
			return nil, net.ErrClosed
		}
		select {
		case <-time.After(serialPoll):
		case <-l.ctx.Done():
			return nil, net.ErrClosed
		}
	}

	f, err := openSerial(l.ctx, l.path)
	if err != nil {
		if l.ctx.Err() != nil {
			return nil, net.ErrClosed
		}
		return nil, err
	}
	c := &serialConn{File: f, done: make(chan struct{})}
	l.mu.Lock()
	l.conn = c
	l.mu.Unlock()
	return c, nil
}

func (l *serialListener) Close() error {
	l.cancel()
	return nil
}

func (l *serialListener) Addr() net.Addr {
	return serialAddr(l.path)
}

type serialConn struct {
	*os.File
	once sync.Once
	done chan struct{}
}

func (c *serialConn) Close() error {
	err := c.File.Close()
	c.once.Do(func() { close(c.done) })
	return err
}

func (c *serialConn) LocalAddr() net.Addr  { return serialAddr(c.Name()) }
func (c *serialConn) RemoteAddr() net.Addr { return serialAddr("host") }

type serialAddr string

func (serialAddr) Network() string  { return "virtio-serial" }
func (a serialAddr) String() string { return string(a) }

func openSerial(ctx context.Context, path string) (*os.File, error) {
	ctx, cancel := context.WithTimeout(ctx, serialAppearTimeout)
	defer cancel()
	for {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s did not appear: %w", path, ctx.Err())
		case <-time.After(20 * time.Millisecond):
		}
	}
}
