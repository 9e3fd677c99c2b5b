package guest

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/ttrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/spin-stack/diskbox/internal/decrypt"
	"github.com/spin-stack/diskbox/internal/ident"
	"github.com/spin-stack/diskbox/internal/version"
)

func startServer(t *testing.T, h Handler, timeout time.Duration) (*Client, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, ln, h)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	c := NewClient(conn, timeout)
	t.Cleanup(func() { _ = c.Close() })
	return c, done
}

func TestClientServer(t *testing.T) {
	var gotMount MountArgs
	h := HandlerFunc(func(_ context.Context, cmd Command, args *structpb.Struct) (any, error) {
		switch cmd {
		case CmdReady:
			return ReadyReply{ProtocolVersion: version.ProtocolVersion, Kernel: "6.12"}, nil
		case CmdMount:
			if err := Decode(args, &gotMount); err != nil {
				return nil, err
			}
			return MountReply{FSType: "btrfs"}, nil
		case CmdProbe:
			return ProbeReply{Content: "ext4", Label: "home"}, nil
		case CmdUnmount:
			return nil, Errorf(CodeFailed, "target is busy")
		default:
			return nil, Errorf(CodeUnsupported, "unknown command %s", cmd)
		}
	})
	c, _ := startServer(t, h, time.Second)
	ctx := context.Background()

	ready, err := c.Ready(ctx)
	require.NoError(t, err)
	assert.Equal(t, "6.12", ready.Kernel)

	reply, err := c.Mount(ctx, MountArgs{Source: "/dev/vda", Target: "/mnt/diskbox", Options: "noatime", ReadOnly: true})
	require.NoError(t, err)
	assert.Equal(t, "btrfs", reply.FSType)
	assert.Equal(t, MountArgs{Source: "/dev/vda", Target: "/mnt/diskbox", Options: "noatime", ReadOnly: true}, gotMount)

	res, err := c.Probe(ctx, "/dev/mapper/luks0")
	require.NoError(t, err)
	assert.Equal(t, "home", res.Label)

	err = c.Unmount(ctx, "/mnt/diskbox")
	var re *RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, CmdUnmount, re.Command)
	assert.Equal(t, "target is busy", re.Message)
}

func TestClientUnlockWrongPassphrase(t *testing.T) {
	var got []byte
	h := HandlerFunc(func(_ context.Context, cmd Command, args *structpb.Struct) (any, error) {
		var a UnlockArgs
		if err := Decode(args, &a); err != nil {
			return nil, err
		}
		got = append([]byte(nil), a.Passphrase...)
		return nil, Errorf(CodeWrongPassphrase, "No key available with this passphrase.")
	})
	c, _ := startServer(t, h, time.Second)

	err := c.Unlock(context.Background(), ident.StepUnlockLUKS, "/dev/vda", "luks0", []byte("s3cret"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, decrypt.ErrWrongPassphrase))
	assert.True(t, errdefs.IsUnauthorized(err))
	assert.Equal(t, "s3cret", string(got))
}

func TestClientTimeoutDropsLateReply(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	h := HandlerFunc(func(_ context.Context, cmd Command, _ *structpb.Struct) (any, error) {
		if calls.Add(1) == 1 {
			<-release
			return ReadyReply{ProtocolVersion: 99}, nil
		}
		return ReadyReply{ProtocolVersion: version.ProtocolVersion}, nil
	})
	c, _ := startServer(t, h, 100*time.Millisecond)

	_, err := c.Ready(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.True(t, errdefs.IsDeadlineExceeded(err))

	close(release)
	// The late reply to the first request must not be mistaken for this one.
	_, err = c.Ready(context.Background())
	require.NoError(t, err)
}

func TestClientContextCancel(t *testing.T) {
	h := HandlerFunc(func(ctx context.Context, _ Command, _ *structpb.Struct) (any, error) {
		time.Sleep(500 * time.Millisecond)
		return nil, nil
	})
	c, _ := startServer(t, h, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := c.Call(ctx, CmdReady, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestReadyVersionMismatch(t *testing.T) {
	h := HandlerFunc(func(context.Context, Command, *structpb.Struct) (any, error) {
		return ReadyReply{ProtocolVersion: version.ProtocolVersion + 1}, nil
	})
	c, _ := startServer(t, h, time.Second)

	_, err := c.Ready(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "protocol")
}

func TestServeStopsOnShutdown(t *testing.T) {
	h := HandlerFunc(func(context.Context, Command, *structpb.Struct) (any, error) { return nil, nil })
	c, done := startServer(t, h, time.Second)

	require.NoError(t, c.Shutdown(context.Background()))
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrShutdown))
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestDecodeMissingArgs(t *testing.T) {
	var a MountArgs
	err := Decode(nil, &a)
	assert.Equal(t, CodeBadRequest, ErrorCode(err))
	assert.True(t, errdefs.IsInvalidArgument(err))
	assert.Equal(t, CodeFailed, ErrorCode(errors.New("plain")))

	err = Decode(&structpb.Struct{}, &a)
	assert.Equal(t, CodeBadRequest, ErrorCode(err))
}

func TestEncodeDecode(t *testing.T) {
	in := UnlockArgs{Kind: "luks", Device: "/dev/vdb", Name: "luks0", Passphrase: []byte("s3cret")}
	s, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, "/dev/vdb", s.GetFields()["device"].GetStringValue())

	var out UnlockArgs
	require.NoError(t, Decode(s, &out))
	assert.Equal(t, in, out)

	_, err = Encode([]string{"not", "an", "object"})
	require.Error(t, err)
}

func TestRemoteErrorCodes(t *testing.T) {
	for _, code := range []Code{CodeFailed, CodeBadRequest, CodeUnsupported, CodeWrongPassphrase, CodeTimeout} {
		t.Run(string(code), func(t *testing.T) {
			h := HandlerFunc(func(context.Context, Command, *structpb.Struct) (any, error) {
				return nil, Errorf(code, "disk on fire")
			})
			c, _ := startServer(t, h, time.Second)

			err := c.Call(context.Background(), CmdLock, LockArgs{Name: "luks0"}, nil)
			var re *RemoteError
			require.True(t, errors.As(err, &re))
			assert.Equal(t, code, re.Code)
			assert.Equal(t, CmdLock, re.Command)
			assert.Equal(t, "disk on fire", re.Message)
		})
	}
}

func TestUnknownMethodIsUnsupported(t *testing.T) {
	h := HandlerFunc(func(context.Context, Command, *structpb.Struct) (any, error) { return nil, nil })
	c, _ := startServer(t, h, time.Second)

	err := c.Call(context.Background(), Command("format-disk"), nil, nil)
	assert.Equal(t, CodeUnsupported, ErrorCode(err))
	assert.True(t, errdefs.IsNotImplemented(err))
}

func TestServiceRegisterTTRPC(t *testing.T) {
	server, err := ttrpc.NewServer()
	require.NoError(t, err)
	got := make(chan Command, 1)
	svc := NewService(HandlerFunc(func(_ context.Context, cmd Command, _ *structpb.Struct) (any, error) {
		got <- cmd
		return nil, nil
	}))
	require.NoError(t, svc.RegisterTTRPC(server))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.Serve(context.Background(), ln) }()
	t.Cleanup(func() { _ = server.Close() })

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	client := ttrpc.NewClient(conn)
	defer client.Close()

	var resp emptypb.Empty
	require.NoError(t, client.Call(context.Background(), ServiceName, string(CmdShutdown), &emptypb.Empty{}, &resp))
	assert.Equal(t, CmdShutdown, <-got)
	select {
	case <-svc.Done():
	default:
		t.Fatal("shutdown not signalled")
	}
}

func TestDialRetry(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var attempts atomic.Int32
	d := dialerFunc(func(ctx context.Context) (net.Conn, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}
		var nd net.Dialer
		return nd.DialContext(ctx, "tcp", ln.Addr().String())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := DialRetry(ctx, d)
	require.NoError(t, err)
	_ = conn.Close()
	assert.Equal(t, int32(3), attempts.Load())
}

func TestDialRetryGivesUp(t *testing.T) {
	d := dialerFunc(func(context.Context) (net.Conn, error) { return nil, errors.New("refused") })
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := DialRetry(ctx, d)
	require.Error(t, err)
}

type dialerFunc func(ctx context.Context) (net.Conn, error)

func (f dialerFunc) Dial(ctx context.Context) (net.Conn, error) { return f(ctx) }
