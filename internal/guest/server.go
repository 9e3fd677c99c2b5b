package guest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/errdefs/pkg/errgrpc"
	"github.com/containerd/log"
	"github.com/containerd/ttrpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// shutdownGrace bounds how long Serve waits for the shutdown reply to be
// flushed before closing connections.
const shutdownGrace = 2 * time.Second

// Handler executes one command on the guest side. The returned value is
// encoded as the reply data.
type Handler interface {
	Handle(ctx context.Context, cmd Command, args *structpb.Struct) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cmd Command, args *structpb.Struct) (any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, cmd Command, args *structpb.Struct) (any, error) {
	return f(ctx, cmd, args)
}

// ErrShutdown is returned by Serve after a shutdown command was answered.
var ErrShutdown = errors.New("shutdown requested")

// Service exposes a Handler as the ServiceName ttrpc service.
type Service struct {
	h        Handler
	once     sync.Once
	shutdown chan struct{}
}

// NewService wraps h.
func NewService(h Handler) *Service {
	return &Service{h: h, shutdown: make(chan struct{})}
}

// RegisterTTRPC registers one method per command.
func (s *Service) RegisterTTRPC(server *ttrpc.Server) error {
	methods := make(map[string]ttrpc.Method, len(commands))
	for _, cmd := range commands {
		methods[string(cmd)] = s.method(cmd)
	}
	server.Register(ServiceName, methods)
	return nil
}

// Done is closed once a shutdown command has been answered successfully.
func (s *Service) Done() <-chan struct{} {
	return s.shutdown
}

func (s *Service) method(cmd Command) ttrpc.Method {
	return func(ctx context.Context, unmarshal func(any) error) (any, error) {
		args := &structpb.Struct{}
		if err := unmarshal(args); err != nil {
			return nil, errgrpc.ToGRPCf(errdefs.ErrInvalidArgument, "decode %s request: %v", cmd, err)
		}
		data, err := s.h.Handle(ctx, cmd, args)
		if err != nil {
			log.G(ctx).WithError(err).WithField("cmd", cmd).Warn("command failed")
			return nil, errgrpc.ToGRPC(wireError(err))
		}
		if cmd == CmdShutdown {
			s.once.Do(func() { close(s.shutdown) })
		}
		if data == nil {
			return &emptypb.Empty{}, nil
		}
		reply, err := Encode(data)
		if err != nil {
			return nil, errgrpc.ToGRPCf(errdefs.ErrInternal, "encode %s reply: %v", cmd, err)
		}
		return reply, nil
	}
}

// wireError attaches the errdefs class of a RemoteError's code to its bare
// message. Other errors travel as they are.
func wireError(err error) error {
	var re *RemoteError
	if errors.As(err, &re) {
		return fmt.Errorf("%s: %w", re.Message, re.Code.class())
	}
	return err
}

func logCalls(ctx context.Context, unmarshal ttrpc.Unmarshaler, info *ttrpc.UnaryServerInfo, method ttrpc.Method) (any, error) {
	start := time.Now()
	resp, err := method(ctx, unmarshal)
	log.G(ctx).WithFields(log.Fields{
		"method": info.FullMethod,
		"t":      time.Since(start),
	}).Debug("guest call")
	return resp, err
}

// Serve answers calls on l until ctx is done, the listener fails or a
// shutdown command is answered, in which case it returns ErrShutdown.
func Serve(ctx context.Context, l net.Listener, h Handler) error {
	server, err := ttrpc.NewServer(ttrpc.WithUnaryServerInterceptor(logCalls))
	if err != nil {
		return fmt.Errorf("create ttrpc server: %w", err)
	}
	svc := NewService(h)
	if err := svc.RegisterTTRPC(server); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ctx, l)
	}()

	var result error
	select {
	case err := <-serveErr:
		_ = server.Close()
		if errors.Is(err, ttrpc.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		result = ctx.Err()
	case <-svc.Done():
		result = ErrShutdown
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		log.G(ctx).WithError(err).Debug("ttrpc shutdown incomplete")
		_ = server.Close()
	}
	return result
}
