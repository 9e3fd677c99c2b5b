package guest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/containerd/errdefs/pkg/errgrpc"
	"github.com/containerd/log"
	"github.com/containerd/ttrpc"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/spin-stack/diskbox/internal/catalog"
	"github.com/spin-stack/diskbox/internal/decrypt"
	"github.com/spin-stack/diskbox/internal/ident"
	"github.com/spin-stack/diskbox/internal/version"
)

// ErrTimeout is returned when a reply does not arrive before the deadline.
var ErrTimeout = fmt.Errorf("guest did not reply in time: %w", context.DeadlineExceeded)

// Client issues commands to the guest helper over ttrpc.
type Client struct {
	client  *ttrpc.Client
	timeout time.Duration
}

// NewClient wraps an established connection. timeout applies to calls
// whose context has no earlier deadline.
func NewClient(conn net.Conn, timeout time.Duration) *Client {
	return &Client{client: ttrpc.NewClient(conn), timeout: timeout}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Call invokes cmd. args and reply are JSON-shaped values carried as
// google.protobuf.Struct; either may be nil. Replies to calls that timed
// out are dropped by the transport.
func (c *Client) Call(ctx context.Context, cmd Command, args, reply any) error {
	var req proto.Message = &emptypb.Empty{}
	if args != nil {
		s, err := Encode(args)
		if err != nil {
			return fmt.Errorf("encode %s: %w", cmd, err)
		}
		req = s
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	log.G(ctx).WithField("cmd", cmd).Debug("guest request")
	resp := &structpb.Struct{}
	if err := c.client.Call(callCtx, ServiceName, string(cmd), req, resp); err != nil {
		return c.callError(ctx, callCtx, cmd, err)
	}
	if reply != nil && len(resp.GetFields()) > 0 {
		if err := decodeStruct(resp, reply); err != nil {
			return fmt.Errorf("decode %s reply: %w", cmd, err)
		}
	}
	return nil
}

func (c *Client) callError(ctx, callCtx context.Context, cmd Command, err error) error {
	if _, ok := status.FromError(err); ok {
		return remoteError(cmd, err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("guest %s: %w", cmd, ctx.Err())
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("guest %s: %w", cmd, ErrTimeout)
	}
	return fmt.Errorf("guest %s: %w", cmd, err)
}

// remoteError turns a ttrpc status into a RemoteError with the message
// the guest produced.
func remoteError(cmd Command, err error) error {
	st, _ := status.FromError(err)
	code := codeOf(errgrpc.ToNative(err))
	msg := strings.TrimSuffix(st.Message(), ": "+code.class().Error())
	return &RemoteError{Command: cmd, Code: code, Message: msg}
}

// Ready waits for the helper's greeting and checks its protocol version.
func (c *Client) Ready(ctx context.Context) (ReadyReply, error) {
	var r ReadyReply
	if err := c.Call(ctx, CmdReady, nil, &r); err != nil {
		return r, err
	}
	return r, version.CheckGuest(r.ProtocolVersion)
}

// Unlock opens an encrypted container. A rejected passphrase is reported
// as decrypt.ErrWrongPassphrase.
func (c *Client) Unlock(ctx context.Context, kind ident.StepKind, device, name string, passphrase []byte) error {
	err := c.Call(ctx, CmdUnlock, UnlockArgs{Kind: string(kind), Device: device, Name: name, Passphrase: passphrase}, nil)
	var re *RemoteError
	if errors.As(err, &re) && re.Code == CodeWrongPassphrase {
		return fmt.Errorf("%s: %w", re.Message, decrypt.ErrWrongPassphrase)
	}
	return err
}

// Lock closes a mapping.
func (c *Client) Lock(ctx context.Context, name string) error {
	return c.Call(ctx, CmdLock, LockArgs{Name: name}, nil)
}

// Activate runs the LVM or RAID activation for a plan step.
func (c *Client) Activate(ctx context.Context, step ident.Step) error {
	return c.Call(ctx, CmdActivate, ActivateArgs{
		Kind:    string(step.Kind),
		Name:    step.Name,
		Device:  step.Device,
		Members: step.Members,
	}, nil)
}

// Probe identifies the content of a guest device.
func (c *Client) Probe(ctx context.Context, device string) (catalog.ProbeResult, error) {
	var r ProbeReply
	if err := c.Call(ctx, CmdProbe, ProbeArgs{Device: device}, &r); err != nil {
		return catalog.ProbeResult{}, err
	}
	res := catalog.ProbeResult{Content: r.Content, Label: r.Label, UUID: r.UUID, Group: r.VG, GroupID: r.VGUUID}
	for _, lv := range r.LogicalVolumes {
		res.LogicalVolumes = append(res.LogicalVolumes, catalog.LogicalVolumeInfo{VG: r.VG, VGUUID: r.VGUUID, Name: lv})
	}
	return res, nil
}

// Mount mounts a device inside the guest.
func (c *Client) Mount(ctx context.Context, args MountArgs) (MountReply, error) {
	var r MountReply
	err := c.Call(ctx, CmdMount, args, &r)
	return r, err
}

// ExportReady asks the guest to export paths and waits until nfsd serves them.
func (c *Client) ExportReady(ctx context.Context, paths []string) error {
	return c.Call(ctx, CmdExportReady, ExportReadyArgs{Paths: paths}, nil)
}

// Unmount unmounts a guest path.
func (c *Client) Unmount(ctx context.Context, target string) error {
	return c.Call(ctx, CmdUnmount, UnmountArgs{Target: target}, nil)
}

// RunAction runs a custom action script.
func (c *Client) RunAction(ctx context.Context, args RunActionArgs) (string, error) {
	var r RunActionReply
	err := c.Call(ctx, CmdRunAction, args, &r)
	return r.Output, err
}

// Shutdown asks the helper to sync and power off.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Call(ctx, CmdShutdown, nil, nil)
}
