// Package guest implements the ttrpc service between diskbox and the helper
// running inside the VM.
//
// Every command is a unary method of ServiceName. Arguments and replies
// travel as google.protobuf.Struct documents, or google.protobuf.Empty when
// a command carries none.
package guest

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// ServiceName is the ttrpc service the helper registers.
const ServiceName = "diskbox.guest.v1.Helper"

// Ports the guest NFS server listens on. The host forwards to these.
const (
	NFSPort    = 2049
	MountdPort = 32767
)

// MountRoot is where the helper mounts the primary filesystem. Action
// scripts see it as DISKBOX_VM_MOUNT_POINT.
const MountRoot = "/mnt/diskbox"

// Command names a guest operation.
type Command string

const (
	CmdReady       Command = "ready"
	CmdUnlock      Command = "unlock"
	CmdLock        Command = "lock"
	CmdActivate    Command = "activate"
	CmdProbe       Command = "probe"
	CmdMount       Command = "mount"
	CmdExportReady Command = "export-ready"
	CmdUnmount     Command = "unmount"
	CmdRunAction   Command = "run-action"
	CmdShutdown    Command = "shutdown"
)

var commands = []Command{
	CmdReady, CmdUnlock, CmdLock, CmdActivate, CmdProbe,
	CmdMount, CmdExportReady, CmdUnmount, CmdRunAction, CmdShutdown,
}

// Code classifies a failed reply.
type Code string

const (
	CodeFailed          Code = "failed"
	CodeBadRequest      Code = "bad_request"
	CodeUnsupported     Code = "unsupported"
	CodeWrongPassphrase Code = "wrong_passphrase"
	CodeTimeout         Code = "timeout"
)

// ReadyReply is returned by the ready command.
type ReadyReply struct {
	ProtocolVersion int    `json:"protocol_version"`
	Kernel          string `json:"kernel,omitempty"`
}

// UnlockArgs opens an encrypted container. Kind is "luks" or "bitlocker".
type UnlockArgs struct {
	Kind       string `json:"kind"`
	Device     string `json:"device"`
	Name       string `json:"name"`
	Passphrase []byte `json:"passphrase"`
}

// LockArgs closes a mapping opened by unlock.
type LockArgs struct {
	Name string `json:"name"`
}

// ActivateArgs activates a volume group or assembles an md array.
type ActivateArgs struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name,omitempty"`
	Device  string   `json:"device,omitempty"`
	Members []string `json:"members,omitempty"`
}

// ProbeArgs asks the guest to identify the content of a device.
type ProbeArgs struct {
	Device string `json:"device"`
}

// ProbeReply mirrors blkid's answer. For an LVM PV it also carries what
// pvs and lvs report about its VG.
type ProbeReply struct {
	Content        string   `json:"content"`
	Label          string   `json:"label,omitempty"`
	UUID           string   `json:"uuid,omitempty"`
	VG             string   `json:"vg,omitempty"`
	VGUUID         string   `json:"vg_uuid,omitempty"`
	LogicalVolumes []string `json:"logical_volumes,omitempty"`
}

// MountArgs mounts Source at Target inside the guest.
type MountArgs struct {
	Source   string `json:"source"`
	FSType   string `json:"fstype,omitempty"`
	Options  string `json:"options,omitempty"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// MountReply reports what the guest actually mounted.
type MountReply struct {
	FSType string `json:"fstype"`
}

// ExportReadyArgs lists the guest paths to export over NFS. The first
// entry is the primary export; later entries are nested in it.
type ExportReadyArgs struct {
	Paths []string `json:"paths"`
}

// UnmountArgs unmounts a guest path.
type UnmountArgs struct {
	Target string `json:"target"`
}

// RunActionArgs runs a custom action script in the guest.
type RunActionArgs struct {
	Phase  string   `json:"phase"`
	Script string   `json:"script"`
	Env    []string `json:"env,omitempty"`
}

// RunActionReply carries the script output.
type RunActionReply struct {
	Output string `json:"output,omitempty"`
}

// RemoteError is a failed reply. It unwraps to the errdefs class of its
// code.
type RemoteError struct {
	Command Command
	Code    Code
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("guest %s failed (%s): %s", e.Command, e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return e.Code.class()
}

// Errorf builds a RemoteError on the guest side. The command is filled in
// when the reply is decoded.
func Errorf(code Code, format string, args ...any) error {
	return &RemoteError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorCode returns the protocol code for err.
func ErrorCode(err error) Code {
	var re *RemoteError
	if errors.As(err, &re) && re.Code != "" {
		return re.Code
	}
	return CodeFailed
}

// class returns the errdefs class a code travels as.
func (c Code) class() error {
	switch c {
	case CodeBadRequest:
		return errdefs.ErrInvalidArgument
	case CodeUnsupported:
		return errdefs.ErrNotImplemented
	case CodeWrongPassphrase:
		return errdefs.ErrUnauthenticated
	case CodeTimeout:
		return context.DeadlineExceeded
	default:
		return errdefs.ErrUnknown
	}
}

func codeOf(err error) Code {
	switch {
	case errdefs.IsInvalidArgument(err):
		return CodeBadRequest
	case errdefs.IsNotImplemented(err):
		return CodeUnsupported
	case errdefs.IsUnauthorized(err):
		return CodeWrongPassphrase
	case errdefs.IsDeadlineExceeded(err):
		return CodeTimeout
	default:
		return CodeFailed
	}
}
