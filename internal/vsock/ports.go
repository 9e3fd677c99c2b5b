// Package vsock holds the vsock addressing shared by the host and the
// guest helper when the control channel runs over virtio-vsock.
package vsock

const (
	// GuestCID is the context ID assigned to the diskbox VM.
	// CIDs 0-2 are reserved (hypervisor, loopback, host).
	GuestCID = 3

	// ControlPort is the guest helper's listening port.
	ControlPort = 1025
)
