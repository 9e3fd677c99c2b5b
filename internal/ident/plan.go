package ident

import (
	"fmt"
	"path"

	"github.com/spin-stack/diskbox/internal/topology"
)

// Attachment is one host block device handed to the VM.
type Attachment struct {
	Path     string `json:"path" yaml:"path"`
	ReadOnly bool   `json:"read_only" yaml:"read_only"`
}

// StepKind names a guest-side preparation step.
type StepKind string

const (
	StepUnlockLUKS      StepKind = "luks"
	StepUnlockBitLocker StepKind = "bitlocker"
	StepActivateLVM     StepKind = "lvm"
	StepAssembleRAID    StepKind = "raid"
)

// Step is one guest-side operation that must succeed before mount.
type Step struct {
	Kind StepKind `json:"kind" yaml:"kind"`
	// Device is the guest device the step operates on. For RAID it is the
	// array device to create.
	Device string `json:"device" yaml:"device"`
	// Name is the mapper name for unlock steps and the VG for LVM.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// Members lists guest devices for RAID assembly.
	Members []string `json:"members,omitempty" yaml:"members,omitempty"`
	// HostDevice is the host device an unlock step refers to, used in
	// prompts.
	HostDevice string `json:"host_device,omitempty" yaml:"host_device,omitempty"`
	// Index is the 1-based position among unlock steps.
	Index int `json:"index,omitempty" yaml:"index,omitempty"`
}

// Unlock reports whether the step needs a passphrase.
func (s Step) Unlock() bool {
	return s.Kind == StepUnlockLUKS || s.Kind == StepUnlockBitLocker
}

// Plan is everything needed to mount one identifier.
type Plan struct {
	Identifier string `json:"identifier" yaml:"identifier"`
	// Attachments are attached in this order; the guest names them
	// /dev/vda, /dev/vdb, ...
	Attachments []Attachment `json:"attachments" yaml:"attachments"`
	Steps       []Step       `json:"steps,omitempty" yaml:"steps,omitempty"`
	GuestSource string       `json:"guest_source" yaml:"guest_source"`
	// Chain is the content kind chain, outermost first.
	Chain   []topology.ContentKind `json:"-" yaml:"-"`
	Options string                 `json:"options,omitempty" yaml:"options,omitempty"`
	FSType  string                 `json:"fstype,omitempty" yaml:"fstype,omitempty"`
	// Label names the mount point when none is given.
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

// Encrypted reports whether any step needs a passphrase.
func (p *Plan) Encrypted() bool {
	return len(p.UnlockSteps()) > 0
}

// HasLUKS reports whether a LUKS unlock is part of the plan.
func (p *Plan) HasLUKS() bool {
	for _, s := range p.Steps {
		if s.Kind == StepUnlockLUKS {
			return true
		}
	}
	return false
}

// UnlockSteps returns the steps that need a passphrase, in order.
func (p *Plan) UnlockSteps() []Step {
	var out []Step
	for _, s := range p.Steps {
		if s.Unlock() {
			out = append(out, s)
		}
	}
	return out
}

// ChainString renders the content chain, e.g. "LUKS > LVM2 PV (vg1) > ext4".
func (p *Plan) ChainString() string {
	s := ""
	for i, k := range p.Chain {
		if i > 0 {
			s += " > "
		}
		s += k.String()
	}
	return s
}

// GuestDevice returns the guest name of the i-th attachment.
func GuestDevice(i int) string {
	if i < 26 {
		return fmt.Sprintf("/dev/vd%c", 'a'+i)
	}
	return fmt.Sprintf("/dev/vd%c%c", 'a'+i/26-1, 'a'+i%26)
}

// MapperPath returns the device-mapper path for a mapping name.
func MapperPath(name string) string {
	return path.Join("/dev/mapper", name)
}
