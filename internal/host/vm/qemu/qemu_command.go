package qemu

import (
	"fmt"
	"strings"

	"github.com/spin-stack/diskbox/internal/host/vm"
)

// qemuCommandBuilder constructs QEMU command-line arguments using a fluent builder pattern.
//
// Example usage:
//
//	cmd := newQemuCommandBuilder().
//		setMachine("virt", "accel=hvf").
//		setCPU("host").
//		setSMP(1).
//		setMemory(512).
//		setKernel("/boot/vmlinuz").
//		build()
type qemuCommandBuilder struct {
	args []string
}

func newQemuCommandBuilder() *qemuCommandBuilder {
	return &qemuCommandBuilder{
		args: make([]string, 0, 64),
	}
}

// setNoDefaults disables default devices (-nodefaults).
func (b *qemuCommandBuilder) setNoDefaults() *qemuCommandBuilder {
	b.args = append(b.args, "-nodefaults")
	return b
}

// setMachine sets the machine type and options (-machine option).
// Example: setMachine("q35", "accel=kvm")
func (b *qemuCommandBuilder) setMachine(machineType string, options ...string) *qemuCommandBuilder {
	value := machineType
	if len(options) > 0 {
		value = fmt.Sprintf("%s,%s", machineType, strings.Join(options, ","))
	}
	b.args = append(b.args, "-machine", value)
	return b
}

// setCPU sets the CPU model and features (-cpu option).
func (b *qemuCommandBuilder) setCPU(model string, features ...string) *qemuCommandBuilder {
	value := model
	if len(features) > 0 {
		value = fmt.Sprintf("%s,%s", model, strings.Join(features, ","))
	}
	b.args = append(b.args, "-cpu", value)
	return b
}

// setSMP sets the vCPU count (-smp option).
func (b *qemuCommandBuilder) setSMP(cpus int) *qemuCommandBuilder {
	b.args = append(b.args, "-smp", fmt.Sprintf("%d", cpus))
	return b
}

// setMemory sets guest RAM in MiB (-m option).
func (b *qemuCommandBuilder) setMemory(memoryMiB int) *qemuCommandBuilder {
	b.args = append(b.args, "-m", fmt.Sprintf("%d", memoryMiB))
	return b
}

func (b *qemuCommandBuilder) setKernel(path string) *qemuCommandBuilder {
	b.args = append(b.args, "-kernel", path)
	return b
}

func (b *qemuCommandBuilder) setInitrd(path string) *qemuCommandBuilder {
	b.args = append(b.args, "-initrd", path)
	return b
}

func (b *qemuCommandBuilder) setKernelArgs(cmdline string) *qemuCommandBuilder {
	b.args = append(b.args, "-append", cmdline)
	return b
}

// setNoDisplay disables the graphical display. -nographic is avoided since
// it claims stdio for the serial console.
func (b *qemuCommandBuilder) setNoDisplay() *qemuCommandBuilder {
	b.args = append(b.args, "-display", "none")
	return b
}

// setSerial sets serial port configuration (-serial option).
// Example: setSerial("file:/tmp/console.log")
func (b *qemuCommandBuilder) setSerial(config string) *qemuCommandBuilder {
	b.args = append(b.args, "-serial", config)
	return b
}

func (b *qemuCommandBuilder) addDevice(device string) *qemuCommandBuilder {
	b.args = append(b.args, "-device", device)
	return b
}

// addVsockDevice adds a vhost-vsock device for guest communication.
func (b *qemuCommandBuilder) addVsockDevice(guestCID int) *qemuCommandBuilder {
	return b.addDevice(fmt.Sprintf("vhost-vsock-pci,guest-cid=%d", guestCID))
}

// addSerialChannel adds a virtio-serial port named name whose host side is
// a listening unix socket.
//
//	-chardev socket,id=<id>,path=<socket>,server=on,wait=off
//	-device virtio-serial-pci
//	-device virtserialport,chardev=<id>,name=<name>
func (b *qemuCommandBuilder) addSerialChannel(id, socketPath, name string) *qemuCommandBuilder {
	b.args = append(b.args, "-chardev", fmt.Sprintf("socket,id=%s,path=%s,server=on,wait=off", id, socketPath))
	b.addDevice("virtio-serial-pci")
	return b.addDevice(fmt.Sprintf("virtserialport,chardev=%s,name=%s", id, name))
}

func (b *qemuCommandBuilder) addVirtioRNG() *qemuCommandBuilder {
	return b.addDevice("virtio-rng-pci")
}

// setQMPUnixSocket sets QMP to use a Unix socket.
func (b *qemuCommandBuilder) setQMPUnixSocket(socketPath string) *qemuCommandBuilder {
	b.args = append(b.args, "-qmp", fmt.Sprintf("unix:%s,server=on,wait=off", socketPath))
	return b
}

// addDisk adds a host block device with virtio-blk.
//
//	-drive file=<path>,if=none,id=<id>,format=raw,cache=none[,readonly=on]
//	-device virtio-blk-pci,drive=<id>
//
// Disks are always raw: the path is a device node, never an image.
func (b *qemuCommandBuilder) addDisk(disk *DiskConfig) *qemuCommandBuilder {
	driveArgs := fmt.Sprintf("file=%s,if=none,id=%s,format=raw,cache=none", escapeOpt(disk.Path), disk.ID)
	if disk.Readonly {
		driveArgs += ",readonly=on"
	}
	b.args = append(b.args, "-drive", driveArgs)
	return b.addDevice(fmt.Sprintf("virtio-blk-pci,drive=%s", disk.ID))
}

// addShare exports a host directory over virtio-9p.
func (b *qemuCommandBuilder) addShare(id string, share *ShareConfig) *qemuCommandBuilder {
	b.args = append(b.args,
		"-fsdev", fmt.Sprintf("local,id=%s,path=%s,security_model=none,readonly=on", id, escapeOpt(share.Path)),
	)
	return b.addDevice(fmt.Sprintf("virtio-9p-pci,fsdev=%s,mount_tag=%s", id, share.Tag))
}

// addUserNetwork adds a slirp NIC with host port forwards.
//
//	-netdev user,id=<id>,hostfwd=tcp:<addr>:<port>-:<guest>,...
//	-device virtio-net-pci,netdev=<id>,romfile=
func (b *qemuCommandBuilder) addUserNetwork(id string, forwards []vm.PortForward) *qemuCommandBuilder {
	netdev := "user,id=" + id
	for _, f := range forwards {
		addr := f.HostAddr
		if addr == "" {
			addr = "127.0.0.1"
		}
		netdev += fmt.Sprintf(",hostfwd=tcp:%s:%d-:%d", addr, f.HostPort, f.GuestPort)
	}
	b.args = append(b.args, "-netdev", netdev)
	return b.addDevice(fmt.Sprintf("virtio-net-pci,netdev=%s,romfile=", id))
}

func (b *qemuCommandBuilder) addRaw(args ...string) *qemuCommandBuilder {
	b.args = append(b.args, args...)
	return b
}

// build returns the complete command-line arguments.
func (b *qemuCommandBuilder) build() []string {
	return b.args
}

// escapeOpt doubles commas, the QEMU option-value escape.
func escapeOpt(s string) string {
	return strings.ReplaceAll(s, ",", ",,")
}
