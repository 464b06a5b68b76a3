package qemu

import (
	"fmt"
	"strings"

	"github.com/projecteru2/capsule/config"
	"github.com/projecteru2/capsule/cvm"
)

// buildArgs assembles the QEMU argv for one instance: TDX machine options,
// direct kernel boot from the image set, the vsock CID, a 9p export of the
// shared directory, and user-mode networking with one hostfwd entry per
// forwarded port.
func buildArgs(conf *config.Config, spec *cvm.LaunchSpec) ([]string, error) {
	m := &spec.Manifest
	img := spec.Image
	if img.Kernel == "" || img.Rootfs == "" {
		return nil, fmt.Errorf("image %q is missing kernel or rootfs", m.Image)
	}

	args := []string{
		"-accel", "kvm",
		"-cpu", "host",
		"-machine", "q35,kernel-irqchip=split,confidential-guest-support=tdx,hpet=off",
		"-object", "tdx-guest,id=tdx",
		"-nographic",
		"-nodefaults",
		"-smp", fmt.Sprintf("%d", m.Vcpu),
		"-m", fmt.Sprintf("%dM", m.MemoryMB),
		"-qmp", fmt.Sprintf("unix:%s,server=on,wait=off", conf.VMQMPSocket(m.ID)),
		"-serial", fmt.Sprintf("file:%s", conf.VMSerialLog(m.ID)),
		"-kernel", img.Kernel,
	}
	if img.Initrd != "" {
		args = append(args, "-initrd", img.Initrd)
	}
	if img.Cmdline != "" {
		args = append(args, "-append", img.Cmdline)
	}
	if img.Bios != "" {
		args = append(args, "-bios", img.Bios)
	}

	args = append(args,
		"-drive", fmt.Sprintf("file=%s,if=virtio,format=raw,readonly=on", img.Rootfs),
		"-device", fmt.Sprintf("vhost-vsock-pci,guest-cid=%d", m.CID),
		"-virtfs", fmt.Sprintf("local,path=%s,mount_tag=host-shared,readonly=off,security_model=mapped,id=virtfs0", spec.SharedDir),
	)

	// User-mode networking; each forwarded port becomes one hostfwd entry.
	var netdev strings.Builder
	netdev.WriteString("user,id=net0")
	for _, pm := range m.PortMap {
		fmt.Fprintf(&netdev, ",hostfwd=%s:%s:%d-:%d", pm.Protocol, pm.Address, pm.HostPort, pm.GuestPort)
	}
	args = append(args,
		"-netdev", netdev.String(),
		"-device", "virtio-net-pci,netdev=net0",
	)
	return args, nil
}
