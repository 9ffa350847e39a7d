package rootfs

import (
	"fmt"
	"strings"

	"github.com/btcdash/microvm/internal/config"
	"github.com/btcdash/microvm/pkg/network"
)

// GuestInterface is the guest side of the TAP link.
const GuestInterface = "eth0"

// BootstrapScript renders /init: pseudo filesystems, static addressing from
// link, then exec of the workload from its app directory so that the
// relative dist path resolves.
func BootstrapScript(link network.Link) string {
	var buf strings.Builder
	buf.WriteString("#!/bin/sh\n")
	buf.WriteString("mkdir -p /proc /sys /dev /tmp /run\n")
	buf.WriteString("mount -t proc proc /proc\n")
	buf.WriteString("mount -t sysfs sysfs /sys\n")
	buf.WriteString("mount -t devtmpfs devtmpfs /dev 2>/dev/null || true\n")
	buf.WriteString("mount -t tmpfs tmpfs /tmp\n")
	buf.WriteString("mount -t tmpfs tmpfs /run\n")
	buf.WriteString("ip link set lo up\n")
	fmt.Fprintf(&buf, "ip addr add %s dev %s\n", link.GuestCIDR(), GuestInterface)
	fmt.Fprintf(&buf, "ip link set %s up\n", GuestInterface)
	fmt.Fprintf(&buf, "ip route add default via %s dev %s\n", link.HostAddress, GuestInterface)
	fmt.Fprintf(&buf, "echo \"init: %s up, gateway %s\" > /dev/console\n", link.GuestCIDR(), link.HostAddress)
	fmt.Fprintf(&buf, "cd %s\n", config.GuestAppDir)
	fmt.Fprintf(&buf, "exec %s\n", config.GuestBinaryPath)
	return buf.String()
}
