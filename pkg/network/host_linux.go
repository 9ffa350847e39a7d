//go:build linux

package network

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/btcdash/microvm/pkg/errors"
	"github.com/coreos/go-iptables/iptables"
	"github.com/vishvananda/netlink"
)

const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

// LinuxHost talks to the kernel over netlink and to iptables for rules. A
// nil ipt means iptables is unavailable: link operations still work and rule
// operations fail with ErrNoIptables.
type LinuxHost struct {
	ipt *iptables.IPTables
}

// NewHost creates a Linux host. A missing iptables binary is logged, not
// returned, so TAP devices can still be managed.
func NewHost() (Host, error) {
	ipt, err := iptables.New()
	if err != nil {
		slog.Warn("iptables_unavailable", "error", err)
		return &LinuxHost{}, nil
	}
	return &LinuxHost{ipt: ipt}, nil
}

func (h *LinuxHost) LinkExists(name string) (bool, error) {
	_, err := netlink.LinkByName(name)
	if err == nil {
		return true, nil
	}
	var notFound netlink.LinkNotFoundError
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, err
}

func (h *LinuxHost) CreateTap(name string) error {
	attrs := netlink.NewLinkAttrs()
	attrs.Name = name
	tap := &netlink.Tuntap{
		LinkAttrs: attrs,
		Mode:      netlink.TUNTAP_MODE_TAP,
		Flags:     netlink.TUNTAP_NO_PI,
	}
	return netlink.LinkAdd(tap)
}

func (h *LinuxHost) AddAddress(name, cidr string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return err
	}
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return err
	}
	return netlink.AddrAdd(link, addr)
}

func (h *LinuxHost) SetUp(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return err
	}
	return netlink.LinkSetUp(link)
}

func (h *LinuxHost) DeleteLink(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return err
	}
	return netlink.LinkDel(link)
}

func (h *LinuxHost) EnableForwarding() error {
	return os.WriteFile(ipForwardPath, []byte("1"), 0644)
}

func (h *LinuxHost) DefaultRouteInterface() (string, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return "", errors.Wrap(err, "failed to list routes")
	}
	for _, r := range routes {
		if r.Dst != nil && r.Dst.String() != "0.0.0.0/0" {
			continue
		}
		link, err := netlink.LinkByIndex(r.LinkIndex)
		if err != nil {
			return "", errors.Wrap(err, "failed to resolve default route link")
		}
		return link.Attrs().Name, nil
	}
	return "", fmt.Errorf("no default IPv4 route")
}

func (h *LinuxHost) AppendRule(r Rule) error {
	if h.ipt == nil {
		return ErrNoIptables
	}
	return iptablesErr(h.ipt.AppendUnique(r.Table, r.Chain, r.Spec...))
}

func (h *LinuxHost) DeleteRule(r Rule) error {
	if h.ipt == nil {
		return ErrNoIptables
	}
	return iptablesErr(h.ipt.DeleteIfExists(r.Table, r.Chain, r.Spec...))
}

// iptablesErr maps iptables' "you must be root" failures onto ErrPermission.
func iptablesErr(err error) error {
	if err == nil {
		return nil
	}
	var ipErr *iptables.Error
	if errors.As(err, &ipErr) && strings.Contains(ipErr.Error(), "Permission denied") {
		return fmt.Errorf("%w: %v", ErrPermission, err)
	}
	return err
}
