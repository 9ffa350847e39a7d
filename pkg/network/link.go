// Package network provisions the point-to-point TAP link between the host and
// the guest, plus the forwarding and NAT rules that give the guest egress.
package network

import (
	"fmt"
	"net"
)

// Default link parameters.
const (
	DefaultDevice       = "tap0"
	DefaultHostAddress  = "172.16.0.1"
	DefaultGuestAddress = "172.16.0.2"
	DefaultPrefixLen    = 24
)

// Link describes one host/guest TAP link. At most one link exists per device name.
type Link struct {
	Device       string
	HostAddress  string
	GuestAddress string
	PrefixLen    int
}

// DefaultLink returns tap0 with 172.16.0.1/24 on the host side.
func DefaultLink() Link {
	return Link{
		Device:       DefaultDevice,
		HostAddress:  DefaultHostAddress,
		GuestAddress: DefaultGuestAddress,
		PrefixLen:    DefaultPrefixLen,
	}
}

// HostCIDR is the host address with prefix, e.g. 172.16.0.1/24.
func (l Link) HostCIDR() string {
	return fmt.Sprintf("%s/%d", l.HostAddress, l.PrefixLen)
}

// GuestCIDR is the guest address with prefix, e.g. 172.16.0.2/24.
func (l Link) GuestCIDR() string {
	return fmt.Sprintf("%s/%d", l.GuestAddress, l.PrefixLen)
}

// Subnet returns the network both ends live in, e.g. 172.16.0.0/24.
func (l Link) Subnet() (string, error) {
	_, n, err := net.ParseCIDR(l.HostCIDR())
	if err != nil {
		return "", err
	}
	return n.String(), nil
}

// Validate checks that both addresses are IPv4 and share the subnet.
func (l Link) Validate() error {
	if l.Device == "" || len(l.Device) > 15 {
		return fmt.Errorf("invalid device name %q", l.Device)
	}
	host := net.ParseIP(l.HostAddress).To4()
	guest := net.ParseIP(l.GuestAddress).To4()
	if host == nil || guest == nil {
		return fmt.Errorf("link addresses must be IPv4: host=%q guest=%q", l.HostAddress, l.GuestAddress)
	}
	if l.PrefixLen < 1 || l.PrefixLen > 30 {
		return fmt.Errorf("invalid prefix length %d", l.PrefixLen)
	}
	if host.Equal(guest) {
		return fmt.Errorf("host and guest address are both %s", l.HostAddress)
	}
	_, n, err := net.ParseCIDR(l.HostCIDR())
	if err != nil {
		return err
	}
	if !n.Contains(guest) {
		return fmt.Errorf("guest address %s is outside %s", l.GuestAddress, n)
	}
	return nil
}

// Rule is a single iptables rule.
type Rule struct {
	Table string
	Chain string
	Spec  []string
}

func (r Rule) String() string {
	return fmt.Sprintf("%s/%s %v", r.Table, r.Chain, r.Spec)
}

// ForwardRules returns the NAT and forwarding rules for link egress through extIface.
func ForwardRules(link Link, extIface string) ([]Rule, error) {
	subnet, err := link.Subnet()
	if err != nil {
		return nil, err
	}
	return []Rule{
		{Table: "nat", Chain: "POSTROUTING", Spec: []string{"-s", subnet, "-o", extIface, "-j", "MASQUERADE"}},
		{Table: "filter", Chain: "FORWARD", Spec: []string{"-i", link.Device, "-o", extIface, "-j", "ACCEPT"}},
		{Table: "filter", Chain: "FORWARD", Spec: []string{"-i", extIface, "-o", link.Device, "-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED", "-j", "ACCEPT"}},
	}, nil
}
