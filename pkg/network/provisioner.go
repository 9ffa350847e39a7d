package network

import (
	"context"
	"log/slog"
	"os"

	"github.com/btcdash/microvm/pkg/errors"
)

// ErrPermission is returned by a Host when the kernel or iptables rejected a
// privileged operation.
var ErrPermission = os.ErrPermission

// ErrNoIptables is returned for rule operations on a host without iptables.
var ErrNoIptables = errors.New("iptables not available")

// Host is the set of privileged host operations the provisioner needs.
type Host interface {
	LinkExists(name string) (bool, error)
	CreateTap(name string) error
	AddAddress(name, cidr string) error
	SetUp(name string) error
	DeleteLink(name string) error
	EnableForwarding() error
	DefaultRouteInterface() (string, error)
	AppendRule(r Rule) error
	DeleteRule(r Rule) error
}

// Provisioner creates and removes host/guest links.
type Provisioner struct {
	host          Host
	externalIface string
}

// NewProvisioner creates a provisioner. An empty externalIface means the
// interface carrying the default route.
func NewProvisioner(host Host, externalIface string) *Provisioner {
	return &Provisioner{host: host, externalIface: externalIface}
}

// SetupLink creates the TAP device, assigns the host address, brings it up,
// enables forwarding and installs NAT rules. It fails with device-exists if
// the device is already present and leaves that device untouched.
func (p *Provisioner) SetupLink(ctx context.Context, link Link) error {
	slog.Info("network_setup", "device", link.Device, "host_cidr", link.HostCIDR(), "guest", link.GuestAddress)

	if err := link.Validate(); err != nil {
		return &errors.NetworkError{Reason: "setup", Device: link.Device, Err: err}
	}

	exists, err := p.host.LinkExists(link.Device)
	if err != nil {
		return p.fail(link, "lookup", err)
	}
	if exists {
		slog.Error("tap_already_exists", "device", link.Device)
		return &errors.NetworkError{Reason: "device-exists", Device: link.Device}
	}

	if err := p.host.CreateTap(link.Device); err != nil {
		if errors.Is(err, os.ErrExist) {
			return &errors.NetworkError{Reason: "device-exists", Device: link.Device, Err: err}
		}
		return p.fail(link, "create tap", err)
	}
	slog.Info("tap_created", "device", link.Device)

	if err := p.host.AddAddress(link.Device, link.HostCIDR()); err != nil {
		return p.fail(link, "assign address", err)
	}
	if err := p.host.SetUp(link.Device); err != nil {
		return p.fail(link, "link up", err)
	}
	if err := p.host.EnableForwarding(); err != nil {
		return p.fail(link, "enable forwarding", err)
	}

	ext, err := p.resolveExternal()
	if err != nil {
		return p.fail(link, "resolve external interface", err)
	}

	rules, err := ForwardRules(link, ext)
	if err != nil {
		return p.fail(link, "build rules", err)
	}
	for _, r := range rules {
		if err := p.host.AppendRule(r); err != nil {
			return p.fail(link, "iptables "+r.Table+" "+r.Chain, err)
		}
		slog.Debug("iptables_rule_added", "rule", r.String())
	}

	slog.Info("network_ready", "device", link.Device, "external_iface", ext, "rules", len(rules))
	return nil
}

// TeardownLink removes the device and the rules SetupLink installed. It never
// fails: absent resources are skipped and other errors are logged.
func (p *Provisioner) TeardownLink(ctx context.Context, link Link) {
	slog.Info("network_teardown", "device", link.Device)

	exists, err := p.host.LinkExists(link.Device)
	switch {
	case err != nil:
		slog.Warn("tap_lookup_failed", "device", link.Device, "error", err)
	case !exists:
		slog.Info("tap_not_found", "device", link.Device)
	default:
		if err := p.host.DeleteLink(link.Device); err != nil {
			slog.Warn("tap_delete_failed", "device", link.Device, "error", err)
		} else {
			slog.Info("tap_deleted", "device", link.Device)
		}
	}

	ext, err := p.resolveExternal()
	if err != nil {
		slog.Warn("iptables_cleanup_skipped", "device", link.Device, "error", err)
		return
	}
	rules, err := ForwardRules(link, ext)
	if err != nil {
		slog.Warn("iptables_cleanup_skipped", "device", link.Device, "error", err)
		return
	}
	for _, r := range rules {
		if err := p.host.DeleteRule(r); err != nil {
			slog.Warn("iptables_rule_delete_failed", "rule", r.String(), "error", err)
			continue
		}
		slog.Debug("iptables_rule_removed", "rule", r.String())
	}
}

func (p *Provisioner) resolveExternal() (string, error) {
	if p.externalIface != "" {
		return p.externalIface, nil
	}
	return p.host.DefaultRouteInterface()
}

func (p *Provisioner) fail(link Link, step string, err error) error {
	slog.Error("network_setup_failed", "device", link.Device, "step", step, "error", err)
	reason := "setup"
	if errors.Is(err, ErrPermission) {
		reason = "permission"
	}
	return &errors.NetworkError{Reason: reason, Device: link.Device, Err: errors.Wrap(err, step)}
}
