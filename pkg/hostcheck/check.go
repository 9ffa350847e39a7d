// Package hostcheck verifies that the host can run a hardware-virtualized
// guest: the KVM device, the external tools the pipeline shells out to, and
// superuser access.
package hostcheck

import (
	"context"
	"log/slog"
	"os"
	"os/exec"

	"github.com/btcdash/microvm/pkg/errors"
)

// KVMDevice is the hardware-virtualization device node.
const KVMDevice = "/dev/kvm"

// Capability is the result of a host probe. It is never persisted.
type Capability struct {
	KVM     bool
	Tools   bool
	Root    bool
	Missing []string
}

// Probe abstracts the host queries so the checker can run unprivileged in tests.
type Probe interface {
	Stat(path string) error
	LookPath(name string) (string, error)
	Geteuid() int
}

type osProbe struct{}

func (osProbe) Stat(path string) error {
	_, err := os.Stat(path)
	return err
}

func (osProbe) LookPath(name string) (string, error) { return exec.LookPath(name) }

func (osProbe) Geteuid() int { return os.Geteuid() }

// Checker runs the capability checks.
type Checker struct {
	probe Probe
	tools []string
}

// NewChecker creates a checker for the given required executables.
func NewChecker(tools ...string) *Checker {
	return &Checker{probe: osProbe{}, tools: tools}
}

// WithProbe replaces the host probe.
func (c *Checker) WithProbe(p Probe) *Checker {
	c.probe = p
	return c
}

// Check probes the host. It fails with an EnvironmentError naming the first
// unmet requirement; all missing tools are listed in Capability.Missing.
func (c *Checker) Check(ctx context.Context) (*Capability, error) {
	capability := &Capability{}

	if err := c.probe.Stat(KVMDevice); err != nil {
		slog.Error("kvm_unavailable", "device", KVMDevice, "error", err)
		return capability, &errors.EnvironmentError{Reason: "no-hardware-virtualization", Err: err}
	}
	capability.KVM = true

	for _, tool := range c.tools {
		if _, err := c.probe.LookPath(tool); err != nil {
			capability.Missing = append(capability.Missing, tool)
		}
	}
	if len(capability.Missing) > 0 {
		slog.Error("tools_missing", "missing", capability.Missing)
		return capability, &errors.EnvironmentError{Reason: "missing-tool", Tool: capability.Missing[0]}
	}
	capability.Tools = true

	if c.probe.Geteuid() != 0 {
		slog.Error("superuser_required", "euid", c.probe.Geteuid())
		return capability, &errors.EnvironmentError{Reason: "not-root"}
	}
	capability.Root = true

	slog.Info("host_capable", "tools", c.tools)
	return capability, nil
}
