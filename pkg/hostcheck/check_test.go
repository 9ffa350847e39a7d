package hostcheck

import (
	"context"
	"os"
	"testing"

	"github.com/btcdash/microvm/pkg/errors"
)

type fakeProbe struct {
	kvm   bool
	tools map[string]bool
	euid  int
}

func (p *fakeProbe) Stat(path string) error {
	if path == KVMDevice && p.kvm {
		return nil
	}
	return os.ErrNotExist
}

func (p *fakeProbe) LookPath(name string) (string, error) {
	if p.tools[name] {
		return "/usr/bin/" + name, nil
	}
	return "", os.ErrNotExist
}

func (p *fakeProbe) Geteuid() int { return p.euid }

func TestCheck(t *testing.T) {
	all := map[string]bool{"firecracker": true, "mkfs.ext4": true}

	tests := []struct {
		name     string
		probe    *fakeProbe
		reason   string
		tool     string
		capable  bool
		nMissing int
	}{
		{"capable host", &fakeProbe{kvm: true, tools: all, euid: 0}, "", "", true, 0},
		{"no kvm", &fakeProbe{kvm: false, tools: all}, "no-hardware-virtualization", "", false, 0},
		{"missing firecracker", &fakeProbe{kvm: true, tools: map[string]bool{"mkfs.ext4": true}}, "missing-tool", "firecracker", false, 1},
		{"missing both", &fakeProbe{kvm: true, tools: map[string]bool{}}, "missing-tool", "firecracker", false, 2},
		{"not root", &fakeProbe{kvm: true, tools: all, euid: 1000}, "not-root", "", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker("firecracker", "mkfs.ext4").WithProbe(tt.probe)
			capability, err := c.Check(context.Background())

			if tt.capable {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if !capability.KVM || !capability.Tools || !capability.Root {
					t.Errorf("expected all flags set, got %+v", capability)
				}
				return
			}

			var envErr *errors.EnvironmentError
			if !errors.As(err, &envErr) {
				t.Fatalf("expected EnvironmentError, got %v", err)
			}
			if envErr.Reason != tt.reason {
				t.Errorf("reason = %s, want %s", envErr.Reason, tt.reason)
			}
			if envErr.Tool != tt.tool {
				t.Errorf("tool = %s, want %s", envErr.Tool, tt.tool)
			}
			if len(capability.Missing) != tt.nMissing {
				t.Errorf("missing = %v, want %d entries", capability.Missing, tt.nMissing)
			}
		})
	}
}

func TestCheckIsRepeatable(t *testing.T) {
	probe := &fakeProbe{kvm: true, tools: map[string]bool{"firecracker": true}, euid: 0}
	c := NewChecker("firecracker").WithProbe(probe)

	for i := 0; i < 3; i++ {
		if _, err := c.Check(context.Background()); err != nil {
			t.Fatalf("check %d failed: %v", i, err)
		}
	}
}

func TestOSProbeReportsProcessEUID(t *testing.T) {
	if got, want := (osProbe{}).Geteuid(), os.Geteuid(); got != want {
		t.Errorf("Geteuid() = %d, want %d", got, want)
	}
	if _, err := (osProbe{}).LookPath("definitely-not-a-real-tool-xyz"); err == nil {
		t.Error("LookPath found a tool that does not exist")
	}
}
