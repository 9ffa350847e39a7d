package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/btcdash/microvm/pkg/errors"
	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	models "github.com/firecracker-microvm/firecracker-go-sdk/client/models"
)

// Identifiers used inside the VM config.
const (
	RootDriveID = "rootfs"
	IfaceID     = "eth0"
)

// VMConfig is the document passed to firecracker --config-file.
type VMConfig struct {
	BootSource        *models.BootSource           `json:"boot-source"`
	Drives            []*models.Drive              `json:"drives"`
	MachineConfig     *models.MachineConfiguration `json:"machine-config"`
	NetworkInterfaces []*models.NetworkInterface   `json:"network-interfaces"`
}

// BuildVMConfig assembles the config for one guest: the kernel, the rootfs as
// the writable root drive, and one NIC bound to the link's TAP device.
func BuildVMConfig(opts Options, a Artifacts) *VMConfig {
	return &VMConfig{
		BootSource: &models.BootSource{
			KernelImagePath: firecracker.String(a.Kernel),
			BootArgs:        opts.BootArgs,
		},
		Drives: []*models.Drive{{
			DriveID:      firecracker.String(RootDriveID),
			PathOnHost:   firecracker.String(a.Rootfs),
			IsRootDevice: firecracker.Bool(true),
			IsReadOnly:   firecracker.Bool(false),
		}},
		MachineConfig: &models.MachineConfiguration{
			VcpuCount:  firecracker.Int64(int64(opts.VCPUs)),
			MemSizeMib: firecracker.Int64(int64(opts.MemoryMiB)),
			Smt:        firecracker.Bool(false),
		},
		NetworkInterfaces: []*models.NetworkInterface{{
			IfaceID:     firecracker.String(IfaceID),
			HostDevName: firecracker.String(a.Link.Device),
			GuestMac:    opts.GuestMAC,
		}},
	}
}

// WriteVMConfig writes cfg as indented JSON at path.
func WriteVMConfig(path string, cfg *VMConfig) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode vm config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return errors.Wrap(err, "failed to write vm config")
	}
	return nil
}
