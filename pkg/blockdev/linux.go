//go:build linux

package blockdev

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/btcdash/microvm/pkg/errors"
	"github.com/containerd/containerd/mount"
	"golang.org/x/sys/unix"
)

// LinuxManager implements image management on Linux with mkfs and loop mounts
type LinuxManager struct {
	fsType  string
	label   string
	mkfsBin string
	mounted map[string]string
}

// NewManager creates a Linux image manager
func NewManager() (Manager, error) {
	slog.Info("blockdev_init", "platform", "linux", "fs_type", DefaultFSType)

	if os.Geteuid() != 0 {
		slog.Error("blockdev_requires_root")
		return nil, fmt.Errorf("mounting images requires root privileges")
	}

	mkfsBin, err := exec.LookPath("mkfs." + DefaultFSType)
	if err != nil {
		slog.Error("mkfs_not_found", "fs_type", DefaultFSType, "error", err)
		return nil, errors.Wrap(err, "mkfs not found")
	}

	return &LinuxManager{
		fsType:  DefaultFSType,
		label:   DefaultLabel,
		mkfsBin: mkfsBin,
		mounted: make(map[string]string),
	}, nil
}

func (m *LinuxManager) CreateImage(ctx context.Context, path string, sizeMB int) (*ImageInfo, error) {
	return AllocateImage(path, sizeMB)
}

func (m *LinuxManager) Format(ctx context.Context, path string) error {
	slog.Info("format_image", "path", path, "filesystem", m.fsType)

	// -F forces creation even though it's not a real block device
	cmd := exec.CommandContext(ctx, m.mkfsBin, "-F", "-q", "-L", m.label, path)
	if out, err := cmd.CombinedOutput(); err != nil {
		slog.Error("image_format_failed", "path", path, "error", err, "output", string(out))
		return errors.Wrap(err, "failed to format image")
	}

	slog.Info("format_complete", "path", path)
	return nil
}

func (m *LinuxManager) MountImage(ctx context.Context, imagePath, mountPath string) error {
	slog.Info("mount_image", "image_path", imagePath, "mount_path", mountPath)

	mnt := mount.Mount{
		Type:    m.fsType,
		Source:  imagePath,
		Options: loopOptions(),
	}
	if err := mnt.Mount(mountPath); err != nil {
		slog.Error("mount_failed", "image_path", imagePath, "mount_path", mountPath, "error", err)
		return errors.Wrap(err, "failed to mount image")
	}

	m.mounted[mountPath] = imagePath
	slog.Info("mount_complete", "mount_path", mountPath)
	return nil
}

func (m *LinuxManager) UnmountImage(ctx context.Context, mountPath string) error {
	slog.Info("unmount_image", "mount_path", mountPath)

	// The loop device is set up with autoclear, so it is released with the mount.
	if err := mount.Unmount(mountPath, 0); err != nil {
		if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOENT) {
			slog.Info("unmount_not_mounted", "mount_path", mountPath)
			delete(m.mounted, mountPath)
			return nil
		}
		slog.Error("unmount_failed", "mount_path", mountPath, "error", err)
		return errors.Wrap(err, "failed to unmount image")
	}

	delete(m.mounted, mountPath)
	slog.Info("unmount_complete", "mount_path", mountPath)
	return nil
}

// Close unmounts anything this manager left mounted.
func (m *LinuxManager) Close() error {
	var firstErr error
	for mountPath := range m.mounted {
		if err := m.UnmountImage(context.Background(), mountPath); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func loopOptions() []string {
	return []string{"loop", "rw"}
}
