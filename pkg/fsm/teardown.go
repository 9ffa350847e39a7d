package fsm

import (
	"context"
	"log/slog"
	"os"

	"github.com/btcdash/microvm/pkg/blockdev"
	"github.com/btcdash/microvm/pkg/network"
	"github.com/btcdash/microvm/pkg/rootfs"
	"github.com/btcdash/microvm/pkg/supervisor"
)

// TeardownPlan names the host resources a full teardown reclaims.
type TeardownPlan struct {
	// Handle is the guest to stop; nil when no guest was recorded.
	Handle        *supervisor.Handle
	Link          network.Link
	WorkspaceRoot string
	ControlSocket string
	VMConfigPath  string
}

// Teardown reclaims everything a run may have left behind: the guest, the
// link and its forwarding rules, scratch workspaces, the control socket and
// the VM config. Steps are independent and never fail; problems are logged.
// The published image and the kernel cache are kept.
func (m *Machine) Teardown(ctx context.Context, plan TeardownPlan) {
	slog.Info("teardown_started", "workspace_root", plan.WorkspaceRoot, "device", plan.Link.Device)

	if m.deps.VM != nil && plan.Handle != nil {
		if err := m.deps.VM.Stop(ctx, plan.Handle); err != nil {
			slog.Warn("teardown_stop_failed", "pid", plan.Handle.PID, "error", err)
		}
	} else {
		slog.Info("teardown_stop_skipped", "reason", "no guest recorded")
	}

	if m.deps.Network != nil {
		m.deps.Network.TeardownLink(ctx, plan.Link)
	} else {
		slog.Warn("teardown_network_skipped", "reason", "network provisioner unavailable")
	}

	workspaces, err := rootfs.Workspaces(plan.WorkspaceRoot)
	if err != nil {
		slog.Warn("teardown_list_workspaces_failed", "workspace_root", plan.WorkspaceRoot, "error", err)
	}
	for _, ws := range workspaces {
		removeWorkspace(ctx, m.deps.Images, ws)
	}

	for _, path := range []string{plan.ControlSocket, plan.VMConfigPath} {
		removeFile(path)
	}

	slog.Info("teardown_complete", "workspaces_removed", len(workspaces))
}

// removeWorkspace unmounts a scratch mount left by an interrupted build, then
// deletes the workspace.
func removeWorkspace(ctx context.Context, images blockdev.Manager, workspace string) {
	mnt := rootfs.MountPoint(workspace)
	if images != nil {
		if _, err := os.Stat(mnt); err == nil {
			if err := images.UnmountImage(ctx, mnt); err != nil {
				// Removing a live mount would delete the image contents through it
				slog.Warn("workspace_unmount_failed", "mount_path", mnt, "error", err)
				return
			}
		}
	}

	if err := os.RemoveAll(workspace); err != nil {
		slog.Warn("workspace_remove_failed", "workspace", workspace, "error", err)
		return
	}
	slog.Info("workspace_removed", "workspace", workspace)
}

func removeFile(path string) {
	if path == "" {
		return
	}
	err := os.Remove(path)
	switch {
	case err == nil:
		slog.Info("file_removed", "path", path)
	case os.IsNotExist(err):
		slog.Debug("file_absent", "path", path)
	default:
		slog.Warn("file_remove_failed", "path", path, "error", err)
	}
}
