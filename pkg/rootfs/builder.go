// Package rootfs assembles the guest root filesystem image: base OS tree,
// workload binary, static assets and the /init bootstrap, packed into a
// loop-mounted ext4 image and published to a fixed path.
package rootfs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcdash/microvm/internal/config"
	"github.com/btcdash/microvm/pkg/baseimage"
	"github.com/btcdash/microvm/pkg/blockdev"
	"github.com/btcdash/microvm/pkg/errors"
	"github.com/btcdash/microvm/pkg/network"
	securejoin "github.com/cyphar/filepath-securejoin"
)

// Build steps, in order.
const (
	StepWorkspaceCreate = "workspace-create"
	StepBaseExport      = "base-export"
	StepCopyWorkload    = "copy-workload"
	StepCopyAssets      = "copy-assets"
	StepBootstrap       = "bootstrap"
	StepAllocate        = "allocate"
	StepFormat          = "format"
	StepMount           = "mount"
	StepPopulate        = "populate"
	StepUnmount         = "unmount"
	StepPublish         = "publish"
)

// WorkspacePrefix names per-run scratch directories under the workspace root.
const WorkspacePrefix = "run-"

// Request is the input to Build.
type Request struct {
	WorkloadBinary string
	AssetDir       string
	SizeMB         int
	Link           network.Link
}

// Image is a published root filesystem.
type Image struct {
	Path         string
	SizeBytes    int64
	Workspace    string
	GuestAddress string
}

// Builder builds root filesystem images.
type Builder struct {
	images        blockdev.Manager
	source        baseimage.Source
	workspaceRoot string
	publishPath   string
}

// NewBuilder creates a builder publishing to publishPath.
func NewBuilder(images blockdev.Manager, source baseimage.Source, workspaceRoot, publishPath string) *Builder {
	return &Builder{
		images:        images,
		source:        source,
		workspaceRoot: workspaceRoot,
		publishPath:   publishPath,
	}
}

// Build runs every step in a fresh workspace. On failure the workspace is
// left in place and the error is a *errors.BuildError naming the step.
// Rebuilding overwrites the published image.
func (b *Builder) Build(ctx context.Context, req Request) (*Image, error) {
	if req.SizeMB <= 0 {
		req.SizeMB = blockdev.DefaultSizeMB
	}

	slog.Info("rootfs_build_started",
		"workload", req.WorkloadBinary,
		"assets", req.AssetDir,
		"size_mb", req.SizeMB,
		"source", b.source.Name(),
		"guest", req.Link.GuestCIDR())

	if err := os.MkdirAll(b.workspaceRoot, 0755); err != nil {
		return nil, b.fail("", StepWorkspaceCreate, err)
	}
	workspace, err := os.MkdirTemp(b.workspaceRoot, WorkspacePrefix+"*")
	if err != nil {
		return nil, b.fail("", StepWorkspaceCreate, err)
	}
	slog.Info("workspace_created", "workspace", workspace)

	tree := filepath.Join(workspace, "tree")
	if err := os.MkdirAll(tree, 0755); err != nil {
		return nil, b.fail(workspace, StepWorkspaceCreate, err)
	}

	if err := b.source.Export(ctx, tree); err != nil {
		return nil, b.fail(workspace, StepBaseExport, err)
	}

	binPath, err := guestPath(tree, config.GuestBinaryPath)
	if err != nil {
		return nil, b.fail(workspace, StepCopyWorkload, err)
	}
	if err := copyFile(req.WorkloadBinary, binPath, 0755); err != nil {
		return nil, b.fail(workspace, StepCopyWorkload, err)
	}
	assetPath, err := guestPath(tree, config.GuestAssetDir)
	if err != nil {
		return nil, b.fail(workspace, StepCopyAssets, err)
	}
	if err := copyDir(req.AssetDir, assetPath); err != nil {
		return nil, b.fail(workspace, StepCopyAssets, err)
	}

	if err := req.Link.Validate(); err != nil {
		return nil, b.fail(workspace, StepBootstrap, err)
	}
	initPath, err := guestPath(tree, config.GuestInitPath)
	if err != nil {
		return nil, b.fail(workspace, StepBootstrap, err)
	}
	if err := writeFile(initPath, []byte(BootstrapScript(req.Link)), 0755); err != nil {
		return nil, b.fail(workspace, StepBootstrap, err)
	}

	imagePath := filepath.Join(workspace, filepath.Base(b.publishPath))
	info, err := b.images.CreateImage(ctx, imagePath, req.SizeMB)
	if err != nil {
		return nil, b.fail(workspace, StepAllocate, err)
	}

	if err := b.images.Format(ctx, imagePath); err != nil {
		return nil, b.fail(workspace, StepFormat, err)
	}

	mnt := MountPoint(workspace)
	if err := os.MkdirAll(mnt, 0755); err != nil {
		return nil, b.fail(workspace, StepMount, err)
	}
	if err := b.images.MountImage(ctx, imagePath, mnt); err != nil {
		return nil, b.fail(workspace, StepMount, err)
	}

	if err := b.populate(tree, mnt, info.Size); err != nil {
		if uerr := b.images.UnmountImage(ctx, mnt); uerr != nil {
			slog.Warn("unmount_after_populate_failed", "mount_path", mnt, "error", uerr)
		}
		return nil, b.fail(workspace, StepPopulate, err)
	}

	if err := b.images.UnmountImage(ctx, mnt); err != nil {
		return nil, b.fail(workspace, StepUnmount, err)
	}

	if err := publishFile(imagePath, b.publishPath); err != nil {
		return nil, b.fail(workspace, StepPublish, err)
	}

	slog.Info("rootfs_published", "path", b.publishPath, "size_mb", info.Size/blockdev.MiB, "workspace", workspace)

	return &Image{
		Path:         b.publishPath,
		SizeBytes:    info.Size,
		Workspace:    workspace,
		GuestAddress: req.Link.GuestAddress,
	}, nil
}

func (b *Builder) populate(tree, mnt string, capacity int64) error {
	size, err := treeSize(tree)
	if err != nil {
		return err
	}
	if size > capacity {
		return fmt.Errorf("tree is %d bytes, image holds %d", size, capacity)
	}
	slog.Info("populate_image", "tree", tree, "mount_path", mnt, "tree_mb", size/blockdev.MiB)
	return copyDir(tree, mnt)
}

func (b *Builder) fail(workspace, step string, err error) error {
	slog.Error("rootfs_build_failed", "step", step, "workspace", workspace, "error", err)
	return &errors.BuildError{Step: step, Err: err}
}

// MountPoint is where a workspace's image is mounted while it is populated.
func MountPoint(workspace string) string {
	return filepath.Join(workspace, "mnt")
}

// Workspaces lists the run workspaces under root.
func Workspaces(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), WorkspacePrefix) {
			out = append(out, filepath.Join(root, e.Name()))
		}
	}
	return out, nil
}

// guestPath maps an absolute guest path into tree. Symlinks the base OS put
// in the parent path resolve as the guest would see them, never out of tree.
func guestPath(tree, p string) (string, error) {
	parent, err := securejoin.SecureJoin(tree, filepath.Dir(p))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, filepath.Base(p)), nil
}
