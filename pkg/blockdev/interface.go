// Package blockdev manages the filesystem image backing the guest root disk:
// allocation, formatting and loop mounting.
package blockdev

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/btcdash/microvm/pkg/errors"
)

// ImageInfo contains image metadata
type ImageInfo struct {
	Path   string
	Size   int64
	FSType string
}

// Manager manages filesystem images. Everything except CreateImage needs root.
type Manager interface {
	// CreateImage allocates an empty image file of exactly sizeMB MiB
	CreateImage(ctx context.Context, path string, sizeMB int) (*ImageInfo, error)

	// Format writes a filesystem onto the image
	Format(ctx context.Context, path string) error

	// MountImage loop-mounts an image at the specified path
	MountImage(ctx context.Context, imagePath, mountPath string) error

	// UnmountImage unmounts whatever is mounted at the specified path
	UnmountImage(ctx context.Context, mountPath string) error

	// Close cleans up resources
	Close() error
}

// AllocateImage creates (or truncates) a sparse file of exactly sizeMB MiB.
// Re-running it on an existing file resets its contents.
func AllocateImage(path string, sizeMB int) (*ImageInfo, error) {
	if sizeMB <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", sizeMB)
	}
	size := int64(sizeMB) * MiB

	slog.Info("allocate_image", "path", path, "size_mb", sizeMB)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create image file")
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return nil, errors.Wrap(err, "failed to size image file")
	}

	return &ImageInfo{Path: path, Size: size, FSType: DefaultFSType}, nil
}
