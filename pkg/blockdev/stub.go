//go:build !linux

package blockdev

import (
	"context"
	"fmt"
	"runtime"
)

// StubManager allocates images but cannot format or mount them on non-Linux systems
type StubManager struct{}

// NewManager creates a stub manager on non-Linux systems
func NewManager() (Manager, error) {
	return &StubManager{}, nil
}

func (m *StubManager) CreateImage(ctx context.Context, path string, sizeMB int) (*ImageInfo, error) {
	return AllocateImage(path, sizeMB)
}

func (m *StubManager) Format(ctx context.Context, path string) error {
	return fmt.Errorf("image formatting not supported on %s", runtime.GOOS)
}

func (m *StubManager) MountImage(ctx context.Context, imagePath, mountPath string) error {
	return fmt.Errorf("loop mounts not supported on %s", runtime.GOOS)
}

func (m *StubManager) UnmountImage(ctx context.Context, mountPath string) error {
	return fmt.Errorf("loop mounts not supported on %s", runtime.GOOS)
}

func (m *StubManager) Close() error {
	return nil
}
