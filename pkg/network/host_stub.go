//go:build !linux

package network

import (
	"fmt"
	"runtime"
)

// NewHost fails on non-Linux systems; TAP devices and iptables are Linux only.
func NewHost() (Host, error) {
	return nil, fmt.Errorf("tap networking not supported on %s", runtime.GOOS)
}
