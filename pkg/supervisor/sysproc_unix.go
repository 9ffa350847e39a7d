//go:build unix

package supervisor

import "syscall"

// detachedAttr puts the hypervisor in its own process group so a terminal
// SIGINT reaches only the supervisor, which then stops the guest in order.
func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
