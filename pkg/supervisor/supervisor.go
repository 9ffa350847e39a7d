// Package supervisor launches one Firecracker guest and owns its process
// until it is stopped.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/btcdash/microvm/pkg/errors"
	"github.com/btcdash/microvm/pkg/network"
)

// State is the supervisor lifecycle state. It only moves forward.
type State int

const (
	NotStarted State = iota
	Launching
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Launching:
		return "launching"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures the hypervisor invocation.
type Options struct {
	Binary        string
	ControlSocket string
	ConfigPath    string
	VCPUs         int
	MemoryMiB     int
	BootArgs      string
	GuestMAC      string
	LaunchTimeout time.Duration
	StopTimeout   time.Duration
}

// Artifacts are the inputs a guest boots from.
type Artifacts struct {
	Rootfs string
	Kernel string
	Link   network.Link
}

// Handle identifies a launched guest.
type Handle struct {
	PID         int
	ControlPath string
}

// Supervisor owns a single guest process.
type Supervisor struct {
	opts    Options
	spawner Spawner
	dial    DialFunc

	mu      sync.Mutex
	state   State
	proc    Process
	exited  chan struct{}
	exitErr error
}

// New creates a supervisor that controls guests over the Firecracker API.
func New(opts Options, spawner Spawner) *Supervisor {
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = 30 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	return &Supervisor{opts: opts, spawner: spawner, dial: DialAPI}
}

// WithDialer replaces the control channel dialer.
func (s *Supervisor) WithDialer(dial DialFunc) *Supervisor {
	s.dial = dial
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Launch boots the guest. Missing artifacts fail before anything is spawned.
// The call returns once the control socket exists; if it does not appear
// within the launch timeout the process is killed.
func (s *Supervisor) Launch(ctx context.Context, a Artifacts) (*Handle, error) {
	s.mu.Lock()
	if s.state != NotStarted {
		state := s.state
		s.mu.Unlock()
		return nil, &errors.LaunchError{Reason: "state", Err: fmt.Errorf("supervisor is %s", state)}
	}

	if err := requireArtifact(a.Rootfs); err != nil {
		s.mu.Unlock()
		slog.Error("launch_artifact_missing", "which", "rootfs", "path", a.Rootfs, "error", err)
		return nil, &errors.LaunchError{Reason: "missing-artifact", Which: "rootfs", Err: err}
	}
	if err := requireArtifact(a.Kernel); err != nil {
		s.mu.Unlock()
		slog.Error("launch_artifact_missing", "which", "kernel", "path", a.Kernel, "error", err)
		return nil, &errors.LaunchError{Reason: "missing-artifact", Which: "kernel", Err: err}
	}
	s.state = Launching
	s.mu.Unlock()

	slog.Info("launch_started", "rootfs", a.Rootfs, "kernel", a.Kernel, "tap", a.Link.Device)

	if err := os.Remove(s.opts.ControlSocket); err == nil {
		slog.Info("stale_socket_removed", "path", s.opts.ControlSocket)
	} else if !os.IsNotExist(err) {
		return nil, s.launchFailed(fmt.Errorf("remove stale socket: %w", err))
	}

	if err := WriteVMConfig(s.opts.ConfigPath, BuildVMConfig(s.opts, a)); err != nil {
		return nil, s.launchFailed(err)
	}

	args := []string{"--api-sock", s.opts.ControlSocket, "--config-file", s.opts.ConfigPath}
	proc, err := s.spawner.Spawn(ctx, s.opts.Binary, args)
	if err != nil {
		return nil, s.launchFailed(errors.Wrap(err, "start "+s.opts.Binary))
	}

	exited := make(chan struct{})
	s.mu.Lock()
	s.proc = proc
	s.exited = exited
	s.mu.Unlock()

	go func() {
		err := proc.Wait()
		s.mu.Lock()
		s.exitErr = err
		s.mu.Unlock()
		close(exited)
		slog.Info("guest_exited", "pid", proc.Pid(), "error", err)
	}()

	if err := s.waitForSocket(ctx, exited); err != nil {
		proc.Signal(syscall.SIGKILL)
		<-exited
		return nil, s.launchFailed(err)
	}

	s.mu.Lock()
	s.state = Running
	s.mu.Unlock()

	h := &Handle{PID: proc.Pid(), ControlPath: s.opts.ControlSocket}
	slog.Info("guest_running", "pid", h.PID, "control_socket", h.ControlPath)
	return h, nil
}

func (s *Supervisor) waitForSocket(ctx context.Context, exited <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.LaunchTimeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(s.opts.ControlSocket); err == nil {
			return nil
		}
		select {
		case <-exited:
			s.mu.Lock()
			exitErr := s.exitErr
			s.mu.Unlock()
			if exitErr == nil {
				return fmt.Errorf("hypervisor exited before control socket appeared")
			}
			return fmt.Errorf("hypervisor exited before control socket appeared: %w", exitErr)
		case <-ctx.Done():
			return fmt.Errorf("control socket %s did not appear within %v: %w", s.opts.ControlSocket, s.opts.LaunchTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) launchFailed(err error) error {
	s.mu.Lock()
	s.state = Stopped
	s.mu.Unlock()
	slog.Error("launch_failed", "error", err)
	return &errors.LaunchError{Reason: "spawn", Err: err}
}

// Stop shuts the guest down: SendCtrlAltDel over the control channel, then
// SIGTERM, then SIGKILL once the stop timeout has passed. A guest that is
// already gone makes Stop a no-op. h may belong to a process started by an
// earlier invocation.
func (s *Supervisor) Stop(ctx context.Context, h *Handle) error {
	s.mu.Lock()
	if s.state == Stopped {
		s.mu.Unlock()
		return nil
	}
	s.state = Stopping
	proc, exited := s.proc, s.exited
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.state = Stopped
		s.mu.Unlock()
	}()

	if h == nil || h.PID == 0 {
		return nil
	}

	if proc == nil || proc.Pid() != h.PID {
		attached, err := s.spawner.Attach(h.PID)
		if err != nil {
			slog.Info("guest_not_running", "pid", h.PID, "reason", err)
			return nil
		}
		proc = attached
		exited = make(chan struct{})
		go func(ch chan struct{}) {
			attached.Wait()
			close(ch)
		}(exited)
	}

	select {
	case <-exited:
		slog.Info("guest_already_exited", "pid", h.PID)
		return nil
	default:
	}

	slog.Info("guest_stopping", "pid", h.PID, "timeout", s.opts.StopTimeout)
	grace := s.opts.StopTimeout / 2

	ctrlCtx, cancel := context.WithTimeout(ctx, grace)
	err := s.dial(h.ControlPath).SendCtrlAltDel(ctrlCtx)
	cancel()
	if err != nil {
		slog.Warn("ctrl_alt_del_failed", "pid", h.PID, "error", err)
	} else if waitExited(exited, grace) {
		slog.Info("guest_stopped", "pid", h.PID, "signal", "ctrl-alt-del")
		return nil
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Warn("sigterm_failed", "pid", h.PID, "error", err)
	}
	if waitExited(exited, s.opts.StopTimeout-grace) {
		slog.Info("guest_stopped", "pid", h.PID, "signal", "SIGTERM")
		return nil
	}

	slog.Warn("guest_kill", "pid", h.PID)
	if err := proc.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Wrap(err, "failed to kill hypervisor")
	}
	if !waitExited(exited, 5*time.Second) {
		return fmt.Errorf("hypervisor pid %d survived SIGKILL", h.PID)
	}
	slog.Info("guest_stopped", "pid", h.PID, "signal", "SIGKILL")
	return nil
}

// Wait blocks until the guest launched by this supervisor exits.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	exited := s.exited
	s.mu.Unlock()

	if exited == nil {
		return &errors.LaunchError{Reason: "state", Err: fmt.Errorf("no guest launched")}
	}

	select {
	case <-exited:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.exitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exited is closed when the launched guest exits. It is nil before launch.
func (s *Supervisor) Exited() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

func waitExited(exited <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-exited:
		return true
	case <-t.C:
		return false
	}
}

func requireArtifact(path string) error {
	if path == "" {
		return fmt.Errorf("no path given")
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return fmt.Errorf("%s is not a non-empty file", path)
	}
	return nil
}
