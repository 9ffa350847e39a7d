package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/btcdash/microvm/pkg/errors"
	"github.com/btcdash/microvm/pkg/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	pid int

	mu         sync.Mutex
	signals    []os.Signal
	done       chan struct{}
	once       sync.Once
	ignoreTerm bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()

	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	if sig == syscall.SIGKILL || (sig == syscall.SIGTERM && !p.ignoreTerm) {
		p.exit()
	}
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.done
	return nil
}

func (p *fakeProcess) exit() { p.once.Do(func() { close(p.done) }) }

func (p *fakeProcess) sent() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

type fakeSpawner struct {
	spawns     int
	args       []string
	socketPath string
	noSocket   bool
	exitEarly  bool
	err        error
	proc       *fakeProcess
	attached   map[int]*fakeProcess
}

func (s *fakeSpawner) Spawn(ctx context.Context, binary string, args []string) (Process, error) {
	s.spawns++
	s.args = args
	if s.err != nil {
		return nil, s.err
	}
	s.proc = newFakeProcess(4242)
	if s.exitEarly {
		s.proc.exit()
		return s.proc, nil
	}
	if !s.noSocket {
		if err := os.WriteFile(s.socketPath, nil, 0600); err != nil {
			return nil, err
		}
	}
	return s.proc, nil
}

func (s *fakeSpawner) Attach(pid int) (Process, error) {
	if p, ok := s.attached[pid]; ok {
		return p, nil
	}
	return nil, os.ErrProcessDone
}

type fakeController struct {
	calls  int
	onCall func()
	err    error
}

func (c *fakeController) SendCtrlAltDel(ctx context.Context) error {
	c.calls++
	if c.onCall != nil {
		c.onCall()
	}
	return c.err
}

type fixture struct {
	dir     string
	opts    Options
	spawner *fakeSpawner
	ctrl    *fakeController
	sup     *Supervisor
	art     Artifacts
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	rootfs := filepath.Join(dir, "rootfs.ext4")
	kernel := filepath.Join(dir, "vmlinux.bin")
	require.NoError(t, os.WriteFile(rootfs, []byte("ext4"), 0644))
	require.NoError(t, os.WriteFile(kernel, []byte("ELF"), 0644))

	opts := Options{
		Binary:        "firecracker",
		ControlSocket: filepath.Join(dir, "firecracker.socket"),
		ConfigPath:    filepath.Join(dir, "vm_config.json"),
		VCPUs:         2,
		MemoryMiB:     512,
		BootArgs:      "console=ttyS0 reboot=k panic=1 pci=off init=/init",
		GuestMAC:      "AA:FC:00:00:00:01",
		LaunchTimeout: 500 * time.Millisecond,
		StopTimeout:   200 * time.Millisecond,
	}
	f := &fixture{
		dir:     dir,
		opts:    opts,
		spawner: &fakeSpawner{socketPath: opts.ControlSocket},
		ctrl:    &fakeController{err: fmt.Errorf("connection refused")},
		art:     Artifacts{Rootfs: rootfs, Kernel: kernel, Link: network.DefaultLink()},
	}
	f.sup = New(opts, f.spawner).WithDialer(func(string) Controller { return f.ctrl })
	return f
}

func TestLaunchMissingArtifact(t *testing.T) {
	tests := []struct {
		name  string
		which string
		edit  func(f *fixture)
	}{
		{"rootfs absent", "rootfs", func(f *fixture) { os.Remove(f.art.Rootfs) }},
		{"rootfs empty", "rootfs", func(f *fixture) { os.WriteFile(f.art.Rootfs, nil, 0644) }},
		{"kernel absent", "kernel", func(f *fixture) { os.Remove(f.art.Kernel) }},
		{"both absent", "rootfs", func(f *fixture) { os.Remove(f.art.Rootfs); os.Remove(f.art.Kernel) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.edit(f)

			_, err := f.sup.Launch(context.Background(), f.art)
			require.Error(t, err)

			var launchErr *errors.LaunchError
			require.True(t, errors.As(err, &launchErr))
			assert.Equal(t, "missing-artifact", launchErr.Reason)
			assert.Equal(t, tt.which, launchErr.Which)
			assert.Equal(t, "run", errors.StageOf(err))

			assert.Equal(t, 0, f.spawner.spawns)
			assert.Equal(t, NotStarted, f.sup.State())
		})
	}
}

func TestLaunchWritesConfigAndSpawns(t *testing.T) {
	f := newFixture(t)

	h, err := f.sup.Launch(context.Background(), f.art)
	require.NoError(t, err)

	assert.Equal(t, 4242, h.PID)
	assert.Equal(t, f.opts.ControlSocket, h.ControlPath)
	assert.Equal(t, Running, f.sup.State())
	assert.Equal(t, []string{"--api-sock", f.opts.ControlSocket, "--config-file", f.opts.ConfigPath}, f.spawner.args)

	data, err := os.ReadFile(f.opts.ConfigPath)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, key := range []string{"boot-source", "drives", "machine-config", "network-interfaces"} {
		assert.Contains(t, doc, key)
	}

	var cfg struct {
		BootSource struct {
			KernelImagePath string `json:"kernel_image_path"`
			BootArgs        string `json:"boot_args"`
		} `json:"boot-source"`
		Drives []struct {
			DriveID      string `json:"drive_id"`
			PathOnHost   string `json:"path_on_host"`
			IsRootDevice bool   `json:"is_root_device"`
		} `json:"drives"`
		MachineConfig struct {
			VcpuCount  int64 `json:"vcpu_count"`
			MemSizeMib int64 `json:"mem_size_mib"`
		} `json:"machine-config"`
		NetworkInterfaces []struct {
			HostDevName string `json:"host_dev_name"`
			GuestMac    string `json:"guest_mac"`
		} `json:"network-interfaces"`
	}
	require.NoError(t, json.Unmarshal(data, &cfg))
	assert.Equal(t, f.art.Kernel, cfg.BootSource.KernelImagePath)
	assert.Contains(t, cfg.BootSource.BootArgs, "init=/init")
	require.Len(t, cfg.Drives, 1)
	assert.Equal(t, f.art.Rootfs, cfg.Drives[0].PathOnHost)
	assert.True(t, cfg.Drives[0].IsRootDevice)
	assert.Equal(t, int64(2), cfg.MachineConfig.VcpuCount)
	assert.Equal(t, int64(512), cfg.MachineConfig.MemSizeMib)
	require.Len(t, cfg.NetworkInterfaces, 1)
	assert.Equal(t, "tap0", cfg.NetworkInterfaces[0].HostDevName)
	assert.Equal(t, "AA:FC:00:00:00:01", cfg.NetworkInterfaces[0].GuestMac)
}

func TestLaunchRemovesStaleSocket(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.opts.ControlSocket, []byte("stale"), 0600))
	// A spawner that never creates the socket: only a leftover file could
	// satisfy the wait, so the launch must time out.
	f.spawner.noSocket = true

	_, err := f.sup.Launch(context.Background(), f.art)
	require.Error(t, err)

	var launchErr *errors.LaunchError
	require.True(t, errors.As(err, &launchErr))
	assert.Equal(t, "spawn", launchErr.Reason)
	assert.Contains(t, f.spawner.proc.sent(), os.Signal(syscall.SIGKILL))
	assert.Equal(t, Stopped, f.sup.State())
}

func TestLaunchSpawnFailures(t *testing.T) {
	tests := []struct {
		name string
		edit func(s *fakeSpawner)
	}{
		{"spawn error", func(s *fakeSpawner) { s.err = fmt.Errorf("exec: \"firecracker\": executable file not found in $PATH") }},
		{"early exit", func(s *fakeSpawner) { s.exitEarly = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.edit(f.spawner)

			_, err := f.sup.Launch(context.Background(), f.art)
			var launchErr *errors.LaunchError
			require.True(t, errors.As(err, &launchErr))
			assert.Equal(t, "spawn", launchErr.Reason)
			assert.Equal(t, Stopped, f.sup.State())
		})
	}
}

func TestStopEscalatesToSIGTERM(t *testing.T) {
	f := newFixture(t)
	h, err := f.sup.Launch(context.Background(), f.art)
	require.NoError(t, err)

	require.NoError(t, f.sup.Stop(context.Background(), h))

	assert.Equal(t, 1, f.ctrl.calls)
	assert.Equal(t, []os.Signal{syscall.SIGTERM}, f.spawner.proc.sent())
	assert.Equal(t, Stopped, f.sup.State())
	require.NoError(t, f.sup.Wait(context.Background()))
}

func TestStopGracefulCtrlAltDel(t *testing.T) {
	f := newFixture(t)
	h, err := f.sup.Launch(context.Background(), f.art)
	require.NoError(t, err)

	f.ctrl.err = nil
	f.ctrl.onCall = f.spawner.proc.exit

	require.NoError(t, f.sup.Stop(context.Background(), h))
	assert.Empty(t, f.spawner.proc.sent())
}

func TestStopKillsStubbornGuest(t *testing.T) {
	f := newFixture(t)
	h, err := f.sup.Launch(context.Background(), f.art)
	require.NoError(t, err)
	f.spawner.proc.ignoreTerm = true

	require.NoError(t, f.sup.Stop(context.Background(), h))
	assert.Equal(t, []os.Signal{syscall.SIGTERM, syscall.SIGKILL}, f.spawner.proc.sent())
}

func TestStopExitedProcessIsNoop(t *testing.T) {
	f := newFixture(t)
	h, err := f.sup.Launch(context.Background(), f.art)
	require.NoError(t, err)

	f.spawner.proc.exit()
	require.NoError(t, f.sup.Wait(context.Background()))

	require.NoError(t, f.sup.Stop(context.Background(), h))
	assert.Equal(t, 0, f.ctrl.calls)
	assert.Empty(t, f.spawner.proc.sent())

	// Stopping again is also a no-op.
	require.NoError(t, f.sup.Stop(context.Background(), h))
}

func TestNoRelaunchAfterStop(t *testing.T) {
	f := newFixture(t)
	h, err := f.sup.Launch(context.Background(), f.art)
	require.NoError(t, err)
	require.NoError(t, f.sup.Stop(context.Background(), h))

	_, err = f.sup.Launch(context.Background(), f.art)
	var launchErr *errors.LaunchError
	require.True(t, errors.As(err, &launchErr))
	assert.Equal(t, "state", launchErr.Reason)
	assert.Equal(t, 1, f.spawner.spawns)
}

func TestStopAttachesToRecordedPID(t *testing.T) {
	f := newFixture(t)
	orphan := newFakeProcess(999)
	f.spawner.attached = map[int]*fakeProcess{999: orphan}

	require.NoError(t, f.sup.Stop(context.Background(), &Handle{PID: 999, ControlPath: f.opts.ControlSocket}))
	assert.Equal(t, []os.Signal{syscall.SIGTERM}, orphan.sent())

	// Unknown PIDs are treated as already gone.
	g := newFixture(t)
	require.NoError(t, g.sup.Stop(context.Background(), &Handle{PID: 12345}))
	assert.Equal(t, 0, g.ctrl.calls)
}

func TestWaitBeforeLaunch(t *testing.T) {
	f := newFixture(t)
	err := f.sup.Wait(context.Background())
	var launchErr *errors.LaunchError
	require.True(t, errors.As(err, &launchErr))
	assert.Equal(t, "state", launchErr.Reason)
}

func TestExecSpawnerLaunchAndStop(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
	f := newFixture(t)

	// Stands in for firecracker: creates the --api-sock path, then idles.
	script := filepath.Join(f.dir, "fake-firecracker")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n: > \"$2\"\nexec sleep 30\n"), 0755))

	opts := f.opts
	opts.Binary = script
	opts.LaunchTimeout = 5 * time.Second
	opts.StopTimeout = 2 * time.Second
	sup := New(opts, &ExecSpawner{}).WithDialer(func(string) Controller { return f.ctrl })

	h, err := sup.Launch(context.Background(), f.art)
	require.NoError(t, err)
	assert.True(t, processAlive(h.PID))

	require.NoError(t, sup.Stop(context.Background(), h))
	assert.Equal(t, Stopped, sup.State())

	select {
	case <-sup.Exited():
	case <-time.After(time.Second):
		t.Fatal("process did not exit")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "not-started", NotStarted.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "stopped", Stopped.String())
}

func TestProbeHealth(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		n := hits
		mu.Unlock()
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ProbeHealth(ctx, srv.URL+"/health"))
}

func TestProbeHealthGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 700*time.Millisecond)
	defer cancel()
	err := ProbeHealth(ctx, srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
