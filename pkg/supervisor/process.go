package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Process is a running hypervisor process.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	// Wait blocks until the process exits. It is called once.
	Wait() error
}

// Spawner starts hypervisor processes, or attaches to one started by an
// earlier invocation.
type Spawner interface {
	Spawn(ctx context.Context, binary string, args []string) (Process, error)
	Attach(pid int) (Process, error)
}

// ExecSpawner runs the hypervisor as a child process.
type ExecSpawner struct {
	Stdout io.Writer
	Stderr io.Writer
}

func (s *ExecSpawner) Spawn(ctx context.Context, binary string, args []string) (Process, error) {
	// Not bound to ctx: the guest outlives the launch call
	cmd := exec.Command(binary, args...)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	cmd.SysProcAttr = detachedAttr()

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &cmdProcess{cmd: cmd}, nil
}

// Attach returns a handle on an existing hypervisor process by PID. It
// refuses PIDs that are gone or no longer run the hypervisor.
func (s *ExecSpawner) Attach(pid int) (Process, error) {
	if !processAlive(pid) {
		return nil, os.ErrProcessDone
	}
	if !cmdlineContains(pid, "firecracker") {
		return nil, fmt.Errorf("pid %d is not a firecracker process", pid)
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil, err
	}
	return &pidProcess{proc: p}, nil
}

type cmdProcess struct {
	cmd *exec.Cmd
}

func (p *cmdProcess) Pid() int                   { return p.cmd.Process.Pid }
func (p *cmdProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *cmdProcess) Wait() error                { return p.cmd.Wait() }

// pidProcess is a process this invocation did not start, so it cannot be
// reaped; Wait polls for its disappearance.
type pidProcess struct {
	proc *os.Process
}

func (p *pidProcess) Pid() int                   { return p.proc.Pid }
func (p *pidProcess) Signal(sig os.Signal) error { return p.proc.Signal(sig) }

func (p *pidProcess) Wait() error {
	for processAlive(p.proc.Pid) {
		time.Sleep(100 * time.Millisecond)
	}
	return nil
}

// processAlive checks if a process is running by sending signal 0. Zombies
// count as gone.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if err := p.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	return !isZombie(pid)
}

func isZombie(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// The state follows the parenthesised command name
	stat := string(data)
	i := strings.LastIndex(stat, ")")
	if i < 0 || i+2 >= len(stat) {
		return false
	}
	return stat[i+2] == 'Z'
}

func cmdlineContains(pid int, pattern string) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/cmdline")
	if err != nil {
		// No procfs: trust the recorded PID
		return true
	}
	return strings.Contains(string(data), pattern)
}
