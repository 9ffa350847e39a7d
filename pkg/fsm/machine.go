package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/btcdash/microvm/pkg/blockdev"
	"github.com/btcdash/microvm/pkg/db"
	"github.com/btcdash/microvm/pkg/errors"
	"github.com/btcdash/microvm/pkg/hostcheck"
	"github.com/btcdash/microvm/pkg/kernel"
	"github.com/btcdash/microvm/pkg/network"
	"github.com/btcdash/microvm/pkg/rootfs"
	"github.com/btcdash/microvm/pkg/supervisor"
	"github.com/superfly/fsm"
)

// Checker validates host capability.
type Checker interface {
	Check(ctx context.Context) (*hostcheck.Capability, error)
}

// KernelFetcher makes the guest kernel available locally.
type KernelFetcher interface {
	Ensure(ctx context.Context, destPath, sourceURL string) (*kernel.Image, error)
}

// ImageBuilder assembles the root filesystem image.
type ImageBuilder interface {
	Build(ctx context.Context, req rootfs.Request) (*rootfs.Image, error)
}

// LinkProvisioner sets up and reverses the host side of the guest link.
type LinkProvisioner interface {
	SetupLink(ctx context.Context, link network.Link) error
	TeardownLink(ctx context.Context, link network.Link)
}

// VM launches and stops the guest.
type VM interface {
	Launch(ctx context.Context, a supervisor.Artifacts) (*supervisor.Handle, error)
	Stop(ctx context.Context, h *supervisor.Handle) error
}

// Deps are the components the pipeline drives. Teardown only needs VM,
// Network and Images; any of them may be nil.
type Deps struct {
	Checker Checker
	Kernel  KernelFetcher
	Builder ImageBuilder
	Network LinkProvisioner
	VM      VM
	Images  blockdev.Manager
	Repo    *db.Repository
}

type reversal struct {
	stage string
	undo  func(ctx context.Context)
}

// Machine holds dependencies for FSM transitions
type Machine struct {
	deps       Deps
	maxRetries int
	run        *db.Run

	mu        sync.Mutex
	reversals []reversal
	failure   error
	handle    *supervisor.Handle
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(deps Deps, maxRetries int) *Machine {
	return &Machine{deps: deps, maxRetries: maxRetries}
}

// WithRun makes the machine record stage progress on run.
func (m *Machine) WithRun(run *db.Run) *Machine {
	m.run = run
	return m
}

// Err returns the typed error of the stage that failed, if any.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failure
}

// Handle returns the launched guest, or nil before the launch stage.
func (m *Machine) Handle() *supervisor.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

type stageFunc func(ctx context.Context, req *PipelineRequest, resp *PipelineResponse) error

// transition adapts a stage into an FSM handler: it enforces the retry limit,
// records progress, and aborts the run on anything that a retry cannot fix.
func (m *Machine) transition(state string, stage stageFunc) func(context.Context, *fsm.Request[PipelineRequest, PipelineResponse]) (*fsm.Response[PipelineResponse], error) {
	return func(ctx context.Context, req *fsm.Request[PipelineRequest, PipelineResponse]) (*fsm.Response[PipelineResponse], error) {
		slog.Info("fsm_state_"+state, "run_id", req.Msg.RunID)

		// Check retry limit
		if retryCount := fsm.RetryFromContext(ctx); retryCount > uint64(m.maxRetries) {
			slog.Error("max_retries_exceeded", "run_id", req.Msg.RunID, "state", state, "max_retries", m.maxRetries)
			return nil, fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
		}

		resp := req.W.Msg
		if resp == nil {
			resp = &PipelineResponse{}
		}

		if err := m.runStage(ctx, state, stage, req.Msg, resp); err != nil {
			if retryable(err) {
				slog.Warn("fsm_state_retry", "run_id", req.Msg.RunID, "state", state, "error", err)
				return nil, err
			}
			return nil, fsm.Abort(err)
		}
		return fsm.NewResponse(resp), nil
	}
}

// runStage runs one stage and records its outcome.
func (m *Machine) runStage(ctx context.Context, state string, stage stageFunc, req *PipelineRequest, resp *PipelineResponse) error {
	resp.Stage = state
	m.record(func(r *db.Run) { r.Stage = state })

	if err := stage(ctx, req, resp); err != nil {
		m.mu.Lock()
		m.failure = err
		m.mu.Unlock()

		resp.Status = db.StatusFailed
		resp.ErrorMessage = err.Error()
		m.record(func(r *db.Run) {
			r.Status = db.StatusFailed
			r.ErrorMessage = err.Error()
		})
		slog.Error("fsm_state_failed", "run_id", req.RunID, "state", state, "error", err)
		return err
	}

	// A retried stage that now succeeds clears its earlier failure
	m.mu.Lock()
	m.failure = nil
	m.mu.Unlock()
	return nil
}

// retryable reports whether a stage error is worth another attempt. Only
// kernel transfers are; everything else changes host state or reflects it.
func retryable(err error) bool {
	var fetchErr *errors.FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Reason == "network" || fetchErr.Reason == "timeout"
	}
	return false
}

func (m *Machine) checkHost(ctx context.Context, req *PipelineRequest, resp *PipelineResponse) error {
	capability, err := m.deps.Checker.Check(ctx)
	if err != nil {
		return err
	}
	slog.Info("host_capable", "kvm", capability.KVM, "tools", capability.Tools, "root", capability.Root)
	return nil
}

func (m *Machine) fetchKernel(ctx context.Context, req *PipelineRequest, resp *PipelineResponse) error {
	img, err := m.deps.Kernel.Ensure(ctx, req.KernelPath, req.KernelURL)
	if err != nil {
		return err
	}
	resp.KernelPath = img.Path
	resp.KernelSHA256 = img.SHA256
	resp.KernelCached = img.Cached
	return nil
}

func (m *Machine) buildRootfs(ctx context.Context, req *PipelineRequest, resp *PipelineResponse) error {
	img, err := m.deps.Builder.Build(ctx, rootfs.Request{
		WorkloadBinary: req.WorkloadBinary,
		AssetDir:       req.AssetDir,
		SizeMB:         req.SizeMB,
		Link:           req.Link,
	})
	if err != nil {
		return err
	}
	resp.RootfsPath = img.Path
	resp.RootfsSize = img.SizeBytes
	resp.Workspace = img.Workspace
	m.record(func(r *db.Run) { r.Workspace = img.Workspace })

	workspace := img.Workspace
	m.push(StateBuild, func(ctx context.Context) {
		removeWorkspace(ctx, m.deps.Images, workspace)
	})
	return nil
}

func (m *Machine) setupNetwork(ctx context.Context, req *PipelineRequest, resp *PipelineResponse) error {
	if err := m.deps.Network.SetupLink(ctx, req.Link); err != nil {
		var netErr *errors.NetworkError
		if errors.As(err, &netErr) && netErr.Reason != "device-exists" {
			// A half-configured link of our own is reversed right away; a
			// pre-existing device is not ours to remove.
			m.deps.Network.TeardownLink(ctx, req.Link)
		}
		return err
	}
	m.record(func(r *db.Run) { r.TapDevice = req.Link.Device })

	link := req.Link
	m.push(StateNetwork, func(ctx context.Context) {
		m.deps.Network.TeardownLink(ctx, link)
	})
	return nil
}

func (m *Machine) launch(ctx context.Context, req *PipelineRequest, resp *PipelineResponse) error {
	h, err := m.deps.VM.Launch(ctx, supervisor.Artifacts{
		Rootfs: resp.RootfsPath,
		Kernel: resp.KernelPath,
		Link:   req.Link,
	})
	if err != nil {
		return err
	}
	resp.PID = h.PID
	resp.ControlPath = h.ControlPath

	m.mu.Lock()
	m.handle = h
	m.mu.Unlock()
	m.record(func(r *db.Run) { r.PID = h.PID })

	m.push(StateLaunch, func(ctx context.Context) {
		if err := m.deps.VM.Stop(ctx, h); err != nil {
			slog.Warn("unwind_stop_failed", "pid", h.PID, "error", err)
		}
	})
	return nil
}

func (m *Machine) complete(ctx context.Context, req *PipelineRequest, resp *PipelineResponse) error {
	resp.Status = db.StatusCompleted
	m.record(func(r *db.Run) { r.Status = db.StatusCompleted })
	slog.Info("fsm_complete", "run_id", req.RunID, "pid", resp.PID, "rootfs", resp.RootfsPath)
	return nil
}

func (m *Machine) push(stage string, undo func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reversals = append(m.reversals, reversal{stage: stage, undo: undo})
}

// Unwind reverses every completed stage, most recent first. Each reversal
// runs at most once.
func (m *Machine) Unwind(ctx context.Context) {
	m.mu.Lock()
	reversals := m.reversals
	m.reversals = nil
	m.mu.Unlock()

	for i := len(reversals) - 1; i >= 0; i-- {
		slog.Info("unwind_stage", "stage", reversals[i].stage)
		reversals[i].undo(ctx)
	}
}

func (m *Machine) record(update func(r *db.Run)) {
	if m.run == nil {
		return
	}
	update(m.run)
	if m.deps.Repo == nil {
		return
	}
	if err := m.deps.Repo.Update(m.run); err != nil {
		slog.Warn("run_record_failed", "run_id", m.run.ID, "error", err)
	}
}
