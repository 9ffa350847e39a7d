package fsm

import "github.com/btcdash/microvm/pkg/network"

// PipelineRequest is the FSM input
type PipelineRequest struct {
	RunID string

	// Kernel
	KernelPath string
	KernelURL  string

	// Root filesystem
	WorkloadBinary string
	AssetDir       string
	SizeMB         int

	// Guest link, shared by the bootstrap script and SetupLink
	Link network.Link
}

// PipelineResponse is the FSM output (accumulated across transitions)
type PipelineResponse struct {
	// From Kernel
	KernelPath   string
	KernelSHA256 string
	KernelCached bool

	// From Build
	RootfsPath string
	RootfsSize int64
	Workspace  string

	// From Launch
	PID         int
	ControlPath string

	// Last state entered, and the outcome
	Stage        string
	Status       string
	ErrorMessage string
}

// State names
const (
	StatePrereqs  = "prereqs"
	StateKernel   = "kernel"
	StateBuild    = "build"
	StateNetwork  = "network"
	StateLaunch   = "launch"
	StateComplete = "complete"
	StateFailed   = "failed"
)
