package config

// Persisted-state paths. These are fixed so that repeated runs find the same
// kernel cache, image and control socket; they are only changed through
// explicit configuration, never derived at runtime.
const (
	// KernelPath is the cached guest kernel (fetched at most once per host).
	KernelPath = ".artifacts/vmlinux.bin"
	// RootfsPath is the published root filesystem image.
	RootfsPath = ".artifacts/rootfs.ext4"
	// VMConfigPath is the Firecracker config file written at launch.
	VMConfigPath = ".artifacts/vm_config.json"
	// SQLitePath holds the run records.
	SQLitePath = ".artifacts/runs.db"
	// FSMDBPath is the superfly/fsm BoltDB directory.
	FSMDBPath = ".artifacts/fsm.db"
	// WorkspaceRoot is the parent of every per-run scratch directory.
	WorkspaceRoot = "/tmp/microvm"
	// ControlSocketPath is the Firecracker API socket.
	ControlSocketPath = "/tmp/firecracker.socket"
	// LockPath serializes provisioning runs on the host.
	LockPath = "/tmp/microvm.lock"
)

// Guest-side layout of the root filesystem.
const (
	GuestAppDir     = "/app"
	GuestBinaryPath = "/app/dash-server"
	GuestAssetDir   = "/app/dist"
	GuestInitPath   = "/init"
)

// DefaultKernelURL is the Firecracker quickstart kernel.
const DefaultKernelURL = "s3://spec.ccfc.min/img/quickstart_guide/x86_64/kernels/vmlinux.bin"
