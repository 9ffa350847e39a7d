package commands

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/btcdash/microvm/internal/config"
	"github.com/btcdash/microvm/pkg/errors"
	"github.com/btcdash/microvm/pkg/network"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// LogLevel is the level of the default logger; commands raise or lower it
// from the log-level setting once config is loaded.
var LogLevel = new(slog.LevelVar)

var rootCmd = &cobra.Command{
	Use:   "microvm",
	Short: "Single-guest Firecracker microVM orchestrator",
	Long: `Provisions one Firecracker microVM running the dash-server workload:
host checks, kernel fetch, root filesystem build, TAP networking, launch and teardown.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", describe(err))
		os.Exit(1)
	}
}

// describe renders err as "<stage>: <cause>" when a stage produced it.
func describe(err error) string {
	if stage := errors.StageOf(err); stage != "" {
		return stage + ": " + err.Error()
	}
	return err.Error()
}

func init() {
	flags := rootCmd.PersistentFlags()

	flags.String("sqlite-path", config.SQLitePath, "SQLite run records path")
	flags.String("fsm-db-path", config.FSMDBPath, "FSM BoltDB path")
	flags.Int("fsm-max-retries", 3, "Max retries per pipeline state")
	flags.String("lock-path", config.LockPath, "Host lock file")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")

	flags.String("kernel-path", config.KernelPath, "Cached guest kernel path")
	flags.String("kernel-url", config.DefaultKernelURL, "Kernel source (s3:// or http(s)://)")
	flags.Duration("kernel-timeout", 5*time.Minute, "Kernel transfer timeout")
	flags.String("s3-region", "us-east-1", "S3 region")

	flags.String("rootfs-path", config.RootfsPath, "Published root filesystem image")
	flags.Int("rootfs-size-mb", 256, "Root filesystem size in MiB")
	flags.String("workspace-root", config.WorkspaceRoot, "Parent of per-run workspaces")
	flags.String("workload-binary", "target/x86_64-unknown-linux-musl/release/dash-server", "Statically linked workload binary")
	flags.String("asset-dir", "dist", "Static asset directory")
	flags.String("base-image", "alpine:3.19", "Base OS image reference")
	flags.String("base-tarball", "", "Base OS export tarball (overrides base-image)")
	flags.Int64("max-file-size", 2*1024*1024*1024, "Max file size in bytes")
	flags.Int64("max-total-size", 20*1024*1024*1024, "Max total extraction size")
	flags.Float64("max-compression-ratio", 100.0, "Max compression ratio")

	flags.String("tap-device", network.DefaultDevice, "Host TAP device name")
	flags.String("host-address", network.DefaultHostAddress, "Host side address")
	flags.String("guest-address", network.DefaultGuestAddress, "Guest address")
	flags.Int("prefix-len", network.DefaultPrefixLen, "Link prefix length")
	flags.String("external-iface", "", "Egress interface (default route interface if empty)")
	flags.String("guest-mac", "AA:FC:00:00:00:01", "Guest MAC address")

	flags.String("firecracker-bin", "firecracker", "Firecracker binary")
	flags.String("vm-config-path", config.VMConfigPath, "Firecracker config file")
	flags.String("control-socket", config.ControlSocketPath, "Firecracker API socket")
	flags.Int("vcpus", 2, "Guest vCPUs")
	flags.Int("memory-mib", 512, "Guest memory in MiB")
	flags.String("boot-args", "console=ttyS0 reboot=k panic=1 pci=off init="+config.GuestInitPath, "Kernel command line")
	flags.Duration("launch-timeout", 30*time.Second, "Control socket wait")
	flags.Duration("stop-timeout", 10*time.Second, "Graceful stop before SIGKILL")
	flags.Int("health-port", 3001, "Workload port probed after launch")

	flags.VisitAll(func(f *pflag.Flag) {
		viper.BindPFlag(f.Name, f)
	})
}
