package commands

import (
	"context"

	"github.com/btcdash/microvm/pkg/db"
	"github.com/btcdash/microvm/pkg/hostlock"
	"github.com/btcdash/microvm/pkg/supervisor"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Launch the guest and supervise it in the foreground",
	Long: `Launches Firecracker with the built root filesystem and cached kernel on the
configured TAP device. Runs until the guest exits or SIGINT/SIGTERM, which stops it.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) (err error) {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := ensureDirectories(cfg.SQLitePath, ""); err != nil {
		return err
	}

	lock, err := hostlock.Acquire(cfg.LockPath)
	if err != nil {
		return err
	}
	defer lock.Release()

	rec := startRecording(cfg, "run")
	defer func() { rec.finish(err) }()

	link := linkFromConfig(cfg)
	sup := newSupervisor(cfg)
	h, err := sup.Launch(ctx, supervisor.Artifacts{
		Rootfs: cfg.RootfsPath,
		Kernel: cfg.KernelPath,
		Link:   link,
	})
	if err != nil {
		return err
	}
	rec.update(func(run *db.Run) {
		run.PID = h.PID
		run.TapDevice = link.Device
	})

	return supervise(ctx, cfg, sup, h)
}
