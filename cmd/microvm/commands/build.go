package commands

import (
	"context"
	"fmt"

	"github.com/btcdash/microvm/pkg/db"
	"github.com/btcdash/microvm/pkg/hostlock"
	"github.com/btcdash/microvm/pkg/rootfs"
	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the guest root filesystem image",
	RunE:  runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) (err error) {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := ensureDirectories(cfg.SQLitePath, "", cfg.WorkspaceRoot); err != nil {
		return err
	}

	lock, err := hostlock.Acquire(cfg.LockPath)
	if err != nil {
		return err
	}
	defer lock.Release()

	rec := startRecording(cfg, "build")
	defer func() { rec.finish(err) }()

	if _, err := newChecker(cfg).Check(ctx); err != nil {
		return err
	}

	images := newImages()
	if images != nil {
		defer images.Close()
	}

	fmt.Printf("🔨 Building root filesystem (%d MiB)...\n", cfg.RootfsSizeMB)
	img, err := newBuilder(cfg, images).Build(ctx, rootfs.Request{
		WorkloadBinary: cfg.WorkloadBinary,
		AssetDir:       cfg.AssetDir,
		SizeMB:         cfg.RootfsSizeMB,
		Link:           linkFromConfig(cfg),
	})
	if err != nil {
		return err
	}
	rec.update(func(run *db.Run) { run.Workspace = img.Workspace })

	fmt.Printf("✅ Root filesystem: %s (%d MiB, guest %s)\n", img.Path, img.SizeBytes>>20, img.GuestAddress)
	return nil
}
