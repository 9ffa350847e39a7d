package commands

import (
	"context"
	"fmt"

	"github.com/btcdash/microvm/pkg/hostlock"
	"github.com/spf13/cobra"
)

var kernelCmd = &cobra.Command{
	Use:   "kernel",
	Short: "Fetch the guest kernel unless it is already cached",
	RunE:  runKernel,
}

func init() {
	rootCmd.AddCommand(kernelCmd)
}

func runKernel(cmd *cobra.Command, args []string) (err error) {
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

	rec := startRecording(cfg, "kernel")
	defer func() { rec.finish(err) }()

	img, err := newFetcher(cfg).Ensure(context.Background(), cfg.KernelPath, cfg.KernelURL)
	if err != nil {
		return err
	}

	if img.Cached {
		fmt.Printf("✅ Kernel cached: %s (%d bytes)\n", img.Path, img.Size)
	} else {
		fmt.Printf("✅ Kernel downloaded: %s (%d bytes, sha256 %s)\n", img.Path, img.Size, img.SHA256)
	}
	return nil
}
