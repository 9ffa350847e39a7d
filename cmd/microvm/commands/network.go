package commands

import (
	"context"
	"fmt"

	"github.com/btcdash/microvm/pkg/db"
	"github.com/btcdash/microvm/pkg/errors"
	"github.com/btcdash/microvm/pkg/hostlock"
	"github.com/spf13/cobra"
)

var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Create the TAP device and NAT rules for the guest",
	RunE:  runNetwork,
}

func init() {
	rootCmd.AddCommand(networkCmd)
}

func runNetwork(cmd *cobra.Command, args []string) (err error) {
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

	rec := startRecording(cfg, "network")
	defer func() { rec.finish(err) }()

	provisioner, err := newProvisioner(cfg)
	if err != nil {
		return err
	}

	link := linkFromConfig(cfg)
	if err := provisioner.SetupLink(ctx, link); err != nil {
		var netErr *errors.NetworkError
		if errors.As(err, &netErr) && netErr.Reason != "device-exists" {
			fmt.Printf("⚠️  Setup failed, reverting %s\n", link.Device)
			provisioner.TeardownLink(ctx, link)
		}
		return err
	}
	rec.update(func(run *db.Run) { run.TapDevice = link.Device })

	fmt.Printf("✅ %s up: host %s, guest %s\n", link.Device, link.HostCIDR(), link.GuestCIDR())
	return nil
}
