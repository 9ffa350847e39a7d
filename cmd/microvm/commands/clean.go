package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/btcdash/microvm/internal/config"
	"github.com/btcdash/microvm/pkg/db"
	appfsm "github.com/btcdash/microvm/pkg/fsm"
	"github.com/btcdash/microvm/pkg/hostlock"
	"github.com/btcdash/microvm/pkg/network"
	"github.com/btcdash/microvm/pkg/supervisor"
	"github.com/spf13/cobra"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Stop the guest and reclaim every host resource",
	Long: `Stops the recorded guest, removes the TAP device and its iptables rules,
deletes scratch workspaces (unmounting them first), and removes the control
socket and VM config. Each step is best-effort; clean always succeeds.`,
	RunE: runClean,
}

func init() {
	rootCmd.AddCommand(cleanCmd)
}

// runClean never takes the host lock and never fails: it must be able to
// recover a host that a crashed run left behind.
func runClean(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("⚠️  Config invalid, falling back to defaults where needed: %v\n", err)
		cfg = fallbackConfig()
	}

	if holder := hostlock.Holder(cfg.LockPath); holder != 0 && holder != os.Getpid() {
		fmt.Printf("⚠️  Host lock held by pid %d, cleaning anyway\n", holder)
	}

	fmt.Println("🧹 Cleaning up microVM resources...")

	var repo *db.Repository
	if _, statErr := os.Stat(cfg.SQLitePath); statErr == nil {
		repo, err = db.NewRepository(cfg.SQLitePath)
		if err != nil {
			fmt.Printf("⚠️  Run records unavailable: %v\n", err)
			repo = nil
		}
	}
	if repo != nil {
		defer repo.Close()
	}

	plan := appfsm.TeardownPlan{
		Link:          linkFromConfig(cfg),
		WorkspaceRoot: cfg.WorkspaceRoot,
		ControlSocket: cfg.ControlSocket,
		VMConfigPath:  cfg.VMConfigPath,
	}
	if repo != nil {
		if run, err := repo.Latest(); err != nil {
			fmt.Printf("⚠️  Could not read latest run: %v\n", err)
		} else if run != nil {
			fmt.Printf("🔍 Found guest pid %d from run %s\n", run.PID, run.ID)
			plan.Handle = &supervisor.Handle{PID: run.PID, ControlPath: cfg.ControlSocket}
		}
	}

	deps := appfsm.Deps{VM: newSupervisor(cfg)}
	if provisioner, err := newProvisioner(cfg); err != nil {
		fmt.Printf("⚠️  Network teardown unavailable: %v\n", err)
	} else {
		deps.Network = provisioner
	}
	if images := newImages(); images != nil {
		defer images.Close()
		deps.Images = images
	}

	appfsm.NewMachine(deps, 0).Teardown(ctx, plan)

	if repo != nil {
		if n, err := repo.MarkCleaned(); err != nil {
			fmt.Printf("⚠️  Failed to update run records: %v\n", err)
		} else if n > 0 {
			fmt.Printf("🗑️  Marked %d runs cleaned\n", n)
		}
	}

	fmt.Println("✅ Clean complete")
	return nil
}

// defaultConfig is the configuration clean falls back to when none loads.
func defaultConfig() *config.Config {
	return &config.Config{
		SQLitePath:     config.SQLitePath,
		LockPath:       config.LockPath,
		WorkspaceRoot:  config.WorkspaceRoot,
		ControlSocket:  config.ControlSocketPath,
		VMConfigPath:   config.VMConfigPath,
		FirecrackerBin: "firecracker",
		TapDevice:      network.DefaultDevice,
		HostAddress:    network.DefaultHostAddress,
		GuestAddress:   network.DefaultGuestAddress,
		PrefixLen:      network.DefaultPrefixLen,
		LaunchTimeout:  30 * time.Second,
		StopTimeout:    10 * time.Second,
	}
}

// fallbackConfig keeps whatever loaded, since it names the paths to clean,
// and replaces only the fields clean needs that are empty or invalid.
func fallbackConfig() *config.Config {
	def := defaultConfig()
	cfg, err := config.Load()
	if err != nil {
		return def
	}

	for _, f := range []struct {
		field *string
		value string
	}{
		{&cfg.SQLitePath, def.SQLitePath},
		{&cfg.LockPath, def.LockPath},
		{&cfg.WorkspaceRoot, def.WorkspaceRoot},
		{&cfg.ControlSocket, def.ControlSocket},
		{&cfg.VMConfigPath, def.VMConfigPath},
		{&cfg.FirecrackerBin, def.FirecrackerBin},
	} {
		if *f.field == "" {
			*f.field = f.value
		}
	}

	if cfg.TapDevice == "" || len(cfg.TapDevice) > 15 {
		cfg.TapDevice = def.TapDevice
	}
	if net.ParseIP(cfg.HostAddress).To4() == nil {
		cfg.HostAddress = def.HostAddress
	}
	if net.ParseIP(cfg.GuestAddress).To4() == nil {
		cfg.GuestAddress = def.GuestAddress
	}
	if cfg.PrefixLen < 1 || cfg.PrefixLen > 30 {
		cfg.PrefixLen = def.PrefixLen
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = def.LaunchTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	return cfg
}
