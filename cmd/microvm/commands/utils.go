package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/btcdash/microvm/internal/config"
	"github.com/btcdash/microvm/pkg/baseimage"
	"github.com/btcdash/microvm/pkg/blockdev"
	"github.com/btcdash/microvm/pkg/db"
	"github.com/btcdash/microvm/pkg/errors"
	"github.com/btcdash/microvm/pkg/hostcheck"
	"github.com/btcdash/microvm/pkg/kernel"
	"github.com/btcdash/microvm/pkg/network"
	"github.com/btcdash/microvm/pkg/rootfs"
	"github.com/btcdash/microvm/pkg/security"
	"github.com/btcdash/microvm/pkg/supervisor"
)

// loadConfig loads and validates config and applies its log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	LogLevel.Set(cfg.SlogLevel())
	return cfg, nil
}

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath string, dirs ...string) error {
	// Create database directory
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Create FSM database directory (only needed for all)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "failed to create directory "+dir)
		}
	}

	return nil
}

func linkFromConfig(cfg *config.Config) network.Link {
	return network.Link{
		Device:       cfg.TapDevice,
		HostAddress:  cfg.HostAddress,
		GuestAddress: cfg.GuestAddress,
		PrefixLen:    cfg.PrefixLen,
	}
}

func newChecker(cfg *config.Config) *hostcheck.Checker {
	return hostcheck.NewChecker(cfg.FirecrackerBin, "mkfs.ext4", "iptables")
}

func newFetcher(cfg *config.Config) *kernel.Fetcher {
	return kernel.NewFetcher(kernel.NewDownloader(cfg.S3Region), cfg.KernelTimeout)
}

// newImages returns the platform image manager, or nil where loop mounts are
// unavailable.
func newImages() blockdev.Manager {
	images, err := blockdev.NewManager()
	if err != nil {
		slog.Warn("image_manager_unavailable", "error", err)
		return nil
	}
	return images
}

func newBuilder(cfg *config.Config, images blockdev.Manager) *rootfs.Builder {
	validator := security.NewValidator(cfg.MaxFileSize, cfg.MaxTotalSize, cfg.MaxCompressionRatio)
	source := baseimage.New(cfg.BaseImage, cfg.BaseTarball, validator)
	return rootfs.NewBuilder(images, source, cfg.WorkspaceRoot, cfg.RootfsPath)
}

// newProvisioner fails with a NetworkError when the host cannot manage TAP
// devices or iptables.
func newProvisioner(cfg *config.Config) (*network.Provisioner, error) {
	host, err := network.NewHost()
	if err != nil {
		return nil, &errors.NetworkError{Reason: "setup", Device: cfg.TapDevice, Err: err}
	}
	return network.NewProvisioner(host, cfg.ExternalIface), nil
}

// lazyProvisioner builds the link provisioner on first use, so a host that
// cannot manage TAP devices fails in the network stage rather than before
// prereqs has run.
type lazyProvisioner struct {
	build func() (*network.Provisioner, error)

	once sync.Once
	p    *network.Provisioner
	err  error
}

func newLazyProvisioner(cfg *config.Config) *lazyProvisioner {
	return &lazyProvisioner{build: func() (*network.Provisioner, error) { return newProvisioner(cfg) }}
}

func (l *lazyProvisioner) get() (*network.Provisioner, error) {
	l.once.Do(func() { l.p, l.err = l.build() })
	return l.p, l.err
}

func (l *lazyProvisioner) SetupLink(ctx context.Context, link network.Link) error {
	p, err := l.get()
	if err != nil {
		return err
	}
	return p.SetupLink(ctx, link)
}

func (l *lazyProvisioner) TeardownLink(ctx context.Context, link network.Link) {
	p, err := l.get()
	if err != nil {
		slog.Warn("network_teardown_skipped", "device", link.Device, "error", err)
		return
	}
	p.TeardownLink(ctx, link)
}

func newSupervisor(cfg *config.Config) *supervisor.Supervisor {
	return supervisor.New(supervisor.Options{
		Binary:        cfg.FirecrackerBin,
		ControlSocket: cfg.ControlSocket,
		ConfigPath:    cfg.VMConfigPath,
		VCPUs:         cfg.VCPUs,
		MemoryMiB:     cfg.MemoryMiB,
		BootArgs:      cfg.BootArgs,
		GuestMAC:      cfg.GuestMAC,
		LaunchTimeout: cfg.LaunchTimeout,
		StopTimeout:   cfg.StopTimeout,
	}, &supervisor.ExecSpawner{Stdout: os.Stdout, Stderr: os.Stderr})
}

// recorder writes run records. Recording is best-effort: a broken database
// never blocks provisioning.
type recorder struct {
	repo *db.Repository
	run  *db.Run
}

func startRecording(cfg *config.Config, command string) *recorder {
	r := &recorder{run: &db.Run{Command: command, Stage: command, Status: db.StatusRunning}}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		slog.Warn("run_records_unavailable", "db_path", cfg.SQLitePath, "error", err)
		return r
	}
	if err := repo.Create(r.run); err != nil {
		slog.Warn("run_record_failed", "error", err)
		repo.Close()
		return r
	}
	r.repo = repo
	return r
}

func (r *recorder) update(fn func(run *db.Run)) {
	fn(r.run)
	if r.repo == nil {
		return
	}
	if err := r.repo.Update(r.run); err != nil {
		slog.Warn("run_record_failed", "run_id", r.run.ID, "error", err)
	}
}

// finish records the outcome and closes the database.
func (r *recorder) finish(err error) {
	r.update(func(run *db.Run) {
		if err != nil {
			run.Status = db.StatusFailed
			run.ErrorMessage = err.Error()
			if stage := errors.StageOf(err); stage != "" {
				run.Stage = stage
			}
			return
		}
		if run.Status == db.StatusRunning {
			run.Status = db.StatusCompleted
		}
	})
	if r.repo != nil {
		r.repo.Close()
	}
}

// supervise keeps the guest in the foreground until it exits or the user
// interrupts, in which case it is stopped.
func supervise(ctx context.Context, cfg *config.Config, sup *supervisor.Supervisor, h *supervisor.Handle) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	guestURL := fmt.Sprintf("http://%s:%d", cfg.GuestAddress, cfg.HealthPort)
	fmt.Printf("🚀 Guest running (pid %d) at %s\n", h.PID, guestURL)

	go func() {
		probeCtx, cancel := context.WithTimeout(ctx, cfg.LaunchTimeout)
		defer cancel()
		if err := supervisor.ProbeHealth(probeCtx, guestURL+"/health"); err != nil {
			if ctx.Err() == nil {
				slog.Warn("health_probe_failed", "url", guestURL, "error", err)
			}
			return
		}
		fmt.Printf("✅ Guest healthy at %s\n", guestURL)
	}()

	select {
	case sig := <-sigCh:
		fmt.Printf("🛑 Received %s, stopping guest...\n", sig)
		if err := sup.Stop(context.Background(), h); err != nil {
			return errors.Wrap(err, "stop failed")
		}
		fmt.Println("✅ Guest stopped")
	case <-sup.Exited():
		err := sup.Wait(ctx)
		slog.Info("guest_exited", "pid", h.PID, "error", err)
		sup.Stop(ctx, h)
		fmt.Println("✅ Guest exited")
	}
	return nil
}
