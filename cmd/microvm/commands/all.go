package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcdash/microvm/pkg/errors"
	appfsm "github.com/btcdash/microvm/pkg/fsm"
	"github.com/btcdash/microvm/pkg/hostlock"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"
)

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Check, fetch, build, network and run in one go",
	Long: `Runs prereqs, kernel, build, network and run as one state machine. When a stage
fails, the stages already completed are reversed in the opposite order.`,
	RunE: runAll,
}

func init() {
	rootCmd.AddCommand(allCmd)
}

func runAll(cmd *cobra.Command, args []string) (err error) {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Ensure all necessary directories exist
	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, cfg.WorkspaceRoot); err != nil {
		return err
	}

	lock, err := hostlock.Acquire(cfg.LockPath)
	if err != nil {
		return err
	}
	defer lock.Release()

	rec := startRecording(cfg, "all")
	defer func() { rec.finish(err) }()

	images := newImages()
	if images != nil {
		defer images.Close()
	}

	sup := newSupervisor(cfg)
	machine := appfsm.NewMachine(appfsm.Deps{
		Checker: newChecker(cfg),
		Kernel:  newFetcher(cfg),
		Builder: newBuilder(cfg, images),
		Network: newLazyProvisioner(cfg),
		VM:      sup,
		Images:  images,
		Repo:    rec.repo,
	}, cfg.FSMMaxRetries).WithRun(rec.run)

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return err
	}

	runID := rec.run.ID
	if runID == "" {
		runID = uuid.NewString()
	}
	req := &appfsm.PipelineRequest{
		RunID:          runID,
		KernelPath:     cfg.KernelPath,
		KernelURL:      cfg.KernelURL,
		WorkloadBinary: cfg.WorkloadBinary,
		AssetDir:       cfg.AssetDir,
		SizeMB:         cfg.RootfsSizeMB,
		Link:           linkFromConfig(cfg),
	}
	resp := &appfsm.PipelineResponse{}

	version, err := start(ctx, runID, fsm.NewRequest(req, resp))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}
	slog.Info("fsm_started", "run_id", runID, "version", version)

	waitErr := manager.Wait(ctx, version)
	if stageErr := machine.Err(); stageErr != nil || waitErr != nil {
		fmt.Println("⚠️  Pipeline failed, reversing completed stages...")
		machine.Unwind(ctx)
		if stageErr != nil {
			return stageErr
		}
		return errors.Wrap(waitErr, "FSM execution failed")
	}

	h := machine.Handle()
	if h == nil {
		return fmt.Errorf("pipeline finished without a running guest")
	}
	return supervise(ctx, cfg, sup, h)
}
