package commands

import (
	"fmt"
	"os"

	"github.com/btcdash/microvm/pkg/db"
	"github.com/btcdash/microvm/pkg/errors"
	"github.com/btcdash/microvm/pkg/hostlock"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "List recorded runs and their status",
	Long: `Lists recorded runs, newest first. With a run id, shows that run in full.
--prune deletes the records of runs that clean has already reclaimed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var prune bool

func init() {
	statusCmd.Flags().BoolVar(&prune, "prune", false, "Delete records of cleaned runs")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if holder := hostlock.Holder(cfg.LockPath); holder != 0 {
		fmt.Printf("🔒 Host lock held by pid %d\n", holder)
	}

	if _, err := os.Stat(cfg.SQLitePath); os.IsNotExist(err) {
		fmt.Println("No runs found")
		return nil
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	if len(args) == 1 {
		return showRun(repo, args[0])
	}

	if prune {
		n, err := pruneRuns(repo)
		if err != nil {
			return err
		}
		fmt.Printf("🗑️  Pruned %d cleaned runs\n", n)
	}

	runs, err := repo.List()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	fmt.Printf("%-36s %-8s %-10s %-10s %-8s %-20s\n", "RUN ID", "COMMAND", "STAGE", "STATUS", "PID", "CREATED")
	fmt.Println("------------------------------------------------------------------------------------------------")

	for _, run := range runs {
		fmt.Printf("%-36s %-8s %-10s %-10s %-8s %-20s\n",
			run.ID, run.Command, run.Stage, run.Status, pidString(run.PID), run.CreatedAt)
		if run.ErrorMessage != "" {
			fmt.Printf("    error: %s\n", run.ErrorMessage)
		}
	}

	return nil
}

func showRun(repo *db.Repository, id string) error {
	run, err := repo.Get(id)
	if err != nil {
		return errors.Wrap(err, "get failed")
	}
	if run == nil {
		return fmt.Errorf("run %s not found", id)
	}

	fmt.Printf("Run:        %s\n", run.ID)
	fmt.Printf("Command:    %s\n", run.Command)
	fmt.Printf("Stage:      %s\n", run.Stage)
	fmt.Printf("Status:     %s\n", run.Status)
	fmt.Printf("PID:        %s\n", pidString(run.PID))
	fmt.Printf("Workspace:  %s\n", orDash(run.Workspace))
	fmt.Printf("TAP device: %s\n", orDash(run.TapDevice))
	fmt.Printf("Created:    %s\n", run.CreatedAt)
	fmt.Printf("Updated:    %s\n", run.UpdatedAt)
	if run.ErrorMessage != "" {
		fmt.Printf("Error:      %s\n", run.ErrorMessage)
	}
	return nil
}

// pruneRuns deletes the records of cleaned runs and returns how many went.
func pruneRuns(repo *db.Repository) (int, error) {
	runs, err := repo.List()
	if err != nil {
		return 0, errors.Wrap(err, "list failed")
	}
	pruned := 0
	for _, run := range runs {
		if run.Status != db.StatusCleaned {
			continue
		}
		if err := repo.Delete(run.ID); err != nil {
			return pruned, errors.Wrap(err, "delete failed")
		}
		pruned++
	}
	return pruned, nil
}

func pidString(pid int) string {
	if pid == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", pid)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
