package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var prereqsCmd = &cobra.Command{
	Use:   "prereqs",
	Short: "Check that the host can run a microVM",
	RunE:  runPrereqs,
}

func init() {
	rootCmd.AddCommand(prereqsCmd)
}

func runPrereqs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	capability, err := newChecker(cfg).Check(context.Background())
	if err != nil {
		for _, tool := range capability.Missing {
			fmt.Printf("❌ Missing tool: %s\n", tool)
		}
		return err
	}

	fmt.Println("✅ KVM available")
	fmt.Println("✅ Required tools installed")
	fmt.Println("✅ Running as root")
	return nil
}
