package main

import (
	"log/slog"
	"os"

	"github.com/btcdash/microvm/cmd/microvm/commands"
)

func main() {
	// Logs go to stderr so the guest console owns stdout during run
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: commands.LogLevel,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
