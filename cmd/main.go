package main

import (
	"context"
	"os"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"melonsync/internal/shared"
)

func main() {
	logger := shared.NewLogger(nil)
	if os.Getenv("MELONSYNC_DEBUG") != "" {
		shared.SetLogLevel(logger, log.DebugLevel)
	}

	// Each command action loads its configuration from the --config flag.
	runner := NewRunner(RunnerOpts{
		Logger: logger,
	})

	app := &cli.Command{
		Name:     "melonsync",
		Usage:    "Reconcile the Melon Top 100 chart against Spotify playlists",
		Version:  "0.2.0",
		Commands: runner.register(),
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		logger.Fatalf("application error: %v", err)
	}
}
