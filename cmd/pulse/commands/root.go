// Package commands provides the CLI command definitions for Pulse.
package commands

import (
	"context"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/mr-karan/pulse/internal/app"
)

// Styles for CLI output
var (
	logoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F59E0B")).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))
)

// New creates the root CLI command with all subcommands.
func New(version, commit, date string) *cli.Command {
	return &cli.Command{
		Name:    "pulse",
		Usage:   "Saved-query alert notification engine",
		Version: version,
		Description: `Pulse watches saved queries and notifies subscribers when their
   alert conditions are met, over email and webhooks.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
				Sources: cli.EnvVars("PULSE_CONFIG"),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if cmd.Bool("debug") {
				log.SetLevel(log.DebugLevel)
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			serveCommand(version),
			versionCommand(version, commit, date),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runServe(ctx, cmd, version)
		},
	}
}

// serveCommand starts the server. Running the bare binary does the same.
func serveCommand(version string) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "start the alert engine and HTTP API",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runServe(ctx, cmd, version)
		},
	}
}

func runServe(ctx context.Context, cmd *cli.Command, version string) error {
	instance, err := app.New(app.Options{
		ConfigPath: cmd.String("config"),
		Version:    version,
	})
	if err != nil {
		return err
	}

	if err := instance.Initialize(ctx); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- instance.Start()
	}()

	select {
	case err := <-serveErr:
		shutdownErr := instance.Shutdown(context.Background())
		if err != nil {
			return err
		}
		return shutdownErr
	case <-ctx.Done():
		return instance.Shutdown(context.Background())
	}
}

func versionCommand(version, commit, date string) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "show version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Printf("%s version %s\n", logoStyle.Render("pulse"), version)
			fmt.Printf("  commit: %s\n", mutedStyle.Render(commit))
			fmt.Printf("  built:  %s\n", mutedStyle.Render(date))
			return nil
		},
	}
}
