package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/shellbridge/internal/config"
	"github.com/ehrlich-b/shellbridge/internal/logger"
	"github.com/ehrlich-b/shellbridge/internal/tools"
)

func execCmd() *cobra.Command {
	var cwdFlag string

	cmd := &cobra.Command{
		Use:   "exec <command...>",
		Short: "Run one command on the server, or in the local emulator if it is down",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := logger.InitTo(os.Stderr, cfg.Logging.Level, cfg.Logging.File); err != nil {
				return err
			}
			res, err := runOnce(context.Background(), cfg, strings.Join(args, " "), cwdFlag)
			if err != nil {
				return fmt.Errorf("exec: %w", err)
			}
			fmt.Print(res.Output)
			if res.ExitCode != 0 {
				os.Exit(res.ExitCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cwdFlag, "cwd", "", "working directory for the command")
	return cmd
}

// runOnce executes command through the configured backends without
// attaching a terminal session.
func runOnce(ctx context.Context, cfg *config.Config, command, cwd string) (tools.Result, error) {
	return newBridge(cfg).RunOnce(ctx, command, cwd)
}
