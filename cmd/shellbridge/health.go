package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/shellbridge/internal/backend"
)

func healthCmd() *cobra.Command {
	var urlFlag string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe the server health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if urlFlag != "" {
				cfg.Client.URL = urlFlag
			}
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Client.ProbeTimeout)
			defer cancel()

			r := backend.NewRemote(cfg.Client.URL, cfg.Client.ConnectTimeout)
			if err := r.Probe(ctx); err != nil {
				return fmt.Errorf("%s: %w", cfg.Client.URL, err)
			}
			fmt.Printf("%s: ok\n", cfg.Client.URL)
			return nil
		},
	}
	cmd.Flags().StringVar(&urlFlag, "url", "", "server websocket URL (overrides client.url)")
	return cmd
}
