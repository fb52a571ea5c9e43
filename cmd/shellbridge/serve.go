package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/shellbridge/internal/config"
	"github.com/ehrlich-b/shellbridge/internal/logger"
	"github.com/ehrlich-b/shellbridge/internal/server"
)

func serveCmd() *cobra.Command {
	var addrFlag string
	var shellFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addrFlag != "" {
				cfg.Server.Addr = addrFlag
			}
			if shellFlag != "" {
				cfg.Server.Shell = shellFlag
			}
			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Only the log level is applied live; listener settings need a restart.
			if _, err := os.Stat(configPath); err == nil {
				go func() {
					err := config.Watch(ctx, configPath, func(c *config.Config) {
						if logLevel == "" {
							reloadLogLevel(c.Logging.Level)
						}
					})
					if err != nil {
						logger.Warn("config watch disabled", "err", err)
					}
				}()
			}

			srv := server.New(cfg.Server, nil)
			logger.Info("shellbridge serving", "addr", cfg.Server.Addr, "version", version)
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&shellFlag, "shell", "", "shell to spawn (overrides server.shell)")
	return cmd
}

func reloadLogLevel(lvl string) {
	prev := logger.Level()
	logger.SetLevel(lvl)
	if cur := logger.Level(); cur != prev {
		logger.Info("log level changed", "from", prev, "to", cur)
	}
}
