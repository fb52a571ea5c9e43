package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ehrlich-b/shellbridge/internal/backend"
	"github.com/ehrlich-b/shellbridge/internal/bridge"
	"github.com/ehrlich-b/shellbridge/internal/config"
	"github.com/ehrlich-b/shellbridge/internal/logger"
	"github.com/ehrlich-b/shellbridge/internal/ws"
)

func attachCmd() *cobra.Command {
	var urlFlag string

	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Open an interactive session, falling back to the local emulator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if urlFlag != "" {
				cfg.Client.URL = urlFlag
			}
			// The terminal belongs to the session; logs go to the log file only.
			console := io.Discard
			if cfg.Logging.File == "" {
				console = os.Stderr
				if logLevel == "" {
					cfg.Logging.Level = "error"
				}
			}
			if err := logger.InitTo(console, cfg.Logging.Level, cfg.Logging.File); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
			defer stop()

			code, err := attach(ctx, cfg)
			if err != nil {
				return err
			}
			if code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&urlFlag, "url", "", "server websocket URL (overrides client.url)")
	return cmd
}

func newBridge(cfg *config.Config) *bridge.Bridge {
	var backends []backend.Backend
	for _, kind := range cfg.Client.Backends {
		switch kind {
		case config.BackendRemote:
			backends = append(backends, backend.NewRemote(cfg.Client.URL, cfg.Client.ConnectTimeout))
		case config.BackendLocal:
			backends = append(backends, backend.NewLocal())
		}
	}
	return bridge.New(bridge.ConfigFrom(cfg.Client), backends...)
}

func attach(ctx context.Context, cfg *config.Config) (int, error) {
	b := newBridge(cfg)
	defer b.Stop()

	exitCh := make(chan ws.ExitData, 1)
	b.OnOutput(func(p []byte) { os.Stdout.Write(p) })
	b.OnExit(func(d ws.ExitData) {
		select {
		case exitCh <- d:
		default:
		}
	})
	b.Events().Subscribe(bridge.TopicState, func(ev bridge.StateEvent) {
		logger.Info("bridge state", "state", ev.State.String(), "backend", ev.Backend, "err", ev.Err)
	})

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		if w, h, err := term.GetSize(fd); err == nil {
			b.Resize(w, h)
		}
	}

	if err := b.Initialize(ctx); err != nil {
		return 1, fmt.Errorf("attach: %w", err)
	}

	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err == nil {
			defer term.Restore(fd, oldState)
		}
	}

	winchCh := make(chan os.Signal, 1)
	notifyResize(winchCh)
	defer signal.Stop(winchCh)
	go func() {
		for range winchCh {
			if w, h, err := term.GetSize(fd); err == nil {
				b.Resize(w, h)
			}
		}
	}()

	// Raw mode delivers Ctrl-C as a byte, so it reaches the session.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				b.SendInput(data)
			}
			if err != nil {
				return
			}
		}
	}()

	select {
	case d := <-exitCh:
		return d.Code, nil
	case <-ctx.Done():
		return 0, nil
	}
}
