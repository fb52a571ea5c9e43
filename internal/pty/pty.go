// Package pty spawns interactive processes attached to a pseudo-terminal.
package pty

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"runtime"
	"time"
)

// ErrUnsupported is returned by Start on platforms without a pty implementation.
var ErrUnsupported = errors.New("pty: not supported on " + runtime.GOOS)

// DefaultKillGrace is how long Kill waits after SIGTERM before sending SIGKILL.
const DefaultKillGrace = 3 * time.Second

// Handle is one process running under a pseudo-terminal. Read returns the
// terminal output and io.EOF once the terminal is gone.
type Handle interface {
	io.ReadWriter
	// Resize sets the terminal window size.
	Resize(cols, rows int) error
	// Kill asks the process group to terminate and escalates to SIGKILL after
	// the grace period. Safe to call more than once.
	Kill() error
	// Wait blocks until the process exits.
	Wait() ExitStatus
	// Close releases the terminal. It does not wait for the process.
	Close() error
	Pid() int
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	Code   int
	Signal string // empty unless the process was killed by a signal
}

// Options configure Start.
type Options struct {
	Shell     string   // defaults to DefaultShell()
	Args      []string // extra arguments to the shell
	Dir       string   // working directory
	Env       []string // appended to the current environment
	Cols      int
	Rows      int
	KillGrace time.Duration // defaults to DefaultKillGrace
}

// StartFunc spawns a Handle. Start is the real implementation; tests swap in fakes.
type StartFunc func(opts Options) (Handle, error)

// DefaultShell picks an interactive shell for the current platform.
func DefaultShell() string {
	if runtime.GOOS == "windows" {
		if s := os.Getenv("COMSPEC"); s != "" {
			return s
		}
		return "powershell.exe"
	}
	if s := os.Getenv("SHELL"); s != "" {
		if _, err := exec.LookPath(s); err == nil {
			return s
		}
	}
	for _, s := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
		if _, err := os.Stat(s); err == nil {
			return s
		}
	}
	return "sh"
}

// HomeDir returns the user's home directory, falling back to the process cwd.
func HomeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		if fi, err := os.Stat(home); err == nil && fi.IsDir() {
			return home
		}
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "/"
}
