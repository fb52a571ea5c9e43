package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/ehrlich-b/shellbridge/internal/logger"
	"github.com/ehrlich-b/shellbridge/internal/pty"
)

// TimeoutExitCode is reported when a command outlives the runner's timeout,
// matching coreutils timeout(1).
const TimeoutExitCode = 124

// Result is the outcome of a one-shot command.
type Result struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exitCode"`
}

// Runner executes single commands outside any pty session.
type Runner struct {
	Shell   string
	Timeout time.Duration
}

func NewRunner(shell string, timeout time.Duration) *Runner {
	if shell == "" {
		shell = pty.DefaultShell()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Runner{Shell: shell, Timeout: timeout}
}

// Run executes command with the runner's shell in cwd and returns combined
// stdout/stderr. A non-zero exit is reported in the Result, not as an error.
func (r *Runner) Run(ctx context.Context, command, cwd string) Result {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	if cwd == "" {
		cwd = pty.HomeDir()
	}
	if st, err := os.Stat(cwd); err != nil || !st.IsDir() {
		return Result{Output: fmt.Sprintf("cd: %s: no such directory\n", cwd), ExitCode: 1}
	}

	cmd := exec.CommandContext(ctx, r.Shell, "-c", command)
	cmd.Dir = cwd
	cmd.WaitDelay = time.Second
	output, err := cmd.CombinedOutput()

	res := Result{Output: string(output)}
	switch {
	case err == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.ExitCode = TimeoutExitCode
		res.Output += fmt.Sprintf("\ncommand timed out after %s\n", r.Timeout)
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = 1
			res.Output += err.Error() + "\n"
		}
	}
	logger.Debug("exec finished", "cmd", command, "cwd", cwd, "exit", res.ExitCode)
	return res
}
