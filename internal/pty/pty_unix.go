//go:build !windows

package pty

import (
	"errors"
	"io"
	"math"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	creackpty "github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// drainTimeout bounds how long the terminal stays open after the process
// exits, in case a leftover background job still holds the slave side.
const drainTimeout = 2 * time.Second

type unixHandle struct {
	ptmx  *os.File
	cmd   *exec.Cmd
	grace time.Duration

	done   chan struct{}
	status ExitStatus

	killOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

// Start runs opts.Shell under a new pseudo-terminal. The process becomes a
// session leader, so Kill can signal its whole process group.
func Start(opts Options) (Handle, error) {
	shell := opts.Shell
	if shell == "" {
		shell = DefaultShell()
	}
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	grace := opts.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}

	cmd := exec.Command(shell, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, opts.Env...)

	ptmx, err := creackpty.StartWithSize(cmd, winsize(cols, rows))
	if err != nil {
		return nil, err
	}

	h := &unixHandle{
		ptmx:  ptmx,
		cmd:   cmd,
		grace: grace,
		done:  make(chan struct{}),
	}
	go h.wait()
	return h, nil
}

func (h *unixHandle) wait() {
	err := h.cmd.Wait()
	h.status = exitStatus(h.cmd.ProcessState, err)
	close(h.done)
	time.AfterFunc(drainTimeout, func() { h.Close() })
}

func exitStatus(ps *os.ProcessState, err error) ExitStatus {
	if ps == nil {
		if err != nil {
			return ExitStatus{Code: 1}
		}
		return ExitStatus{}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		return ExitStatus{Code: 128 + int(sig), Signal: sig.String()}
	}
	return ExitStatus{Code: ps.ExitCode()}
}

func (h *unixHandle) Read(p []byte) (int, error) {
	n, err := h.ptmx.Read(p)
	if err != nil && (errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)) {
		// Linux reports EIO once the slave side is gone.
		err = io.EOF
	}
	return n, err
}

func (h *unixHandle) Write(p []byte) (int, error) {
	return h.ptmx.Write(p)
}

func (h *unixHandle) Resize(cols, rows int) error {
	return creackpty.Setsize(h.ptmx, winsize(cols, rows))
}

func (h *unixHandle) Kill() error {
	var err error
	h.killOnce.Do(func() {
		pid := h.cmd.Process.Pid
		// Interactive shells ignore SIGTERM but exit on SIGHUP.
		unix.Kill(-pid, unix.SIGHUP)
		err = unix.Kill(-pid, unix.SIGTERM)
		if errors.Is(err, unix.ESRCH) {
			err = nil
		}
		go func() {
			select {
			case <-h.done:
			case <-time.After(h.grace):
				unix.Kill(-pid, unix.SIGKILL)
			}
		}()
	})
	return err
}

func (h *unixHandle) Wait() ExitStatus {
	<-h.done
	return h.status
}

func (h *unixHandle) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.ptmx.Close()
	})
	return h.closeErr
}

func (h *unixHandle) Pid() int {
	return h.cmd.Process.Pid
}

func winsize(cols, rows int) *creackpty.Winsize {
	return &creackpty.Winsize{Cols: dim(cols), Rows: dim(rows)}
}

func dim(n int) uint16 {
	switch {
	case n < 1:
		return 1
	case n > math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(n)
}
