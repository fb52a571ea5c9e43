package backend

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/ehrlich-b/shellbridge/internal/config"
	"github.com/ehrlich-b/shellbridge/internal/emulator"
	"github.com/ehrlich-b/shellbridge/internal/logger"
	"github.com/ehrlich-b/shellbridge/internal/tools"
	"github.com/ehrlich-b/shellbridge/internal/ws"
)

const banner = "\x1b[33m[shellbridge] remote shell unavailable, using local emulator. Type 'help'.\x1b[0m\r\n"

// Local runs the emulator in-process with a minimal line discipline: echo,
// backspace, Ctrl-C, Ctrl-D and CR/LF. Connect always succeeds.
type Local struct {
	handlers

	mu        sync.Mutex
	in        *emulator.Interpreter
	connected bool
	line      []byte
	lastCR    bool
	esc       int // 0 none, 1 after ESC, 2 inside CSI
	cols      int
	rows      int
}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Kind() string { return config.BackendLocal }

func (l *Local) Connect(ctx context.Context) error {
	l.mu.Lock()
	l.in = emulator.New()
	l.connected = true
	l.line = l.line[:0]
	l.lastCR = false
	l.esc = 0
	prompt := l.in.Prompt()
	l.mu.Unlock()

	logger.Info("local emulator session started")
	l.emitOutput([]byte(banner + prompt))
	return nil
}

func (l *Local) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *Local) Disconnect() {
	l.mu.Lock()
	l.connected = false
	l.mu.Unlock()
}

func (l *Local) Resize(cols, rows int) {
	l.mu.Lock()
	l.cols, l.rows = ws.NormalizeSize(cols, rows, 0, 0)
	l.mu.Unlock()
}

func (l *Local) Kill() {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return
	}
	l.connected = false
	l.mu.Unlock()
	l.emitExit(ws.ExitData{Code: 137, Signal: "killed"})
}

// SendInput feeds raw terminal bytes through the line discipline. Output
// and exit are delivered after the lock is released.
func (l *Local) SendInput(p []byte) {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return
	}
	var out bytes.Buffer
	exited := false
	var exit ws.ExitData
	for _, b := range p {
		if exited {
			break
		}
		switch {
		case l.esc == 1:
			if b == '[' || b == 'O' {
				l.esc = 2
			} else {
				l.esc = 0
			}
			continue
		case l.esc == 2:
			if b >= 0x40 && b <= 0x7e {
				l.esc = 0
			}
			continue
		}

		cr := l.lastCR
		l.lastCR = b == '\r'
		switch b {
		case 0x1b:
			l.esc = 1
		case '\n':
			if cr {
				continue
			}
			exited = l.enter(&out, &exit)
		case '\r':
			exited = l.enter(&out, &exit)
		case 0x7f, '\b':
			if len(l.line) > 0 {
				_, n := utf8.DecodeLastRune(l.line)
				l.line = l.line[:len(l.line)-n]
				out.WriteString("\b \b")
			}
		case 0x03:
			l.line = l.line[:0]
			l.in.SetStatus(130)
			out.WriteString("^C\r\n" + l.in.Prompt())
		case 0x04:
			if len(l.line) == 0 {
				out.WriteString("exit\r\n")
				l.in.Exec("exit")
				exit = ws.ExitData{Code: l.in.Status()}
				l.connected = false
				exited = true
			}
		case '\t':
			l.line = append(l.line, ' ')
			out.WriteByte(' ')
		default:
			if b < 0x20 {
				continue
			}
			l.line = append(l.line, b)
			out.WriteByte(b)
		}
	}
	l.mu.Unlock()

	l.emitOutput(out.Bytes())
	if exited {
		logger.Info("local emulator session exited", "code", exit.Code)
		l.emitExit(exit)
	}
}

// enter runs the buffered line. It reports whether the session ended.
func (l *Local) enter(out *bytes.Buffer, exit *ws.ExitData) bool {
	line := string(l.line)
	l.line = l.line[:0]
	out.WriteString("\r\n")
	result, status := l.in.Exec(line)
	out.WriteString(toCRLF(result))
	if l.in.Exited() {
		*exit = ws.ExitData{Code: status}
		l.connected = false
		return true
	}
	out.WriteString(l.in.Prompt())
	return false
}

func toCRLF(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

// Exec runs one command against the emulator's filesystem. cwd, when set,
// applies to this command only.
func (l *Local) Exec(ctx context.Context, command, cwd string) (tools.Result, error) {
	if err := ctx.Err(); err != nil {
		return tools.Result{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.in == nil {
		l.in = emulator.New()
	}
	if cwd != "" {
		prev := l.in.Cwd()
		if err := l.in.Chdir(cwd); err != nil {
			return tools.Result{Output: err.Error() + "\n", ExitCode: emulator.StatusError}, nil
		}
		defer l.in.Chdir(prev)
	}
	out, status := l.in.Exec(command)
	// exit in a one-shot command must not end the interactive session.
	l.in.Resume()
	return tools.Result{Output: out, ExitCode: status}, nil
}
