// Package backend defines the client side of a terminal session and its two
// implementations: Remote talks to a shellbridge server over a websocket,
// Local runs the in-process emulator.
package backend

import (
	"context"
	"errors"
	"sync"

	"github.com/ehrlich-b/shellbridge/internal/tools"
	"github.com/ehrlich-b/shellbridge/internal/ws"
)

var (
	// ErrNotConnected is returned by calls that need a live session.
	ErrNotConnected = errors.New("backend not connected")
	// ErrConnectClosed means the transport closed before a session was assigned.
	ErrConnectClosed = errors.New("connection closed before session was assigned")
)

// Backend is one way of running a terminal session. SendInput, Resize and
// Kill never block and do nothing while disconnected. Each On* setter
// replaces the previous callback.
type Backend interface {
	Kind() string
	Connect(ctx context.Context) error
	SendInput(p []byte)
	Resize(cols, rows int)
	Kill()
	OnOutput(fn func(p []byte))
	OnExit(fn func(ws.ExitData))
	OnError(fn func(err error))
	// OnDisconnect fires when an established session is lost without
	// Disconnect having been called.
	OnDisconnect(fn func(err error))
	// IsConnected is true only while the transport is open and a session id
	// has been assigned.
	IsConnected() bool
	// Disconnect tears the session down without firing OnDisconnect.
	Disconnect()
}

// Prober is implemented by backends with an out-of-band liveness check.
type Prober interface {
	Probe(ctx context.Context) error
}

// Executor is implemented by backends that can run one-shot commands.
type Executor interface {
	Exec(ctx context.Context, command, cwd string) (tools.Result, error)
}

// handlers holds the single-subscriber callbacks shared by every backend.
type handlers struct {
	mu         sync.RWMutex
	output     func([]byte)
	exit       func(ws.ExitData)
	err        func(error)
	disconnect func(error)
}

func (h *handlers) OnOutput(fn func([]byte)) {
	h.mu.Lock()
	h.output = fn
	h.mu.Unlock()
}

func (h *handlers) OnExit(fn func(ws.ExitData)) {
	h.mu.Lock()
	h.exit = fn
	h.mu.Unlock()
}

func (h *handlers) OnError(fn func(error)) {
	h.mu.Lock()
	h.err = fn
	h.mu.Unlock()
}

func (h *handlers) OnDisconnect(fn func(error)) {
	h.mu.Lock()
	h.disconnect = fn
	h.mu.Unlock()
}

func (h *handlers) emitOutput(p []byte) {
	h.mu.RLock()
	fn := h.output
	h.mu.RUnlock()
	if fn != nil && len(p) > 0 {
		fn(p)
	}
}

func (h *handlers) emitExit(d ws.ExitData) {
	h.mu.RLock()
	fn := h.exit
	h.mu.RUnlock()
	if fn != nil {
		fn(d)
	}
}

func (h *handlers) emitError(err error) {
	h.mu.RLock()
	fn := h.err
	h.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func (h *handlers) emitDisconnect(err error) {
	h.mu.RLock()
	fn := h.disconnect
	h.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}
