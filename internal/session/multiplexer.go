package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/shellbridge/internal/logger"
	"github.com/ehrlich-b/shellbridge/internal/pty"
	"github.com/ehrlich-b/shellbridge/internal/ws"
)

// Transport is one client channel carrying encoded frames in order.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
}

// Options configure a Multiplexer. Zero values take defaults.
type Options struct {
	Shell       string        // defaults to pty.DefaultShell()
	Dir         string        // defaults to pty.HomeDir()
	Start       pty.StartFunc // defaults to pty.Start
	OutputQueue int           // outbound frames buffered per connection
	InputRate   float64       // inbound frames/sec per connection
	InputBurst  int
	MaxCols     int
	MaxRows     int
	KillGrace   time.Duration
}

func (o *Options) setDefaults() {
	if o.Shell == "" {
		o.Shell = pty.DefaultShell()
	}
	if o.Dir == "" {
		o.Dir = pty.HomeDir()
	}
	if o.Start == nil {
		o.Start = pty.Start
	}
	if o.OutputQueue <= 0 {
		o.OutputQueue = 256
	}
	if o.InputRate <= 0 {
		o.InputRate = 1000
	}
	if o.InputBurst <= 0 {
		o.InputBurst = 200
	}
	if o.MaxCols <= 0 {
		o.MaxCols = 1000
	}
	if o.MaxRows <= 0 {
		o.MaxRows = 500
	}
}

// Multiplexer maps connections to pty sessions. Each connection owns at most
// one session at a time; the session dies with the connection.
type Multiplexer struct {
	opts Options
	reg  *Registry
}

func NewMultiplexer(reg *Registry, opts Options) *Multiplexer {
	opts.setDefaults()
	if reg == nil {
		reg = NewRegistry()
	}
	return &Multiplexer{opts: opts, reg: reg}
}

func (m *Multiplexer) Registry() *Registry {
	return m.reg
}

// Shutdown kills every live session.
func (m *Multiplexer) Shutdown() {
	for _, s := range m.reg.drain() {
		logger.Info("killing session on shutdown", "session", s.ID)
		s.kill()
	}
}

// Serve runs one connection until the transport fails or ctx is cancelled.
// A session is spawned as soon as the connection opens; when Serve returns,
// that session has been killed and deregistered.
func (m *Multiplexer) Serve(ctx context.Context, t Transport) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	c := &conn{
		id:      uuid.NewString()[:8],
		m:       m,
		t:       t,
		ctx:     ctx,
		cancel:  cancel,
		out:     make(chan ws.Frame, m.opts.OutputQueue),
		limiter: rate.NewLimiter(rate.Limit(m.opts.InputRate), m.opts.InputBurst),
	}

	writerDone := make(chan struct{})
	go c.writeLoop(writerDone)

	defer func() {
		if r := recover(); r != nil {
			stack := make([]byte, 16384)
			n := runtime.Stack(stack, false)
			logger.Error("panic in connection", "conn", c.id, "panic", r, "stack", string(stack[:n]))
			err = fmt.Errorf("connection %s panic: %v", c.id, r)
		}
		c.detach()
		cancel()
		<-writerDone
		logger.Debug("connection closed", "conn", c.id)
	}()

	logger.Debug("connection opened", "conn", c.id)
	c.attach()

	for {
		data, err := t.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil
		}
		f, err := ws.Decode(data)
		if err != nil {
			logger.Warn("ignoring malformed frame", "conn", c.id, "err", err)
			continue
		}
		c.handle(f)
	}
}

type conn struct {
	id      string
	m       *Multiplexer
	t       Transport
	ctx     context.Context
	cancel  context.CancelFunc
	out     chan ws.Frame
	limiter *rate.Limiter

	mu   sync.Mutex
	sess *Session
}

// send queues a frame for the writer. It blocks while the queue is full and
// returns false once the connection is gone.
func (c *conn) send(f ws.Frame) bool {
	select {
	case c.out <- f:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *conn) sendError(sessionID, msg string) {
	f, err := ws.NewFrame(ws.TypeError, sessionID, ws.ErrorData{Message: msg})
	if err != nil {
		return
	}
	c.send(f)
}

func (c *conn) writeLoop(done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.out:
			data, err := ws.Encode(f)
			if err != nil {
				logger.Warn("encode frame", "conn", c.id, "type", f.Type, "err", err)
				continue
			}
			if err := c.t.Write(c.ctx, data); err != nil {
				logger.Debug("write failed, closing connection", "conn", c.id, "err", err)
				c.cancel()
				return
			}
		}
	}
}

func (c *conn) handle(f ws.Frame) {
	switch f.Type {
	case ws.TypeConnect:
		if s := c.attached(); s != nil {
			logger.Debug("connect on attached connection ignored", "conn", c.id, "session", s.ID)
			return
		}
		c.attach()

	case ws.TypeInput:
		s := c.target(f)
		if s == nil {
			return
		}
		text, err := f.Text()
		if err != nil {
			logger.Warn("ignoring bad input frame", "session", s.ID, "err", err)
			return
		}
		if len(text) == 0 {
			return
		}
		if err := s.write(text); err != nil {
			logger.Debug("pty write failed", "session", s.ID, "err", err)
		}

	case ws.TypeResize:
		s := c.target(f)
		if s == nil {
			return
		}
		cols, rows := f.Size()
		cols, rows = ws.NormalizeSize(cols, rows, c.m.opts.MaxCols, c.m.opts.MaxRows)
		if err := s.resize(cols, rows); err != nil {
			logger.Debug("pty resize failed", "session", s.ID, "err", err)
		}

	case ws.TypeKill:
		s := c.target(f)
		if s == nil {
			return
		}
		logger.Info("killing session", "session", s.ID)
		c.m.reg.Remove(s.ID)
		s.kill()

	default:
		logger.Warn("ignoring frame", "conn", c.id, "type", f.Type)
	}
}

// attached returns the connection's session if it is still registered.
func (c *conn) attached() *Session {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil || c.m.reg.Get(s.ID) != s {
		return nil
	}
	return s
}

// target resolves the session a client frame refers to. Frames for sessions
// that are gone or belong to someone else resolve to nil and are dropped.
func (c *conn) target(f ws.Frame) *Session {
	s := c.attached()
	if s == nil {
		return nil
	}
	if f.SessionID != "" && f.SessionID != s.ID {
		logger.Debug("frame for foreign session ignored", "conn", c.id, "session", f.SessionID)
		return nil
	}
	return s
}

// attach spawns a shell for this connection and announces it.
func (c *conn) attach() {
	opts := c.m.opts
	cols, rows := ws.DefaultCols, ws.DefaultRows
	h, err := opts.Start(pty.Options{
		Shell:     opts.Shell,
		Dir:       opts.Dir,
		Cols:      cols,
		Rows:      rows,
		KillGrace: opts.KillGrace,
	})
	if err != nil {
		logger.Warn("spawn failed", "conn", c.id, "shell", opts.Shell, "err", err)
		c.sendError("", fmt.Sprintf("spawn %s: %v", opts.Shell, err))
		return
	}

	s := newSession(uuid.NewString(), c.id, opts.Shell, opts.Dir, h, cols, rows)
	c.m.reg.Add(s)
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()

	logger.Info("session started", "session", s.ID, "conn", c.id, "pid", h.Pid(), "shell", s.Shell, "cwd", s.CWD)

	connected, _ := ws.NewFrame(ws.TypeConnected, s.ID, ws.ConnectedData{
		SessionID: s.ID,
		Shell:     s.Shell,
		CWD:       s.CWD,
	})
	c.send(connected)

	go c.pump(s)
}

// detach releases the attached session when the connection goes away.
func (c *conn) detach() {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mu.Unlock()
	if s == nil {
		return
	}
	if c.m.reg.Remove(s.ID) {
		logger.Info("connection closed, killing session", "session", s.ID)
	}
	s.kill()
}

// pump forwards pty output in production order, then emits the single exit
// frame and deregisters the session.
func (c *conn) pump(s *Session) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in output pump", "session", s.ID, "panic", r)
			c.m.reg.Remove(s.ID)
			s.kill()
			s.handle.Close()
		}
	}()

	buf := make([]byte, 32*1024)
	var carry []byte
	for {
		n, err := s.handle.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			complete, rest := ws.SplitUTF8(chunk)
			carry = append([]byte(nil), rest...)
			if len(complete) > 0 {
				s.touch()
				// Keep draining after the connection is gone so the process
				// never blocks on a full terminal while it is being killed.
				c.send(ws.TextFrame(ws.TypeOutput, s.ID, complete))
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("pty read ended", "session", s.ID, "err", err)
			}
			break
		}
	}
	if len(carry) > 0 {
		c.send(ws.TextFrame(ws.TypeOutput, s.ID, carry))
	}

	st := s.handle.Wait()
	s.finishOnce.Do(func() {
		exit, _ := ws.NewFrame(ws.TypeExit, s.ID, ws.ExitData{Code: st.Code, Signal: st.Signal})
		c.send(exit)
		c.m.reg.Remove(s.ID)
		s.handle.Close()
		c.mu.Lock()
		if c.sess == s {
			c.sess = nil
		}
		c.mu.Unlock()
		logger.Info("session exited", "session", s.ID, "code", st.Code, "signal", st.Signal)
	})
}
