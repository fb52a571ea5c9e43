package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/shellbridge/internal/config"
	"github.com/ehrlich-b/shellbridge/internal/logger"
	"github.com/ehrlich-b/shellbridge/internal/tools"
	"github.com/ehrlich-b/shellbridge/internal/ws"
)

const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultOutboxSize     = 256

	readLimit    = 512 * 1024
	writeTimeout = 10 * time.Second
)

// Remote is a session on a shellbridge server reached over a websocket.
type Remote struct {
	URL            string // e.g. "ws://127.0.0.1:7681/ws"
	ConnectTimeout time.Duration
	OutboxSize     int
	HTTPClient     *http.Client // for Probe and Exec

	handlers

	mu  sync.Mutex
	cur *link
}

// link is one websocket connection and the session it carries.
type link struct {
	conn      *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	outbox    chan ws.Frame
	sessionID string
	closing   bool // closed by Disconnect, not by the peer
}

func NewRemote(rawURL string, connectTimeout time.Duration) *Remote {
	return &Remote{URL: rawURL, ConnectTimeout: connectTimeout}
}

func (r *Remote) Kind() string { return config.BackendRemote }

// Connect dials the server and waits for the connected frame, an error
// frame, a close, or the connect timeout, whichever comes first. A previous
// session is torn down first.
func (r *Remote) Connect(ctx context.Context) error {
	r.Disconnect()

	timeout := r.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.Dial(cctx, r.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", r.URL, err)
	}
	conn.SetReadLimit(readLimit)

	size := r.OutboxSize
	if size <= 0 {
		size = DefaultOutboxSize
	}
	lctx, lcancel := context.WithCancel(context.Background())
	l := &link{conn: conn, ctx: lctx, cancel: lcancel, outbox: make(chan ws.Frame, size)}

	hello, _ := ws.NewFrame(ws.TypeConnect, "", nil)
	if err := writeFrame(cctx, conn, hello); err != nil {
		lcancel()
		conn.CloseNow()
		return fmt.Errorf("%w: send connect: %v", ErrConnectClosed, err)
	}

	ready := make(chan error, 1)
	go r.readLoop(l, ready)

	select {
	case err := <-ready:
		if err != nil {
			lcancel()
			conn.CloseNow()
			return err
		}
	case <-cctx.Done():
		lcancel()
		conn.CloseNow()
		return fmt.Errorf("connect %s: %w", r.URL, cctx.Err())
	}

	r.mu.Lock()
	r.cur = l
	r.mu.Unlock()
	go r.writeLoop(l)
	logger.Info("remote session connected", "url", r.URL, "session", l.sessionID)
	return nil
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f ws.Frame) error {
	data, err := ws.Encode(f)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

// readLoop reports the outcome of the handshake on ready, then dispatches
// frames until the connection ends.
func (r *Remote) readLoop(l *link, ready chan<- error) {
	established := false
	for {
		_, data, err := l.conn.Read(l.ctx)
		if err != nil {
			if !established {
				ready <- fmt.Errorf("%w: %v", ErrConnectClosed, err)
				return
			}
			r.lost(l, err)
			return
		}
		f, err := ws.Decode(data)
		if err != nil {
			logger.Warn("ignoring malformed frame from server", "err", err)
			continue
		}
		if f.SessionID != "" && l.sessionID != "" && f.SessionID != l.sessionID {
			continue
		}

		switch f.Type {
		case ws.TypeConnected:
			if established {
				continue
			}
			l.sessionID = f.Connected().SessionID
			if l.sessionID == "" {
				ready <- fmt.Errorf("connected frame without session id")
				return
			}
			established = true
			ready <- nil
		case ws.TypeOutput:
			text, err := f.Text()
			if err != nil {
				logger.Warn("bad output frame", "err", err)
				continue
			}
			r.emitOutput(text)
		case ws.TypeExit:
			r.ended(l)
			r.emitExit(f.Exit())
			return
		case ws.TypeError:
			err := errors.New(f.ErrorMessage())
			if !established {
				ready <- fmt.Errorf("server: %w", err)
				return
			}
			r.emitError(err)
		default:
			logger.Debug("ignoring frame from server", "type", f.Type)
		}
	}
}

// ended closes a link whose session exited on the server.
func (r *Remote) ended(l *link) {
	r.mu.Lock()
	if r.cur == l {
		r.cur = nil
	}
	l.closing = true
	r.mu.Unlock()
	l.close()
}

// close performs the close handshake in the background and then releases
// the link's goroutines.
func (l *link) close() {
	go func() {
		l.conn.Close(websocket.StatusNormalClosure, "")
		l.cancel()
	}()
}

// lost handles a read failure on an established link.
func (r *Remote) lost(l *link, err error) {
	r.mu.Lock()
	current := r.cur == l
	if current {
		r.cur = nil
	}
	closing := l.closing
	r.mu.Unlock()
	l.cancel()
	l.conn.CloseNow()
	if current && !closing {
		logger.Warn("remote session lost", "session", l.sessionID, "err", err)
		r.emitDisconnect(err)
	}
}

func (r *Remote) writeLoop(l *link) {
	for {
		select {
		case <-l.ctx.Done():
			return
		case f := <-l.outbox:
			if err := writeFrame(l.ctx, l.conn, f); err != nil {
				logger.Debug("remote write failed", "session", l.sessionID, "err", err)
				// The read side notices the broken connection and reports it.
				l.conn.CloseNow()
				return
			}
		}
	}
}

func (r *Remote) active() *link {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur
}

// enqueue queues a frame without blocking. Frames are dropped while the
// outbox is full.
func (r *Remote) enqueue(f ws.Frame) {
	l := r.active()
	if l == nil {
		return
	}
	f.SessionID = l.sessionID
	select {
	case l.outbox <- f:
	default:
		logger.Warn("remote outbox full, dropping frame", "session", l.sessionID, "type", f.Type)
	}
}

func (r *Remote) SendInput(p []byte) {
	if len(p) == 0 {
		return
	}
	r.enqueue(ws.TextFrame(ws.TypeInput, "", p))
}

func (r *Remote) Resize(cols, rows int) {
	f, err := ws.NewFrame(ws.TypeResize, "", ws.ResizeData{Cols: cols, Rows: rows})
	if err != nil {
		return
	}
	r.enqueue(f)
}

func (r *Remote) Kill() {
	f, _ := ws.NewFrame(ws.TypeKill, "", nil)
	r.enqueue(f)
}

func (r *Remote) IsConnected() bool {
	l := r.active()
	return l != nil && l.sessionID != "" && l.ctx.Err() == nil
}

// SessionID returns the server-assigned id of the current session.
func (r *Remote) SessionID() string {
	if l := r.active(); l != nil {
		return l.sessionID
	}
	return ""
}

func (r *Remote) Disconnect() {
	r.mu.Lock()
	l := r.cur
	r.cur = nil
	if l != nil {
		l.closing = true
	}
	r.mu.Unlock()
	if l == nil {
		return
	}
	l.close()
	logger.Debug("remote session disconnected", "session", l.sessionID)
}

func (r *Remote) httpClient() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return http.DefaultClient
}

// endpoint maps the websocket URL to a sibling HTTP endpoint, so
// ws://host:port/ws becomes http://host:port/health.
func endpoint(wsURL, name string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	base := strings.TrimSuffix(u.Path, "/")
	base = strings.TrimSuffix(base, "/ws")
	u.Path = base + "/" + name
	u.RawQuery = ""
	return u.String(), nil
}

// Probe checks the server's health endpoint. It is independent of the
// session websocket.
func (r *Remote) Probe(ctx context.Context) error {
	u, err := endpoint(r.URL, "health")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := r.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe: %s", resp.Status)
	}
	var body struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("probe: decode: %w", err)
	}
	if !body.OK {
		return fmt.Errorf("probe: server not ok")
	}
	return nil
}

// Exec runs a one-shot command on the server.
func (r *Remote) Exec(ctx context.Context, command, cwd string) (tools.Result, error) {
	u, err := endpoint(r.URL, "exec")
	if err != nil {
		return tools.Result{}, err
	}
	body, err := json.Marshal(map[string]string{"command": command, "cwd": cwd})
	if err != nil {
		return tools.Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return tools.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.httpClient().Do(req)
	if err != nil {
		return tools.Result{}, fmt.Errorf("exec: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return tools.Result{}, fmt.Errorf("exec: %s: %s", resp.Status, e.Error)
	}
	var res tools.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return tools.Result{}, fmt.Errorf("exec: decode: %w", err)
	}
	return res, nil
}
