package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ehrlich-b/shellbridge/internal/config"
	"github.com/ehrlich-b/shellbridge/internal/logger"
	"github.com/ehrlich-b/shellbridge/internal/pty"
	"github.com/ehrlich-b/shellbridge/internal/session"
	"github.com/ehrlich-b/shellbridge/internal/tools"
)

const (
	readLimit       = 512 * 1024
	shutdownTimeout = 5 * time.Second
)

// Server exposes the session multiplexer over HTTP.
type Server struct {
	addr    string
	origins []string
	mux     *session.Multiplexer
	runner  *tools.Runner
	handler http.Handler
}

// New builds a server from config. start overrides the pty spawner (tests).
func New(cfg config.ServerConfig, start pty.StartFunc) *Server {
	m := session.NewMultiplexer(nil, session.Options{
		Shell:       cfg.Shell,
		Start:       start,
		OutputQueue: cfg.OutputQueue,
		InputRate:   cfg.InputRate,
		InputBurst:  cfg.InputBurst,
		MaxCols:     cfg.MaxCols,
		MaxRows:     cfg.MaxRows,
		KillGrace:   cfg.KillGrace,
	})
	s := &Server{
		addr:    cfg.Addr,
		origins: cfg.AllowedOrigins,
		mux:     m,
		runner:  tools.NewRunner(cfg.Shell, cfg.ExecTimeout),
	}
	s.handler = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Multiplexer() *session.Multiplexer { return s.mux }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/ws", s.handleWS)
	r.Get("/health", s.handleHealth)
	r.Get("/sessions", s.handleSessions)
	r.Post("/exec", s.handleExec)
	return r
}

// ListenAndServe listens on the configured address until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln. On cancellation it shuts the HTTP server
// down gracefully and kills every remaining session.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.Info("listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked websocket connections are not tracked by Shutdown; they end
		// through BaseContext cancellation.
		srv.Shutdown(shutCtx)
		s.mux.Shutdown()
		return nil
	case err := <-errCh:
		s.mux.Shutdown()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		logger.Warn("websocket accept", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(readLimit)
	defer conn.CloseNow()

	if err := s.mux.Serve(r.Context(), &wsTransport{conn: conn}); err != nil {
		logger.Warn("connection ended", "remote", r.RemoteAddr, "err", err)
		conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

type healthResponse struct {
	OK       bool `json:"ok"`
	Sessions int  `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{OK: true, Sessions: s.mux.Registry().Len()})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mux.Registry().List())
}

type execRequest struct {
	Command string `json:"command"`
	CWD     string `json:"cwd"`
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, readLimit)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	writeJSON(w, http.StatusOK, s.runner.Run(r.Context(), req.Command, req.CWD))
}

// wsTransport adapts a websocket connection to session.Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := t.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
				return nil, io.EOF
			}
			return nil, err
		}
		if typ != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
