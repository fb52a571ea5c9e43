package session

import (
	"sync"
	"time"

	"github.com/ehrlich-b/shellbridge/internal/pty"
)

// Session holds a single pty process and the connection it belongs to.
type Session struct {
	ID        string
	ConnID    string
	Shell     string
	CWD       string
	StartedAt time.Time

	handle pty.Handle

	mu           sync.Mutex
	cols, rows   int
	lastActivity time.Time
	killOnce     sync.Once
	finishOnce   sync.Once
}

// Info is a read-only snapshot of a session.
type Info struct {
	ID           string    `json:"sessionId"`
	ConnID       string    `json:"connId"`
	Shell        string    `json:"shell"`
	CWD          string    `json:"cwd"`
	PID          int       `json:"pid"`
	Cols         int       `json:"cols"`
	Rows         int       `json:"rows"`
	StartedAt    time.Time `json:"startedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

func newSession(id, connID, shell, cwd string, h pty.Handle, cols, rows int) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		ConnID:       connID,
		Shell:        shell,
		CWD:          cwd,
		StartedAt:    now,
		handle:       h,
		cols:         cols,
		rows:         rows,
		lastActivity: now,
	}
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.ID,
		ConnID:       s.ConnID,
		Shell:        s.Shell,
		CWD:          s.CWD,
		PID:          s.handle.Pid(),
		Cols:         s.cols,
		Rows:         s.rows,
		StartedAt:    s.StartedAt,
		LastActivity: s.lastActivity,
	}
}

// Size returns the current terminal geometry.
func (s *Session) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) write(p []byte) error {
	s.touch()
	_, err := s.handle.Write(p)
	return err
}

func (s *Session) resize(cols, rows int) error {
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return s.handle.Resize(cols, rows)
}

// kill terminates the process once; later calls are no-ops.
func (s *Session) kill() {
	s.killOnce.Do(func() {
		// Best effort: the process may already be gone.
		s.handle.Kill()
	})
}
