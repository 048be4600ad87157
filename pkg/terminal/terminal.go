// Package terminal manages interactive shell sessions. A session owns
// one substrate terminal stream and a replay ring so late attachers
// (WebSocket clients, the shell_session tool) see recent output.
package terminal

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tesslate/studio/pkg/log"
	"github.com/tesslate/studio/pkg/metrics"
	"github.com/tesslate/studio/pkg/substrate"
	"github.com/tesslate/studio/pkg/types"
)

// ringSize bounds replayable output per session.
const ringSize = 256 * 1024

// Session is one live shell. Output is pumped into the ring as it
// arrives; Attach returns a channel fed from the pump.
type Session struct {
	ID        string
	ProjectID string
	Dir       string
	CreatedAt time.Time

	conn substrate.TerminalConn

	mu       sync.Mutex
	ring     []byte
	total    int64 // Bytes ever written to the ring
	toolRead int64 // Ring offset the shell_session tool has consumed to
	watchers map[chan []byte]struct{}
	closed   bool
}

// Manager tracks sessions across projects.
type Manager struct {
	driver   substrate.Driver
	touch    func(projectID string)
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager wires the session manager. touch is invoked on terminal
// traffic so activity tracking sees interactive use.
func NewManager(driver substrate.Driver, touch func(projectID string)) *Manager {
	if touch == nil {
		touch = func(string) {}
	}
	return &Manager{
		driver:   driver,
		touch:    touch,
		sessions: make(map[string]*Session),
	}
}

// Open starts a shell in the project and begins pumping its output.
func (m *Manager) Open(ctx context.Context, project *types.Project, opts *substrate.TerminalOptions) (*Session, error) {
	conn, err := m.driver.OpenTerminal(ctx, project, opts)
	if err != nil {
		return nil, err
	}

	session := &Session{
		ID:        uuid.New().String(),
		ProjectID: project.ID,
		Dir:       opts.Dir,
		CreatedAt: time.Now(),
		conn:      conn,
		watchers:  make(map[chan []byte]struct{}),
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	metrics.TerminalConnections.Inc()
	go m.pump(session)

	logger := log.WithProject(project.Slug)
	logger.Debug().
		Str("session_id", session.ID).
		Str("dir", opts.Dir).
		Msg("Terminal session opened")
	return session, nil
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, types.UserErrorf("terminal session %s not found", id)
	}
	return session, nil
}

// Close ends one session.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		session.close()
	}
}

// CloseProject ends every session of one project. Called on hibernate
// and delete so no stream outlives its workspace.
func (m *Manager) CloseProject(projectID string) {
	m.mu.Lock()
	var doomed []*Session
	for id, session := range m.sessions {
		if session.ProjectID == projectID {
			doomed = append(doomed, session)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()
	for _, session := range doomed {
		session.close()
	}
}

// CloseAll ends every session, for shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	doomed := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		doomed = append(doomed, session)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, session := range doomed {
		session.close()
	}
}

// pump moves terminal output into the ring and to watchers until the
// stream ends, then removes the session.
func (m *Manager) pump(session *Session) {
	buf := make([]byte, 4096)
	for {
		n, err := session.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			session.deliver(chunk)
			m.touch(session.ProjectID)
		}
		if err != nil {
			if err != io.EOF {
				log.WithComponent("terminal").Debug().Err(err).
					Str("session_id", session.ID).
					Msg("Terminal stream ended")
			}
			break
		}
	}

	m.mu.Lock()
	delete(m.sessions, session.ID)
	m.mu.Unlock()
	session.close()
}

// Write feeds input to the shell.
func (m *Manager) Write(id string, input []byte) error {
	session, err := m.Get(id)
	if err != nil {
		return err
	}
	if _, err := session.conn.Write(input); err != nil {
		return types.Transientf("terminal write failed: %v", err)
	}
	m.touch(session.ProjectID)
	return nil
}

// Resize adjusts the pseudo-terminal size.
func (m *Manager) Resize(id string, cols, rows uint16) error {
	session, err := m.Get(id)
	if err != nil {
		return err
	}
	return session.conn.Resize(cols, rows)
}

func (s *Session) deliver(chunk []byte) {
	s.mu.Lock()
	s.ring = append(s.ring, chunk...)
	if len(s.ring) > ringSize {
		drop := len(s.ring) - ringSize
		s.ring = s.ring[drop:]
		if s.toolRead < s.total+int64(drop) {
			s.toolRead = s.total + int64(drop)
		}
	}
	s.total += int64(len(chunk))
	watchers := make([]chan []byte, 0, len(s.watchers))
	for ch := range s.watchers {
		watchers = append(watchers, ch)
	}
	s.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- chunk:
		default:
			// Slow watcher; it still has the ring on reattach.
		}
	}
}

// Attach returns buffered output and a channel of live chunks. detach
// must be called when the consumer goes away.
func (s *Session) Attach() (replay []byte, live <-chan []byte, detach func()) {
	ch := make(chan []byte, 64)
	s.mu.Lock()
	replay = make([]byte, len(s.ring))
	copy(replay, s.ring)
	if !s.closed {
		s.watchers[ch] = struct{}{}
	} else {
		close(ch)
	}
	s.mu.Unlock()

	return replay, ch, func() {
		s.mu.Lock()
		if _, ok := s.watchers[ch]; ok {
			delete(s.watchers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
}

// ConsumeOutput returns output produced since the last call, for the
// shell_session tool's poll-style reads.
func (s *Session) ConsumeOutput() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	ringStart := s.total - int64(len(s.ring))
	from := s.toolRead
	if from < ringStart {
		from = ringStart
	}
	out := make([]byte, s.total-from)
	copy(out, s.ring[from-ringStart:])
	s.toolRead = s.total
	return out
}

func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for ch := range s.watchers {
		close(ch)
	}
	s.watchers = make(map[chan []byte]struct{})
	s.mu.Unlock()

	s.conn.Close()
	metrics.TerminalConnections.Dec()
}
