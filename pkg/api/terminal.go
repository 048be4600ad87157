package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tesslate/studio/pkg/log"
	"github.com/tesslate/studio/pkg/substrate"
	"github.com/tesslate/studio/pkg/terminal"
	"github.com/tesslate/studio/pkg/types"
)

const (
	terminalWriteWait    = 10 * time.Second
	terminalPongWait     = 60 * time.Second
	terminalPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The studio fronts its own preview domains; origin checks happen
	// at the ingress.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// terminalClientMessage is a control frame from the browser. Raw
// binary frames are treated as input without the JSON envelope.
type terminalClientMessage struct {
	Type string `json:"type"` // input, resize, close
	Data string `json:"data,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

type terminalServerHello struct {
	Type      string `json:"type"` // session
	SessionID string `json:"session_id"`
	Dir       string `json:"dir,omitempty"`
}

// handleTerminal upgrades to a WebSocket attached to a shell session.
// ?dir= targets a container (default file-manager), ?session=
// re-attaches to an existing session with its buffered output
// replayed. Disconnecting detaches; the session stays alive until an
// explicit close, hibernate, or delete.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	project, err := s.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	// A terminal on a hibernated project restores it first.
	project, err = s.deps.Envs.Ensure(r.Context(), project.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	session, created, err := s.terminalSession(r, project, r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client.
		if created {
			s.deps.Terminals.Close(session.ID)
		}
		return
	}

	logger := log.WithProject(project.Slug)
	logger.Debug().Str("session_id", session.ID).Msg("Terminal attached")

	replay, live, detach := session.Attach()
	defer detach()

	conn.SetWriteDeadline(time.Now().Add(terminalWriteWait))
	hello, _ := json.Marshal(terminalServerHello{Type: "session", SessionID: session.ID, Dir: session.Dir})
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		conn.Close()
		return
	}
	if len(replay) > 0 {
		conn.SetWriteDeadline(time.Now().Add(terminalWriteWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, replay); err != nil {
			conn.Close()
			return
		}
	}

	done := make(chan struct{})
	go s.terminalWritePump(conn, live, done)
	s.terminalReadPump(conn, session)

	detach()
	<-done
	logger.Debug().Str("session_id", session.ID).Msg("Terminal detached")
}

// terminalSession opens a fresh shell or re-attaches ?session=.
func (s *Server) terminalSession(r *http.Request, project *types.Project, query url.Values) (*terminal.Session, bool, error) {
	if id := query.Get("session"); id != "" {
		session, err := s.deps.Terminals.Get(id)
		if err != nil {
			return nil, false, err
		}
		if session.ProjectID != project.ID {
			return nil, false, types.UserErrorf("session %s does not belong to this project", id)
		}
		return session, false, nil
	}

	opts := &substrate.TerminalOptions{Dir: query.Get("dir")}
	if cols, err := strconv.ParseUint(query.Get("cols"), 10, 16); err == nil {
		opts.Cols = uint16(cols)
	}
	if rows, err := strconv.ParseUint(query.Get("rows"), 10, 16); err == nil {
		opts.Rows = uint16(rows)
	}

	session, err := s.deps.Terminals.Open(r.Context(), project, opts)
	if err != nil {
		return nil, false, err
	}
	return session, true, nil
}

// terminalWritePump owns all writes after the handshake: shell output
// as binary frames, pings on an interval. It closes the connection
// when the session's output channel closes.
func (s *Server) terminalWritePump(conn *websocket.Conn, live <-chan []byte, done chan struct{}) {
	defer close(done)
	ping := time.NewTicker(terminalPingInterval)
	defer ping.Stop()

	for {
		select {
		case chunk, open := <-live:
			if !open {
				deadline := time.Now().Add(terminalWriteWait)
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"), deadline)
				conn.Close()
				return
			}
			conn.SetWriteDeadline(time.Now().Add(terminalWriteWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				conn.Close()
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(terminalWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// terminalReadPump feeds client frames into the session until the
// client goes away or asks to close.
func (s *Server) terminalReadPump(conn *websocket.Conn, session *terminal.Session) {
	conn.SetReadDeadline(time.Now().Add(terminalPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(terminalPongWait))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			if err := s.deps.Terminals.Write(session.ID, data); err != nil {
				return
			}
		case websocket.TextMessage:
			var msg terminalClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			switch msg.Type {
			case "input":
				if err := s.deps.Terminals.Write(session.ID, []byte(msg.Data)); err != nil {
					return
				}
			case "resize":
				if msg.Cols > 0 && msg.Rows > 0 {
					s.deps.Terminals.Resize(session.ID, msg.Cols, msg.Rows)
				}
			case "close":
				s.deps.Terminals.Close(session.ID)
				return
			}
		}
	}
}
