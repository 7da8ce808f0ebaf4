package control

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-recorder/internal/observability"
	"github.com/lexiqai/meeting-recorder/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 1 << 20
)

// Machine is the session machine as the control surface drives it
type Machine interface {
	Send(ev session.Event) bool
	State() session.State
	Snapshot() session.Context
	Elapsed() time.Duration
	Subscribe() (<-chan session.Change, func())
}

// StateResponse is the body of /state and of every /events reply
type StateResponse struct {
	State    session.State   `json:"state"`
	Accepted *bool           `json:"accepted,omitempty"`
	Elapsed  float64         `json:"elapsedSeconds"`
	Context  session.Context `json:"context"`
}

// Server exposes the session machine over HTTP and a change feed over
// WebSocket
type Server struct {
	machine  Machine
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewServer creates a control server for m
func NewServer(m Machine) *Server {
	return &Server{
		machine: m,
		upgrader: websocket.Upgrader{
			// The control surface binds to the local operator UI
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: observability.Component("control"),
	}
}

// Register mounts the control routes on mux
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/events", s.handleEvent)
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var ev session.Event
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessage)).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event: "+err.Error())
		return
	}
	if !ev.Type.IsExternal() {
		writeError(w, http.StatusBadRequest, "unknown event type: "+string(ev.Type))
		return
	}

	accepted := s.machine.Send(ev)
	s.logger.Debug().Str("event", string(ev.Type)).Bool("accepted", accepted).Msg("Control event")

	status := http.StatusAccepted
	if !accepted {
		status = http.StatusConflict
	}
	resp := s.state()
	resp.Accepted = &accepted
	writeJSON(w, status, resp)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) state() StateResponse {
	return StateResponse{
		State:   s.machine.State(),
		Elapsed: s.machine.Elapsed().Seconds(),
		Context: s.machine.Snapshot(),
	}
}

// handleWS streams every change to the client, starting with the current
// state. Events sent by the client are forwarded to the machine.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to upgrade control connection")
		return
	}
	defer conn.Close()

	logger := s.logger.With().Str("correlation_id", observability.NewCorrelationID()).Logger()
	logger.Info().Str("remote", r.RemoteAddr).Msg("Control client connected")

	// Subscribe before the first snapshot so no change falls in between
	changes, cancel := s.machine.Subscribe()
	defer cancel()

	readDone := make(chan struct{})
	go s.readLoop(conn, logger, readDone)

	snap := s.machine.Snapshot()
	state := s.machine.State()
	if err := s.write(conn, session.Change{From: state, To: state, Context: snap}); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-readDone:
			logger.Info().Msg("Control client disconnected")
			return
		case change, ok := <-changes:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session stopped"))
				return
			}
			if err := s.write(conn, change); err != nil {
				logger.Warn().Err(err).Msg("Control write failed")
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, change session.Change) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(change)
}

func (s *Server) readLoop(conn *websocket.Conn, logger zerolog.Logger, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessage)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("Control read error")
			}
			return
		}

		var ev session.Event
		if err := json.Unmarshal(message, &ev); err != nil {
			logger.Warn().Err(err).Msg("Failed to parse control message")
			continue
		}
		if !ev.Type.IsExternal() {
			logger.Warn().Str("event", string(ev.Type)).Msg("Ignoring unknown control event")
			continue
		}
		s.machine.Send(ev)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
