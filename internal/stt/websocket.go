package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-recorder/internal/observability"
)

// WebsocketDialer speaks the listen protocol directly over gorilla/websocket
type WebsocketDialer struct {
	baseURL string
	dialer  *websocket.Dialer
	logger  zerolog.Logger
}

// NewWebsocketDialer creates a dialer for a listen endpoint such as
// wss://api.deepgram.com/v1/listen
func NewWebsocketDialer(baseURL string) *WebsocketDialer {
	if baseURL == "" {
		baseURL = "wss://api.deepgram.com/v1/listen"
	}
	return &WebsocketDialer{
		baseURL: baseURL,
		dialer:  websocket.DefaultDialer,
		logger:  observability.Component("deepgram-ws"),
	}
}

func (d *WebsocketDialer) listenURL(opts LiveOptions) (string, error) {
	base := strings.TrimSpace(d.baseURL)
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid listen URL: %w", err)
	}
	u.RawQuery = opts.Query().Encode()
	return u.String(), nil
}

// Dial opens the websocket and starts its read loop
func (d *WebsocketDialer) Dial(ctx context.Context, apiKey string, opts LiveOptions, emit Emit) (Conn, error) {
	wsURL, err := d.listenURL(opts)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+apiKey)

	ws, resp, err := d.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect to listen websocket: %w", err)
	}

	conn := &wsConn{ws: ws, emit: emit, logger: d.logger}
	go conn.readLoop()
	return conn, nil
}

type wsConn struct {
	ws     *websocket.Conn
	emit   Emit
	logger zerolog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    bool
}

// listenMessage is the subset of provider messages we consume
type listenMessage struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Message  string  `json:"message"`
	Desc     string  `json:"description"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (c *wsConn) readLoop() {
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			closed := Closed{Reason: err.Error()}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				closed.Code = ce.Code
				closed.Reason = ce.Text
			}
			c.emit(closed)
			return
		}

		var msg listenMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.logger.Debug().Err(err).Msg("Ignoring undecodable provider message")
			continue
		}

		switch msg.Type {
		case "Results":
			if len(msg.Channel.Alternatives) == 0 {
				continue
			}
			alt := msg.Channel.Alternatives[0]
			c.emit(Transcript{
				Text:       alt.Transcript,
				Confidence: alt.Confidence,
				IsFinal:    msg.IsFinal,
				Start:      msg.Start,
				Duration:   msg.Duration,
			})
		case "SpeechStarted":
			c.emit(SpeechStarted{})
		case "UtteranceEnd":
			c.emit(UtteranceEnded{})
		case "Error":
			message := strings.TrimSpace(msg.Message + " " + msg.Desc)
			if message == "" {
				message = "provider returned an unknown error"
			}
			c.emit(Errored{Message: message, Auth: isAuthMessage(message)})
		}
	}
}

func (c *wsConn) Write(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return errors.New("listen websocket closed")
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

func (c *wsConn) Finish() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	return nil
}

func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}
