package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-recorder/internal/observability"
)

// callbackHandler translates SDK callbacks into Events. It embeds the
// default handler for callbacks we ignore.
type callbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	emit   Emit
	logger zerolog.Logger
}

func (h *callbackHandler) Open(*msginterfaces.OpenResponse) error {
	// Opened is synthesised by the client after Dial returns
	return nil
}

func (h *callbackHandler) Message(msg *msginterfaces.MessageResponse) error {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return nil
	}
	alt := msg.Channel.Alternatives[0]

	start := msg.Start
	duration := msg.Duration
	if len(alt.Words) > 0 && duration == 0 {
		start = alt.Words[0].Start
		duration = alt.Words[len(alt.Words)-1].End - start
	}

	h.emit(Transcript{
		Text:       alt.Transcript,
		Confidence: alt.Confidence,
		IsFinal:    msg.IsFinal,
		Start:      start,
		Duration:   duration,
	})
	return nil
}

func (h *callbackHandler) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	h.emit(SpeechStarted{})
	return nil
}

func (h *callbackHandler) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	h.emit(UtteranceEnded{})
	return nil
}

func (h *callbackHandler) Close(*msginterfaces.CloseResponse) error {
	h.emit(Closed{Reason: "provider closed connection"})
	return nil
}

func (h *callbackHandler) Error(er *msginterfaces.ErrorResponse) error {
	if er == nil {
		return nil
	}
	message := strings.TrimSpace(er.ErrMsg)
	if er.Description != "" {
		message = strings.TrimSpace(message + ": " + er.Description)
	}
	if message == "" {
		message = "deepgram returned an unknown error"
	}
	h.logger.Warn().Str("type", er.Type).Str("message", message).Msg("Deepgram error")
	h.emit(Errored{Message: message, Auth: isAuthMessage(message)})
	return nil
}

func isAuthMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid credentials")
}

// DeepgramDialer opens connections with the Deepgram SDK callback client
type DeepgramDialer struct {
	logger zerolog.Logger
}

// NewDeepgramDialer creates an SDK-backed dialer
func NewDeepgramDialer() *DeepgramDialer {
	return &DeepgramDialer{logger: observability.Component("deepgram")}
}

// Dial constructs the SDK client and blocks on its connect
func (d *DeepgramDialer) Dial(ctx context.Context, apiKey string, opts LiveOptions, emit Emit) (Conn, error) {
	callback := &callbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		emit:                   emit,
		logger:                 d.logger,
	}

	cOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}

	client, err := listenClient.NewWSUsingCallback(ctx, apiKey, cOptions, opts.Deepgram(), callback)
	if err != nil {
		return nil, fmt.Errorf("failed to create Deepgram client: %w", err)
	}

	if !client.Connect() {
		return nil, errors.New("failed to connect to Deepgram")
	}

	d.logger.Info().
		Str("model", opts.Model).
		Str("language", opts.Language).
		Msg("Deepgram streaming connection established")
	return &deepgramConn{client: client}, nil
}

type deepgramConn struct {
	mu     sync.Mutex
	client *listenClient.WSCallback
	closed bool
}

func (c *deepgramConn) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("deepgram connection closed")
	}
	if _, err := c.client.Write(p); err != nil {
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	return nil
}

func (c *deepgramConn) Finish() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.client.Finish()
	return nil
}

func (c *deepgramConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.client.Stop()
}
