package summary

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/meeting-recorder/internal/resilience"
	"github.com/lexiqai/meeting-recorder/internal/stt"
)

func transcript() []stt.TranscriptSegment {
	return []stt.TranscriptSegment{
		{Speaker: stt.SpeakerMe, Text: "Thanks for joining.", IsFinal: true},
		{Speaker: stt.SpeakerThem, Text: "Happy to be here", IsFinal: false},
		{Speaker: stt.SpeakerThem, Text: "Happy to be here.", IsFinal: true},
	}
}

func TestClient_RemoteSummary(t *testing.T) {
	var got summarizeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"summary":"  Intro call.  "}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "secret", time.Second, nil)
	summary, err := c.Summarize(context.Background(), Request{SessionID: "s-1", Title: "Intro", Transcript: transcript()})
	require.NoError(t, err)
	assert.Equal(t, "Intro call.", summary)

	assert.Equal(t, "s-1", got.SessionID)
	assert.Equal(t, "Intro", got.Title)
	require.Len(t, got.Transcript, 2, "interim segments are not sent")
	assert.Equal(t, "THEM", got.Transcript[1].Speaker)
}

func TestClient_FallsBackOnServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", time.Second, nil)
	summary, err := c.Summarize(context.Background(), Request{Transcript: transcript()})
	require.NoError(t, err)
	assert.Equal(t, "Thanks for joining. Happy to be here.", summary)
}

func TestClient_CircuitBreakerStopsCalls(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	breaker := resilience.NewCircuitBreaker("summarizer", 2, time.Hour)
	c := NewClient(server.URL, "", time.Second, breaker)

	for i := 0; i < 5; i++ {
		summary, err := c.Summarize(context.Background(), Request{Transcript: transcript()})
		require.NoError(t, err)
		assert.NotEmpty(t, summary)
	}

	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, resilience.StateOpen, breaker.GetState())
}

func TestClient_EmptyTranscript(t *testing.T) {
	c := NewClient("", "", 0, nil)
	summary, err := c.Summarize(context.Background(), Request{Transcript: []stt.TranscriptSegment{
		{Text: "interim only", IsFinal: false},
	}})
	require.NoError(t, err)
	assert.Empty(t, summary)
}

func TestClient_CancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(server.URL, "", time.Second, nil)
	_, err := c.Summarize(ctx, Request{Transcript: transcript()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractive_KeepsSpokenOrder(t *testing.T) {
	segs := []stt.TranscriptSegment{
		{Text: "Hello everyone.", IsFinal: true},
		{Text: "The pricing proposal covers annual pricing. Weather is nice today.", IsFinal: true},
		{Text: "We agreed the pricing proposal goes out Friday.", IsFinal: true},
		{Text: "Okay.", IsFinal: true},
	}

	summary := Extractive(segs, 2)
	assert.Equal(t, "The pricing proposal covers annual pricing. We agreed the pricing proposal goes out Friday.", summary)

	assert.Equal(t, "Hello everyone.", Extractive(segs[:1], 3))
	assert.Empty(t, Extractive(nil, 3))
}
