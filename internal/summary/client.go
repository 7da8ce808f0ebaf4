package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-recorder/internal/observability"
	"github.com/lexiqai/meeting-recorder/internal/resilience"
	"github.com/lexiqai/meeting-recorder/internal/stt"
)

const collaboratorName = "summarizer"

// Request is what a summary is generated from
type Request struct {
	SessionID        string
	ConversationType string
	Title            string
	PersonalContext  string
	Transcript       []stt.TranscriptSegment
}

// Summarizer produces a finalize-time summary
type Summarizer interface {
	Summarize(ctx context.Context, req Request) (string, error)
}

// Client calls a remote summarization service behind a circuit breaker and
// falls back to an extractive summary when the service is unset or failing
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	sentences  int
	logger     zerolog.Logger
}

type summarizeRequest struct {
	SessionID        string         `json:"sessionId,omitempty"`
	ConversationType string         `json:"conversationType,omitempty"`
	Title            string         `json:"title,omitempty"`
	PersonalContext  string         `json:"personalContext,omitempty"`
	Transcript       []transcriptLn `json:"transcript"`
}

type transcriptLn struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

type summarizeResponse struct {
	Summary string `json:"summary"`
}

// NewClient creates a summarizer. An empty url selects the extractive summary only.
func NewClient(url, apiKey string, timeout time.Duration, breaker *resilience.CircuitBreaker) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(collaboratorName, 5, 30*time.Second)
	}
	return &Client{
		url:        url,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
		sentences:  DefaultSentences,
		logger:     observability.Component(collaboratorName),
	}
}

// Summarize returns an empty summary for an empty transcript
func (c *Client) Summarize(ctx context.Context, req Request) (string, error) {
	finals := finalSegments(req.Transcript)
	if len(finals) == 0 {
		return "", nil
	}
	if c.url == "" {
		return Extractive(finals, c.sentences), nil
	}

	var summary string
	err := c.breaker.Call(func() error {
		var callErr error
		summary, callErr = c.remote(ctx, req, finals)
		return callErr
	})
	observability.UpdateCircuitBreakerState(c.breaker.Name(), int(c.breaker.GetState()))

	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(c.breaker.Name())
		}
		observability.RecordCollaborator(collaboratorName, false)
		c.logger.Warn().Err(err).Str("session_id", req.SessionID).Msg("Summarizer unavailable, using extractive summary")
		return Extractive(finals, c.sentences), nil
	}

	observability.RecordCollaborator(collaboratorName, true)
	return summary, nil
}

func (c *Client) remote(ctx context.Context, req Request, finals []stt.TranscriptSegment) (string, error) {
	body := summarizeRequest{
		SessionID:        req.SessionID,
		ConversationType: req.ConversationType,
		Title:            req.Title,
		PersonalContext:  req.PersonalContext,
		Transcript:       make([]transcriptLn, 0, len(finals)),
	}
	for _, seg := range finals {
		body.Transcript = append(body.Transcript, transcriptLn{Speaker: string(seg.Speaker), Text: seg.Text})
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", resilience.NewRetryableError(fmt.Errorf("failed to make request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("summarizer returned status %d", resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return "", resilience.NewRetryableError(err)
		}
		return "", err
	}

	var out summarizeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	out.Summary = strings.TrimSpace(out.Summary)
	if out.Summary == "" {
		return "", fmt.Errorf("summarizer returned an empty summary")
	}
	return out.Summary, nil
}

func finalSegments(transcript []stt.TranscriptSegment) []stt.TranscriptSegment {
	out := make([]stt.TranscriptSegment, 0, len(transcript))
	for _, seg := range transcript {
		if seg.IsFinal && strings.TrimSpace(seg.Text) != "" {
			out = append(out, seg)
		}
	}
	return out
}
