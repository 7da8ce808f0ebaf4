package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-recorder/internal/observability"
)

// ErrCredentialsUnavailable wraps every failure to resolve a provider key
var ErrCredentialsUnavailable = errors.New("stt: provider credentials unavailable")

// KeyProvider resolves the provider API key
type KeyProvider interface {
	APIKey(ctx context.Context) (string, error)
}

// StaticKeyProvider serves a key from configuration
type StaticKeyProvider string

func (k StaticKeyProvider) APIKey(context.Context) (string, error) {
	if strings.TrimSpace(string(k)) == "" {
		return "", fmt.Errorf("%w: DEEPGRAM_API_KEY is not configured", ErrCredentialsUnavailable)
	}
	return string(k), nil
}

// HTTPKeyProvider fetches the key from a config endpoint returning
// {"apiKey": "..."} and caches it for a short TTL
type HTTPKeyProvider struct {
	url     string
	ttl     time.Duration
	timeout time.Duration
	client  *http.Client
	now     func() time.Time
	logger  zerolog.Logger

	mu      sync.Mutex
	cached  string
	expires time.Time
}

type keyResponse struct {
	APIKey string `json:"apiKey"`
}

// NewHTTPKeyProvider creates a provider for url
func NewHTTPKeyProvider(url string, ttl, timeout time.Duration) *HTTPKeyProvider {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if timeout <= 0 {
		timeout = 800 * time.Millisecond
	}
	return &HTTPKeyProvider{
		url:     url,
		ttl:     ttl,
		timeout: timeout,
		client:  &http.Client{},
		now:     time.Now,
		logger:  observability.Component("key-provider"),
	}
}

// APIKey returns the cached key or fetches a fresh one within the timeout
func (p *HTTPKeyProvider) APIKey(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != "" && p.now().Before(p.expires) {
		return p.cached, nil
	}

	key, err := p.fetch(ctx)
	observability.RecordCollaborator("config", err == nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCredentialsUnavailable, err)
	}

	p.cached = key
	p.expires = p.now().Add(p.ttl)
	p.logger.Debug().Dur("ttl", p.ttl).Msg("Provider key refreshed")
	return key, nil
}

// Invalidate drops the cached key
func (p *HTTPKeyProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = ""
	p.expires = time.Time{}
}

func (p *HTTPKeyProvider) fetch(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("config request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("config endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload keyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode config response: %w", err)
	}
	if strings.TrimSpace(payload.APIKey) == "" {
		return "", errors.New("config response has no apiKey")
	}
	return payload.APIKey, nil
}
