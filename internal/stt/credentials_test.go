package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticKeyProvider(t *testing.T) {
	key, err := StaticKeyProvider("abc").APIKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", key)

	_, err = StaticKeyProvider(" ").APIKey(context.Background())
	assert.ErrorIs(t, err, ErrCredentialsUnavailable)
}

func TestHTTPKeyProvider_CachesForTTL(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"apiKey":"dg-key"}`))
	}))
	defer srv.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := NewHTTPKeyProvider(srv.URL, 5*time.Minute, time.Second)
	p.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		key, err := p.APIKey(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "dg-key", key)
	}
	assert.Equal(t, int32(1), hits.Load())

	now = now.Add(5*time.Minute + time.Second)
	_, err := p.APIKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())

	p.Invalidate()
	_, err = p.APIKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
}

func TestHTTPKeyProvider_TimeoutIsDistinguishable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := NewHTTPKeyProvider(srv.URL, time.Minute, 50*time.Millisecond)

	start := time.Now()
	_, err := p.APIKey(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCredentialsUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHTTPKeyProvider_BadResponses(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusInternalServerError)
		},
		"empty key": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"apiKey":""}`))
		},
		"garbage": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		},
	}

	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()

			_, err := NewHTTPKeyProvider(srv.URL, time.Minute, time.Second).APIKey(context.Background())
			assert.ErrorIs(t, err, ErrCredentialsUnavailable)
		})
	}
}

func TestClient_ConfigTimeoutBecomesInitError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	dialer := &fakeDialer{}
	c, timers := newTestClient(t, dialer, NewHTTPKeyProvider(srv.URL, time.Minute, 30*time.Millisecond))

	err := c.Connect(context.Background())
	var serr *StreamingError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, ErrInitError, serr.Kind)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, dialer.dialCount())
	assert.Equal(t, 0, timers.count())
}
