package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/meeting-recorder/internal/audio"
	"github.com/lexiqai/meeting-recorder/internal/config"
	"github.com/lexiqai/meeting-recorder/internal/control"
	"github.com/lexiqai/meeting-recorder/internal/observability"
	"github.com/lexiqai/meeting-recorder/internal/recorder"
	"github.com/lexiqai/meeting-recorder/internal/resilience"
	"github.com/lexiqai/meeting-recorder/internal/session"
	"github.com/lexiqai/meeting-recorder/internal/store"
	"github.com/lexiqai/meeting-recorder/internal/stt"
	"github.com/lexiqai/meeting-recorder/internal/summary"
	"github.com/lexiqai/meeting-recorder/internal/usage"
)

func main() {
	listDevices := flag.Bool("list-devices", false, "Print PulseAudio capture sources and exit")
	usedMinutes := flag.Float64("used-minutes", 0, "Minutes of the monthly allowance already consumed")
	flag.Parse()

	if *listDevices {
		if err := printDevices(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list devices: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("grpc_port", cfg.GRPCPort).
		Str("stt_transport", cfg.STTTransport).
		Str("audio_source", cfg.AudioSource).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Meeting recorder starting")

	// Transcription client
	var keys stt.KeyProvider = stt.StaticKeyProvider(cfg.DeepgramAPIKey)
	if cfg.ConfigURL != "" {
		keys = stt.NewHTTPKeyProvider(cfg.ConfigURL, cfg.ConfigCacheTTL, cfg.ConfigTimeout())
	}
	var dialer stt.Dialer = stt.NewDeepgramDialer()
	if cfg.STTTransport == "websocket" {
		dialer = stt.NewWebsocketDialer(cfg.DeepgramWSURL)
	}
	sttClient := stt.NewClient(dialer, keys, stt.ClientOptions{
		Live: stt.LiveOptionsFromConfig(cfg),
		Reconnect: &resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     time.Duration(cfg.ReconnectBaseMs) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  time.Duration(cfg.ReconnectMaxMs) * time.Millisecond,
		},
		Speaker: stt.SpeakerMe,
	})
	defer sttClient.Close()

	// Audio capture and encoding
	var source audio.Acquirer = audio.NewPulseSource(cfg.AudioDevice, cfg.AudioCaptureRate)
	if cfg.AudioSource == "ffmpeg" {
		source = audio.NewFFmpegSource(cfg.FFmpegCommand, cfg.AudioDevice, cfg.AudioCaptureRate)
	}
	engine := audio.NewEngine(audio.TargetSampleRate, cfg.AudioWorkletOn)
	pipeline := audio.NewPipeline(engine, sttClient, audio.PipelineOptions{
		BlockSize: cfg.AudioBlockSize,
		VAD: &audio.VADConfig{
			EnergyThreshold: cfg.VADEnergyThreshold,
			SilenceFrames:   cfg.VADSilenceFrames,
			FrameSize:       320, // 20ms at 16kHz
		},
	})

	// Collaborators
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("Failed to open session store")
	}
	defer db.Close()

	breaker := resilience.NewCircuitBreaker(
		"summarizer",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	summarizer := summary.NewClient(cfg.SummarizerURL, cfg.SummarizerAPIKey, cfg.SummarizerTimeout, breaker)

	rec := recorder.New(recorder.Options{
		Source:     source,
		STT:        sttClient,
		Pipeline:   pipeline,
		Store:      db,
		Summarizer: summarizer,
		Retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
		},
	})

	remaining := cfg.MonthlyMinutes - *usedMinutes
	machine := session.New(session.Options{
		Start:       rec,
		Finalize:    rec,
		Halt:        rec.Halt,
		AuthSession: cfg.SessionToken,
		Usage:       session.UsageUpdate{CanRecord: remaining > 0, MinutesRemaining: max(remaining, 0)},
	})
	rec.Bind(machine)

	tracker := usage.NewTracker(machine, cfg.MonthlyMinutes, *usedMinutes, cfg.UsageWarningMinutes, cfg.UsagePollInterval)
	autosaver := recorder.NewAutosaver(machine, db, cfg.AutosaveInterval)

	checks := map[string]observability.HealthCheckFunc{
		"store": func(ctx context.Context) (bool, error) {
			if err := db.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		},
		"credentials": func(ctx context.Context) (bool, error) {
			if _, err := keys.APIKey(ctx); err != nil {
				return false, err
			}
			return true, nil
		},
	}
	healthReporter := control.NewHealthReporter(checks, 15*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}
	run(tracker.Run)
	run(autosaver.Run)
	run(healthReporter.Run)
	run(func(ctx context.Context) { rec.WatchErrors(ctx, sttClient.Errors()) })

	// Create HTTP server
	mux := http.NewServeMux()
	control.NewServer(machine).Register(mux)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts. No write timeout: /ws is long-lived.
	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	grpcServer := healthReporter.NewGRPCServer()
	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		logger.Fatal().Err(err).Str("port", cfg.GRPCPort).Msg("Failed to listen for gRPC")
	}
	go func() {
		logger.Info().Str("port", cfg.GRPCPort).Msg("gRPC health service listening")
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("gRPC server stopped")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down...")

	// A live recording is stopped so its transcript is finalized
	switch machine.State() {
	case session.StateRecording, session.StatePaused:
		machine.Send(session.Event{Type: session.EventStopRecording})
		waitForState(machine, session.StateCompleted, 30*time.Second)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	grpcServer.GracefulStop()

	cancel()
	machine.Stop()
	wg.Wait()

	logger.Info().Float64("used_minutes", tracker.Used()).Msg("Meeting recorder exited gracefully")
}

// waitForState blocks until m reaches want, leaves finalizing or the
// timeout passes
func waitForState(m *session.Machine, want session.State, timeout time.Duration) {
	changes, cancel := m.Subscribe()
	defer cancel()

	if s := m.State(); s == want || s == session.StateError {
		return
	}
	deadline := time.After(timeout)
	for {
		select {
		case change, ok := <-changes:
			if !ok || change.To == want || change.To == session.StateError {
				return
			}
		case <-deadline:
			logger := observability.GetLogger()
			logger.Warn().Dur("timeout", timeout).Msg("Finalize did not complete before shutdown")
			return
		}
	}
}

func printDevices() error {
	devices, err := audio.ListDevices(context.Background())
	if err != nil {
		return err
	}
	for _, d := range devices {
		marker := " "
		if d.Default {
			marker = "*"
		}
		muted := ""
		if d.Muted {
			muted = " (muted)"
		}
		fmt.Printf("%s %s\t%s%s\n", marker, d.ID, d.Description, muted)
	}
	return nil
}
