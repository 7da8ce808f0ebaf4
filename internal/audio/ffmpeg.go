package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-recorder/internal/observability"
)

// FFmpegSource captures microphone audio by running ffmpeg with f32le output
type FFmpegSource struct {
	command     string
	inputFormat string
	device      string
	sampleRate  int
	logger      zerolog.Logger
}

// NewFFmpegSource creates an ffmpeg capture source
func NewFFmpegSource(command, device string, sampleRate int) *FFmpegSource {
	if command == "" {
		command = "ffmpeg"
	}
	if device == "" {
		device = "default"
	}
	if sampleRate <= 0 {
		sampleRate = TargetSampleRate
	}
	return &FFmpegSource{
		command:     command,
		inputFormat: "pulse",
		device:      device,
		sampleRate:  sampleRate,
		logger:      observability.Component("ffmpeg-source"),
	}
}

func (c *FFmpegSource) args() []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", c.inputFormat,
		"-i", c.device,
		"-ac", "1",
		"-ar", strconv.Itoa(c.sampleRate),
		"-f", "f32le",
		"-",
	}
}

// Acquire starts ffmpeg and streams its output as float frames.
// The process outlives ctx; it ends when the stream is stopped.
func (c *FFmpegSource) Acquire(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(c.command, c.args()...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		msg := strings.TrimSpace(stderr.String())
		if err != nil {
			return nil, classifyCaptureErr(fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, msg))
		}
		return nil, errors.New("ffmpeg exited before capture started")
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return nil, ctx.Err()
	case <-time.After(250 * time.Millisecond):
	}

	track := NewCaptureTrack("ffmpeg:"+c.device, func() error {
		return stopProcess(cmd.Process, stdout, waitErr, &stderr)
	})
	stream := NewLiveStream(c.sampleRate, 1, track)

	go c.pump(stream, stdout)

	c.logger.Info().
		Str("device", c.device).
		Int("sample_rate", c.sampleRate).
		Msg("ffmpeg capture started")
	return stream, nil
}

// pump reads 20ms frames from stdout until the process ends
func (c *FFmpegSource) pump(stream *LiveStream, stdout io.Reader) {
	frameBytes := c.sampleRate / 50 * 4
	buf := make([]byte, frameBytes)
	for {
		n, err := io.ReadFull(stdout, buf)
		if n >= 4 {
			frame, decodeErr := DecodeFloat32LE(buf[:n-n%4])
			if decodeErr == nil && !stream.Push(frame) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, os.ErrClosed) {
				c.logger.Warn().Err(err).Msg("ffmpeg capture read failed")
			}
			_ = stream.Stop()
			return
		}
	}
}

func stopProcess(process *os.Process, stdout io.ReadCloser, waitErr <-chan error, stderr *bytes.Buffer) error {
	_ = process.Signal(os.Interrupt)

	var stopErr error
	select {
	case err, ok := <-waitErr:
		if ok {
			stopErr = normalizeStopErr(err)
		}
	case <-time.After(1200 * time.Millisecond):
		_ = process.Kill()
		if err, ok := <-waitErr; ok {
			stopErr = normalizeStopErr(err)
		}
	}

	if closeErr := stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) && stopErr == nil {
		stopErr = closeErr
	}
	if stopErr != nil && stderr.Len() > 0 {
		stopErr = fmt.Errorf("%w: %s", stopErr, strings.TrimSpace(stderr.String()))
	}
	return stopErr
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
