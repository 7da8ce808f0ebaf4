package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-recorder/internal/observability"
)

const (
	applicationName = "meeting-recorder"
	// 20ms of float32 mono at 16kHz
	pulseFragmentBytes = 1280
)

// Device describes one Pulse input source
type Device struct {
	ID          string
	Description string
	Muted       bool
	Default     bool
}

// ListDevices returns the Pulse input sources with default metadata
func ListDevices(_ context.Context) ([]Device, error) {
	client, err := newPulseClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	defaultSource, err := client.DefaultSource()
	if err != nil {
		return nil, fmt.Errorf("read default source: %w", err)
	}

	var infos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &infos); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		if info == nil {
			continue
		}
		devices = append(devices, Device{
			ID:          info.SourceName,
			Description: info.Device,
			Muted:       info.Mute,
			Default:     info.SourceName == defaultSource.ID(),
		})
	}
	return devices, nil
}

// matchDevice picks the first device whose id or description contains term.
// An empty term or "default" selects the default source.
func matchDevice(devices []Device, term string) (Device, error) {
	term = strings.TrimSpace(strings.ToLower(term))
	for _, dev := range devices {
		if term == "" || term == "default" {
			if dev.Default {
				return dev, nil
			}
			continue
		}
		if strings.Contains(strings.ToLower(dev.ID), term) || strings.Contains(strings.ToLower(dev.Description), term) {
			return dev, nil
		}
	}
	if term == "" || term == "default" {
		return Device{}, errors.New("default audio source is unavailable")
	}
	return Device{}, fmt.Errorf("audio device %q did not match any source", term)
}

// PulseSource captures float32 mono audio from a PulseAudio/PipeWire source
type PulseSource struct {
	device     string
	sampleRate int
	logger     zerolog.Logger
}

// NewPulseSource creates a source for device ("" or "default" for the default source)
func NewPulseSource(device string, sampleRate int) *PulseSource {
	if sampleRate <= 0 {
		sampleRate = TargetSampleRate
	}
	return &PulseSource{
		device:     device,
		sampleRate: sampleRate,
		logger:     observability.Component("pulse-source"),
	}
}

// Acquire opens a record stream on the selected source
func (p *PulseSource) Acquire(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	devices, err := ListDevices(ctx)
	if err != nil {
		return nil, classifyCaptureErr(err)
	}
	selected, err := matchDevice(devices, p.device)
	if err != nil {
		return nil, err
	}
	if selected.Muted {
		p.logger.Warn().Str("device", selected.ID).Msg("Selected audio source is muted")
	}

	client, err := newPulseClient()
	if err != nil {
		return nil, classifyCaptureErr(err)
	}
	source, err := client.SourceByID(selected.ID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("resolve source %q: %w", selected.ID, err)
	}

	stream := NewLiveStream(p.sampleRate, 1)
	onPCM := func(buf []byte) (int, error) {
		if len(buf) == 0 {
			return 0, nil
		}
		frame, err := DecodeFloat32LE(buf[:len(buf)-len(buf)%4])
		if err != nil {
			return 0, err
		}
		if !stream.Push(frame) {
			return 0, io.EOF
		}
		return len(buf), nil
	}

	record, err := client.NewRecord(
		pulse.NewWriter(writerFunc(onPCM), pulseproto.FormatFloat32LE),
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(p.sampleRate),
		pulse.RecordBufferFragmentSize(pulseFragmentBytes),
		pulse.RecordMediaName("meeting recording"),
	)
	if err != nil {
		client.Close()
		return nil, classifyCaptureErr(fmt.Errorf("create pulse record stream: %w", err))
	}

	stream.AddTrack(NewCaptureTrack("pulse:"+selected.ID, func() error {
		record.Stop()
		record.Close()
		client.Close()
		return nil
	}))
	record.Start()

	p.logger.Info().
		Str("device", selected.ID).
		Int("sample_rate", p.sampleRate).
		Msg("Pulse capture started")
	return stream, nil
}

func newPulseClient() (*pulse.Client, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName(applicationName),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}
	return client, nil
}

// classifyCaptureErr maps access refusals onto ErrPermissionDenied
func classifyCaptureErr(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "access denied") || strings.Contains(msg, "permission denied") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return err
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}
