package stt

import (
	"net/url"
	"strconv"

	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"

	"github.com/lexiqai/meeting-recorder/internal/config"
)

// Wire format produced by the audio pipeline
const (
	WireEncoding   = "linear16"
	WireSampleRate = 16000
	WireChannels   = 1
)

// LiveOptions configures a live transcription session
type LiveOptions struct {
	Model          string
	Language       string
	Punctuate      bool
	SmartFormat    bool
	InterimResults bool
	VADEvents      bool
	EndpointingMs  int
	UtteranceEndMs int
	Encoding       string
	SampleRate     int
	Channels       int
}

// DefaultLiveOptions returns the fixed session configuration
func DefaultLiveOptions() LiveOptions {
	return LiveOptions{
		Model:          "nova-2",
		Language:       "en-US",
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: true,
		VADEvents:      true,
		EndpointingMs:  300,
		UtteranceEndMs: 1000,
	}.Normalize()
}

// LiveOptionsFromConfig applies the caller-overridable fields from config
func LiveOptionsFromConfig(cfg *config.Config) LiveOptions {
	opts := DefaultLiveOptions()
	if cfg.DeepgramModel != "" {
		opts.Model = cfg.DeepgramModel
	}
	if cfg.DeepgramLanguage != "" {
		opts.Language = cfg.DeepgramLanguage
	}
	opts.SmartFormat = cfg.DeepgramSmartFormat
	opts.InterimResults = cfg.DeepgramInterimResults
	if cfg.DeepgramEndpointingMs > 0 {
		opts.EndpointingMs = cfg.DeepgramEndpointingMs
	}
	if cfg.DeepgramUtteranceEndMs > 0 {
		opts.UtteranceEndMs = cfg.DeepgramUtteranceEndMs
	}
	return opts.Normalize()
}

// Normalize forces the wire parameters the encoder produces, whatever the
// caller asked for
func (o LiveOptions) Normalize() LiveOptions {
	o.Encoding = WireEncoding
	o.SampleRate = WireSampleRate
	o.Channels = WireChannels
	if o.Model == "" {
		o.Model = "nova-2"
	}
	if o.Language == "" {
		o.Language = "en-US"
	}
	return o
}

// Deepgram converts to SDK transcription options
func (o LiveOptions) Deepgram() *interfaces.LiveTranscriptionOptions {
	o = o.Normalize()
	opts := &interfaces.LiveTranscriptionOptions{
		Model:          o.Model,
		Language:       o.Language,
		Punctuate:      o.Punctuate,
		SmartFormat:    o.SmartFormat,
		InterimResults: o.InterimResults,
		VadEvents:      o.VADEvents,
		Encoding:       o.Encoding,
		Channels:       o.Channels,
		SampleRate:     o.SampleRate,
	}
	if o.EndpointingMs > 0 {
		opts.Endpointing = strconv.Itoa(o.EndpointingMs)
	}
	// utterance_end_ms requires interim results
	if o.UtteranceEndMs > 0 && o.InterimResults {
		opts.UtteranceEndMs = strconv.Itoa(o.UtteranceEndMs)
	}
	return opts
}

// Query renders the options as listen endpoint query parameters
func (o LiveOptions) Query() url.Values {
	o = o.Normalize()
	q := url.Values{}
	q.Set("model", o.Model)
	q.Set("language", o.Language)
	q.Set("encoding", o.Encoding)
	q.Set("sample_rate", strconv.Itoa(o.SampleRate))
	q.Set("channels", strconv.Itoa(o.Channels))
	q.Set("punctuate", strconv.FormatBool(o.Punctuate))
	q.Set("smart_format", strconv.FormatBool(o.SmartFormat))
	q.Set("interim_results", strconv.FormatBool(o.InterimResults))
	q.Set("vad_events", strconv.FormatBool(o.VADEvents))
	if o.EndpointingMs > 0 {
		q.Set("endpointing", strconv.Itoa(o.EndpointingMs))
	}
	if o.UtteranceEndMs > 0 && o.InterimResults {
		q.Set("utterance_end_ms", strconv.Itoa(o.UtteranceEndMs))
	}
	return q
}
