package audio

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech detection
	SilenceFrames   int     // Number of consecutive silence frames to mark as end of speech
	FrameSize       int     // Number of samples per frame (320 at 16kHz = 20ms)
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   25,  // 500ms of silence (25 frames * 20ms)
		FrameSize:       320, // 20ms at 16kHz (16000 * 0.02 = 320)
	}
}

// VADEvent is a speech boundary observed while feeding samples
type VADEvent int

const (
	SpeechStarted VADEvent = iota + 1
	SpeechEnded
)

// VADDetector performs Voice Activity Detection on PCM16 audio. It only
// classifies frames; the pipeline never drops audio based on its output.
// Not safe for concurrent use.
type VADDetector struct {
	config         *VADConfig
	silenceCounter int
	isSpeaking     bool
	pending        []int16
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	if config.FrameSize <= 0 {
		config.FrameSize = DefaultVADConfig().FrameSize
	}
	return &VADDetector{config: config}
}

// ProcessFrame processes an audio frame and returns whether speech is detected
// Returns: (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessFrame(samples []int16) (bool, bool, bool) {
	frameHasSpeech := CalculateRMS(samples) > v.config.EnergyThreshold

	var speechStarted, speechEnded bool

	if frameHasSpeech {
		v.silenceCounter = 0
		if !v.isSpeaking {
			speechStarted = true
			v.isSpeaking = true
		}
	} else {
		v.silenceCounter++
		if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
			speechEnded = true
			v.isSpeaking = false
			v.silenceCounter = 0
		}
	}

	return v.isSpeaking, speechStarted, speechEnded
}

// Feed splits arbitrary-length audio into fixed frames, carrying any
// remainder into the next call, and returns the boundaries crossed.
// The second value counts frames classified as speech.
func (v *VADDetector) Feed(samples []int16) ([]VADEvent, int) {
	v.pending = append(v.pending, samples...)

	var events []VADEvent
	speech := 0
	size := v.config.FrameSize
	for len(v.pending) >= size {
		speaking, started, ended := v.ProcessFrame(v.pending[:size])
		if speaking {
			speech++
		}
		if started {
			events = append(events, SpeechStarted)
		}
		if ended {
			events = append(events, SpeechEnded)
		}
		v.pending = v.pending[size:]
	}

	// Compact so the backing array does not grow without bound
	if len(v.pending) > 0 {
		v.pending = append([]int16(nil), v.pending...)
	} else {
		v.pending = nil
	}
	return events, speech
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.silenceCounter = 0
	v.isSpeaking = false
	v.pending = nil
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}

// DetectSilence detects if audio samples represent silence
// Uses a simple energy threshold
func DetectSilence(samples []int16, threshold float64) bool {
	return CalculateRMS(samples) < threshold
}
