package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// TargetSampleRate is the rate the provider expects
	TargetSampleRate = 16000
	// TargetChannels is the channel count the provider expects
	TargetChannels = 1
)

// FloatToPCM16 clamps samples to [-1, 1] and scales them to signed 16-bit.
// Negative values scale by 0x8000 and positive by 0x7FFF so both ends of the
// range are reachable without overflow.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		if s < 0 {
			out[i] = int16(s * 0x8000)
		} else {
			out[i] = int16(s * 0x7FFF)
		}
	}
	return out
}

// PCM16ToBytes serialises samples as little-endian 16-bit PCM
func PCM16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sample))
	}
	return out
}

// EncodeFloat32 converts one frame of float samples to little-endian PCM16 bytes
func EncodeFloat32(samples []float32) []byte {
	return PCM16ToBytes(FloatToPCM16(samples))
}

// DecodePCM16 parses little-endian 16-bit PCM into samples
func DecodePCM16(pcmData []byte) ([]int16, error) {
	if len(pcmData)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}
	samples := make([]int16, len(pcmData)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcmData[i*2:]))
	}
	return samples, nil
}

// DecodeFloat32LE parses little-endian IEEE-754 float32 samples (ffmpeg f32le)
func DecodeFloat32LE(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("float32 data length must be a multiple of 4, got %d", len(data))
	}
	samples := make([]float32, len(data)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return samples, nil
}

// Downmix averages interleaved channels into mono
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample performs simple linear interpolation resampling
func Resample(samples []float32, inputRate, outputRate int) []float32 {
	if inputRate == outputRate || inputRate <= 0 || outputRate <= 0 || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := len(samples) * outputRate / inputRate
	output := make([]float32, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := float32(srcPos - float64(idx0))
		output[i] = samples[idx0]*(1-fraction) + samples[idx1]*fraction
	}

	return output
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
// Useful for detecting audio levels and silence
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
