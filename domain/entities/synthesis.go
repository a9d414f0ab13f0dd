package entities

import (
	"errors"
	"fmt"
)

// AudioFormat is the container/codec of the synthesized audio
type AudioFormat string

const (
	AudioFormatPCM AudioFormat = "pcm"
	AudioFormatWAV AudioFormat = "wav"
	AudioFormatMP3 AudioFormat = "mp3"
)

// Limits accepted by the synthesis service
const (
	MinVolume = 0
	MaxVolume = 100
	MinRate   = -500
	MaxRate   = 500
)

// Defaults used when a field of SynthesisConfig is left empty
const (
	DefaultFormat     = AudioFormatPCM
	DefaultVoice      = "zhiyan_emo"
	DefaultSampleRate = 8000
	DefaultVolume     = 50
)

// ErrInvalidConfig is wrapped by every SynthesisConfig validation error
var ErrInvalidConfig = errors.New("invalid synthesis config")

var supportedSampleRates = map[int]bool{
	8000:  true,
	16000: true,
	22050: true,
	24000: true,
	44100: true,
	48000: true,
}

// SynthesisConfig holds the voice and audio parameters sent with StartSynthesis
type SynthesisConfig struct {
	Format     AudioFormat `json:"format"`
	SampleRate int         `json:"sample_rate"`
	Voice      string      `json:"voice"`
	// Volume ranges over 0..100
	Volume int `json:"volume"`
	// SpeechRate ranges over -500..500, mapping to 0.5x..2.0x
	SpeechRate int `json:"speech_rate"`
	// PitchRate ranges over -500..500
	PitchRate int `json:"pitch_rate"`
}

// DefaultSynthesisConfig returns the configuration used when nothing is specified
func DefaultSynthesisConfig() SynthesisConfig {
	return SynthesisConfig{
		Format:     DefaultFormat,
		SampleRate: DefaultSampleRate,
		Voice:      DefaultVoice,
		Volume:     DefaultVolume,
	}
}

// WithDefaults fills the zero-valued format, sample rate and voice.
// Volume and rates are left alone since zero is a meaningful value for them.
func (c SynthesisConfig) WithDefaults() SynthesisConfig {
	if c.Format == "" {
		c.Format = DefaultFormat
	}
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	return c
}

// ContentType returns the MIME type announced to downstream consumers
func (c SynthesisConfig) ContentType() string {
	return "audio/" + string(c.Format)
}

// FrameSize returns the byte alignment of the audio payload.
// PCM and WAV carry 16-bit mono samples; compressed formats have no alignment.
func (c SynthesisConfig) FrameSize() int {
	switch c.Format {
	case AudioFormatPCM, AudioFormatWAV:
		return 2
	default:
		return 1
	}
}

// Validate validates the synthesis configuration
func (c SynthesisConfig) Validate() error {
	switch c.Format {
	case AudioFormatPCM, AudioFormatWAV, AudioFormatMP3:
	default:
		return fmt.Errorf("%w: format must be one of: pcm, wav, mp3, got %q", ErrInvalidConfig, c.Format)
	}
	if !supportedSampleRates[c.SampleRate] {
		return fmt.Errorf("%w: unsupported sample rate %d", ErrInvalidConfig, c.SampleRate)
	}
	if c.Voice == "" {
		return fmt.Errorf("%w: voice is required", ErrInvalidConfig)
	}
	if c.Volume < MinVolume || c.Volume > MaxVolume {
		return fmt.Errorf("%w: volume must be between %d and %d, got %d", ErrInvalidConfig, MinVolume, MaxVolume, c.Volume)
	}
	if c.SpeechRate < MinRate || c.SpeechRate > MaxRate {
		return fmt.Errorf("%w: speech rate must be between %d and %d, got %d", ErrInvalidConfig, MinRate, MaxRate, c.SpeechRate)
	}
	if c.PitchRate < MinRate || c.PitchRate > MaxRate {
		return fmt.Errorf("%w: pitch rate must be between %d and %d, got %d", ErrInvalidConfig, MinRate, MaxRate, c.PitchRate)
	}
	return nil
}
