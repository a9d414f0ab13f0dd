package repositories

import (
	"context"

	"github.com/satriahrh/cosyvoice/server/domain/entities"
)

// TextToSpeech abstracts a streaming synthesis provider
type TextToSpeech interface {
	// NewSession creates an unopened synthesis session for the given configuration
	NewSession(config entities.SynthesisConfig) (SynthesisSession, error)
}

// SynthesisSession is one synthesis request's lifecycle over a persistent connection
type SynthesisSession interface {
	Open(ctx context.Context) error
	StartSynthesis(ctx context.Context) error
	Speak(text string) error
	StopSynthesis(ctx context.Context) error
	// AwaitCompletion blocks until the service reports the task complete,
	// ctx is done or the session closes
	AwaitCompletion(ctx context.Context) error
	AudioStream() (AudioStream, error)
	Close() error
}

// AudioStream is a single-consumer, pull-driven sequence of audio chunks
type AudioStream interface {
	// Next blocks until a chunk is available. It returns io.EOF once the
	// stream is closed and drained.
	Next(ctx context.Context) ([]byte, error)
	ContentType() string
}
