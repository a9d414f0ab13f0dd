package cosyvoice

import (
	"go.uber.org/zap"

	"github.com/satriahrh/cosyvoice/server/domain/entities"
	"github.com/satriahrh/cosyvoice/server/domain/repositories"
)

// Synthesizer creates protocol sessions that share one endpoint, app key and
// token provider
type Synthesizer struct {
	config ClientConfig
	tokens repositories.TokenProvider
	logger *zap.Logger
}

// Ensure Synthesizer implements the TextToSpeech interface
var _ repositories.TextToSpeech = (*Synthesizer)(nil)

// NewSynthesizer creates a new session factory. config.Synthesis is the
// default applied to fields a session config leaves empty.
func NewSynthesizer(config ClientConfig, tokens repositories.TokenProvider, logger *zap.Logger) (*Synthesizer, error) {
	if err := ValidateClientConfig(config); err != nil {
		return nil, err
	}
	config.Synthesis = config.Synthesis.WithDefaults()

	logger.Info("Synthesis service configured",
		zap.String("endpoint", config.Endpoint),
		zap.String("voice", config.Synthesis.Voice),
		zap.String("format", string(config.Synthesis.Format)),
		zap.Int("sampleRate", config.Synthesis.SampleRate))

	return &Synthesizer{
		config: config,
		tokens: tokens,
		logger: logger,
	}, nil
}

// DefaultConfig returns the synthesis settings used when a request leaves them empty
func (s *Synthesizer) DefaultConfig() entities.SynthesisConfig {
	return s.config.Synthesis
}

// NewSession creates a closed session for one synthesis task
func (s *Synthesizer) NewSession(config entities.SynthesisConfig) (repositories.SynthesisSession, error) {
	merged := s.merge(config)
	if err := merged.Validate(); err != nil {
		return nil, err
	}

	clientConfig := s.config
	clientConfig.Synthesis = merged

	return NewClient(clientConfig, s.tokens, s.logger.With(zap.String("voice", merged.Voice)))
}

func (s *Synthesizer) merge(config entities.SynthesisConfig) entities.SynthesisConfig {
	defaults := s.config.Synthesis
	if config.Format == "" {
		config.Format = defaults.Format
	}
	if config.SampleRate == 0 {
		config.SampleRate = defaults.SampleRate
	}
	if config.Voice == "" {
		config.Voice = defaults.Voice
	}
	return config
}
