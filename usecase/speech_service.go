package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/cosyvoice/server/domain/entities"
	"github.com/satriahrh/cosyvoice/server/domain/repositories"
)

// DefaultFinishTimeout bounds how long a finished request waits for the service
// to deliver its remaining audio
const DefaultFinishTimeout = 30 * time.Second

// ErrEmptyText is returned when a request contains nothing to speak
var ErrEmptyText = errors.New("text cannot be empty")

// SpeechRequest describes one synthesis request
type SpeechRequest struct {
	// Segments are spoken in order; each is further split into sentences
	Segments []string
	// Markdown strips markdown formatting before splitting
	Markdown bool
	Config   entities.SynthesisConfig
}

// Sentences returns the sentences to speak, in order
func (r SpeechRequest) Sentences() []string {
	var sentences []string
	for _, segment := range r.Segments {
		if r.Markdown {
			segment = PlainText(segment)
		}
		if strings.TrimSpace(segment) == "" {
			continue
		}
		sentences = append(sentences, SplitSentences(segment)...)
	}
	return sentences
}

// Speech is a running synthesis. Audio is the stream to drain; Abort stops
// the upstream session early when the consumer goes away.
type Speech struct {
	Audio     repositories.AudioStream
	Sentences int

	abort func()
}

// Abort closes the upstream session. It is safe to call after completion.
func (s *Speech) Abort() {
	if s.abort != nil {
		s.abort()
	}
}

// SpeechService orchestrates one synthesis session per request
type SpeechService struct {
	textToSpeech  repositories.TextToSpeech
	finishTimeout time.Duration
	logger        *zap.Logger

	// background finishers still running
	wg sync.WaitGroup
}

// NewSpeechService creates a new speech service
func NewSpeechService(tts repositories.TextToSpeech, logger *zap.Logger) *SpeechService {
	return &SpeechService{
		textToSpeech:  tts,
		finishTimeout: DefaultFinishTimeout,
		logger:        logger,
	}
}

// Synthesize opens a session, starts synthesis, submits every sentence and
// returns the audio stream immediately. Stopping and closing the session
// happen in the background once the service finishes. Any failure before the
// stream is returned closes the session.
func (s *SpeechService) Synthesize(ctx context.Context, req SpeechRequest) (*Speech, error) {
	sentences := req.Sentences()
	if len(sentences) == 0 {
		return nil, ErrEmptyText
	}

	session, err := s.textToSpeech.NewSession(req.Config)
	if err != nil {
		return nil, fmt.Errorf("invalid synthesis request: %w", err)
	}

	fail := func(step string, err error) (*Speech, error) {
		session.Close()
		s.logger.Error("Synthesis request failed", zap.String("step", step), zap.Error(err))
		return nil, fmt.Errorf("%s failed: %w", step, err)
	}

	if err := session.Open(ctx); err != nil {
		return fail("open", err)
	}
	if err := session.StartSynthesis(ctx); err != nil {
		return fail("start synthesis", err)
	}

	stream, err := session.AudioStream()
	if err != nil {
		return fail("audio stream", err)
	}

	for i, sentence := range sentences {
		if err := session.Speak(sentence); err != nil {
			return fail("speak", err)
		}
		s.logger.Debug("Submitted sentence", zap.Int("index", i), zap.Int("length", len(sentence)))
	}

	s.logger.Info("Synthesis request submitted",
		zap.Int("sentences", len(sentences)),
		zap.String("format", string(req.Config.Format)))

	var once sync.Once
	closeSession := func() {
		once.Do(func() { session.Close() })
	}

	s.wg.Add(1)
	go s.finish(session, closeSession)

	return &Speech{
		Audio:     stream,
		Sentences: len(sentences),
		abort:     closeSession,
	}, nil
}

// finish waits for the service to complete the task, then closes the session
func (s *SpeechService) finish(session repositories.SynthesisSession, closeSession func()) {
	defer s.wg.Done()
	defer closeSession()

	if err := FinishSynthesis(context.Background(), session, s.finishTimeout, s.logger); err != nil {
		s.logger.Warn("Synthesis did not finish cleanly", zap.Error(err))
	}
}

// FinishSynthesis sends StopSynthesis and waits up to timeout for the service
// to complete the task. When the stop gives up while the service is still
// producing audio, it keeps waiting for completion within the same timeout.
func FinishSynthesis(ctx context.Context, session repositories.SynthesisSession, timeout time.Duration, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := session.StopSynthesis(ctx)
	if err == nil || ctx.Err() != nil {
		return err
	}

	logger.Debug("Waiting for synthesis to complete after stop", zap.Error(err))
	return session.AwaitCompletion(ctx)
}

// Wait blocks until every background finisher has returned or ctx is done
func (s *SpeechService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
