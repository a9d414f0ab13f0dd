package usecase

import (
	"context"
	"errors"
	"io"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/cosyvoice/server/domain/entities"
	"github.com/satriahrh/cosyvoice/server/domain/repositories"
	"github.com/satriahrh/cosyvoice/server/internal/audio"
)

// mockSession records calls and echoes spoken text as audio
type mockSession struct {
	mu       sync.Mutex
	calls    []string
	spoken   []string
	stream   *audio.Stream
	failStep string
	closed   bool
	stopped  chan struct{}

	// stopErr makes StopSynthesis give up while lateChunks are still being delivered
	stopErr    error
	lateChunks []string
	completed  chan struct{}
}

func newMockSession(failStep string) *mockSession {
	return &mockSession{
		stream:    audio.NewStream("audio/pcm"),
		failStep:  failStep,
		stopped:   make(chan struct{}),
		completed: make(chan struct{}),
	}
}

func (m *mockSession) record(call string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	if call == m.failStep {
		return errors.New(call + " failed")
	}
	return nil
}

func (m *mockSession) Open(ctx context.Context) error           { return m.record("open") }
func (m *mockSession) StartSynthesis(ctx context.Context) error { return m.record("start") }

func (m *mockSession) Speak(text string) error {
	if err := m.record("speak"); err != nil {
		return err
	}
	m.mu.Lock()
	m.spoken = append(m.spoken, text)
	m.mu.Unlock()
	m.stream.Write([]byte(text))
	return nil
}

func (m *mockSession) StopSynthesis(ctx context.Context) error {
	defer close(m.stopped)
	if err := m.record("stop"); err != nil {
		return err
	}
	if m.stopErr != nil {
		go func() {
			for _, chunk := range m.lateChunks {
				time.Sleep(20 * time.Millisecond)
				m.stream.Write([]byte(chunk))
			}
			m.stream.Close()
			close(m.completed)
		}()
		return m.stopErr
	}
	m.stream.Close()
	close(m.completed)
	return nil
}

func (m *mockSession) AwaitCompletion(ctx context.Context) error {
	if err := m.record("await"); err != nil {
		return err
	}
	select {
	case <-m.completed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockSession) AudioStream() (repositories.AudioStream, error) {
	if err := m.record("stream"); err != nil {
		return nil, err
	}
	return m.stream, nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.stream.CloseWithError(errors.New("closed"))
	return nil
}

func (m *mockSession) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type mockTextToSpeech struct {
	session *mockSession
	config  entities.SynthesisConfig
	err     error
}

func (m *mockTextToSpeech) NewSession(config entities.SynthesisConfig) (repositories.SynthesisSession, error) {
	m.config = config
	if m.err != nil {
		return nil, m.err
	}
	return m.session, nil
}

func TestSpeechService_Synthesize(t *testing.T) {
	session := newMockSession("")
	tts := &mockTextToSpeech{session: session}
	service := NewSpeechService(tts, zaptest.NewLogger(t))
	ctx := context.Background()

	config := entities.SynthesisConfig{Voice: "longxiaochun"}
	speech, err := service.Synthesize(ctx, SpeechRequest{
		Segments: []string{"第一句。第二句！", "  ", "third"},
		Config:   config,
	})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if speech.Sentences != 3 {
		t.Errorf("Expected 3 sentences, got %d", speech.Sentences)
	}
	if tts.config != config {
		t.Errorf("Expected config to be forwarded, got %+v", tts.config)
	}

	data, err := io.ReadAll(speech.Audio.(io.Reader))
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != "第一句。第二句！third" {
		t.Errorf("Unexpected audio %q", data)
	}

	if err := service.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !session.isClosed() {
		t.Error("Expected session to be closed after finishing")
	}

	want := []string{"open", "start", "stream", "speak", "speak", "speak", "stop"}
	if !reflect.DeepEqual(session.calls, want) {
		t.Errorf("Expected calls %v, got %v", want, session.calls)
	}
}

func TestSpeechService_WaitsForCompletionAfterStopTimeout(t *testing.T) {
	session := newMockSession("")
	session.stopErr = errors.New("state synthesis-completed not reached within 5s")
	session.lateChunks = []string{"-a", "-b", "-c"}

	service := NewSpeechService(&mockTextToSpeech{session: session}, zaptest.NewLogger(t))
	ctx := context.Background()

	speech, err := service.Synthesize(ctx, SpeechRequest{Segments: []string{"hi"}})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	data, err := io.ReadAll(speech.Audio.(io.Reader))
	if err != nil {
		t.Fatalf("Expected the stream to end cleanly, got %v", err)
	}
	if string(data) != "hi-a-b-c" {
		t.Errorf("Expected all audio including late chunks, got %q", data)
	}

	if err := service.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !session.isClosed() {
		t.Error("Expected session to be closed after completion")
	}

	want := []string{"open", "start", "stream", "speak", "stop", "await"}
	if !reflect.DeepEqual(session.calls, want) {
		t.Errorf("Expected calls %v, got %v", want, session.calls)
	}
}

func TestFinishSynthesis_Timeout(t *testing.T) {
	session := newMockSession("")
	session.stopErr = errors.New("stop timed out")
	session.lateChunks = []string{"-a", "-b", "-c"}

	err := FinishSynthesis(context.Background(), session, 30*time.Millisecond, zaptest.NewLogger(t))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
	<-session.completed
}

func TestSpeechService_Markdown(t *testing.T) {
	session := newMockSession("")
	service := NewSpeechService(&mockTextToSpeech{session: session}, zaptest.NewLogger(t))

	_, err := service.Synthesize(context.Background(), SpeechRequest{
		Segments: []string{"# Hello\n\nWorld"},
		Markdown: true,
	})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	service.Wait(context.Background())

	want := []string{"Hello.", "World."}
	if !reflect.DeepEqual(session.spoken, want) {
		t.Errorf("Expected %q, got %q", want, session.spoken)
	}
}

func TestSpeechService_Failures(t *testing.T) {
	t.Run("empty text", func(t *testing.T) {
		service := NewSpeechService(&mockTextToSpeech{session: newMockSession("")}, zaptest.NewLogger(t))
		if _, err := service.Synthesize(context.Background(), SpeechRequest{Segments: []string{" ", ""}}); !errors.Is(err, ErrEmptyText) {
			t.Errorf("Expected ErrEmptyText, got %v", err)
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		invalid := errors.New("volume out of range")
		service := NewSpeechService(&mockTextToSpeech{err: invalid}, zaptest.NewLogger(t))
		if _, err := service.Synthesize(context.Background(), SpeechRequest{Segments: []string{"hi"}}); !errors.Is(err, invalid) {
			t.Errorf("Expected config error, got %v", err)
		}
	})

	for _, step := range []string{"open", "start", "stream", "speak"} {
		t.Run(step+" failure closes the session", func(t *testing.T) {
			session := newMockSession(step)
			service := NewSpeechService(&mockTextToSpeech{session: session}, zaptest.NewLogger(t))

			if _, err := service.Synthesize(context.Background(), SpeechRequest{Segments: []string{"hi"}}); err == nil {
				t.Fatal("Expected error")
			}
			if !session.isClosed() {
				t.Error("Expected session to be closed")
			}
		})
	}
}

func TestSpeechService_Abort(t *testing.T) {
	session := newMockSession("")
	service := NewSpeechService(&mockTextToSpeech{session: session}, zaptest.NewLogger(t))

	speech, err := service.Synthesize(context.Background(), SpeechRequest{Segments: []string{"hi"}})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	speech.Abort()
	speech.Abort()
	if !session.isClosed() {
		t.Error("Expected abort to close the session")
	}

	select {
	case <-session.stopped:
	case <-time.After(time.Second):
		t.Fatal("Finisher did not run")
	}
	service.Wait(context.Background())
}
