package cosyvoice

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/cosyvoice/server/domain/entities"
)

type tokenFunc func(ctx context.Context) (string, error)

func (f tokenFunc) GetToken(ctx context.Context) (string, error) {
	return f(ctx)
}

func staticToken(token string) tokenFunc {
	return func(context.Context) (string, error) { return token, nil }
}

type receivedCommand struct {
	Header  Header
	Payload json.RawMessage
}

// fakeService mimics the synthesis gateway. Each RunSynthesis produces one
// audio frame holding the text prefixed with a zero byte.
type fakeService struct {
	rejectHandshake bool
	failOnStart     bool
	neverComplete   bool
	malformedOnRun  bool
	closeOnRun      bool
	// lateFrames are sent slowly after StopSynthesis, before completion
	lateFrames   int
	lateInterval time.Duration

	mu       sync.Mutex
	token    string
	commands []receivedCommand
	pings    int
}

var upgrader = websocket.Upgrader{}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.token = r.Header.Get(tokenHeader)
	f.mu.Unlock()

	if f.rejectHandshake {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetPingHandler(func(data string) error {
		f.mu.Lock()
		f.pings++
		f.mu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd receivedCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return
		}
		f.mu.Lock()
		f.commands = append(f.commands, cmd)
		f.mu.Unlock()

		if !f.respond(conn, cmd) {
			return
		}
	}
}

func (f *fakeService) respond(conn *websocket.Conn, cmd receivedCommand) bool {
	event := func(name string, extra string) []byte {
		return []byte(`{"header":{"name":"` + name + `","task_id":"` + cmd.Header.TaskID + `","status":20000000` + extra + `}}`)
	}

	switch cmd.Header.Name {
	case CommandStartSynthesis:
		if f.failOnStart {
			conn.WriteMessage(websocket.TextMessage, []byte(`{"header":{"name":"TaskFailed","task_id":"`+cmd.Header.TaskID+`","status":41020001,"status_text":"Invalid voice"}}`))
			return true
		}
		conn.WriteMessage(websocket.TextMessage, event(EventSynthesisStarted, ""))

	case CommandRunSynthesis:
		if f.closeOnRun {
			return false
		}
		if f.malformedOnRun {
			conn.WriteMessage(websocket.TextMessage, []byte(`{"header":oops}`))
			return true
		}
		var payload RunSynthesisPayload
		json.Unmarshal(cmd.Payload, &payload)
		conn.WriteMessage(websocket.TextMessage, event(EventSentenceBegin, ""))
		conn.WriteMessage(websocket.BinaryMessage, append([]byte{0x00}, payload.Text...))
		conn.WriteMessage(websocket.TextMessage, event(EventSentenceEnd, ""))

	case CommandStopSynthesis:
		for i := 0; i < f.lateFrames; i++ {
			time.Sleep(f.lateInterval)
			conn.WriteMessage(websocket.BinaryMessage, []byte{byte(i), 0x00})
		}
		if !f.neverComplete {
			conn.WriteMessage(websocket.TextMessage, event(EventSynthesisCompleted, ""))
		}
	}
	return true
}

func (f *fakeService) received() []receivedCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]receivedCommand(nil), f.commands...)
}

func setupTestClient(t *testing.T, service *fakeService, mutate func(*ClientConfig)) *Client {
	t.Helper()

	server := httptest.NewServer(service)
	t.Cleanup(server.Close)

	config := ClientConfig{
		Endpoint:     "ws" + strings.TrimPrefix(server.URL, "http"),
		AppKey:       "test-app-key",
		Synthesis:    entities.DefaultSynthesisConfig(),
		StartTimeout: time.Second,
		StopTimeout:  time.Second,
	}
	if mutate != nil {
		mutate(&config)
	}

	client, err := NewClient(config, staticToken("test-token"), zap.NewNop())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNewClient_Validation(t *testing.T) {
	tokens := staticToken("token")

	if _, err := NewClient(ClientConfig{}, tokens, zap.NewNop()); err == nil {
		t.Error("Expected error without app key")
	}

	invalid := ClientConfig{AppKey: "key", Synthesis: entities.SynthesisConfig{Volume: 101}}
	if _, err := NewClient(invalid, tokens, zap.NewNop()); err == nil {
		t.Error("Expected error for invalid volume")
	}

	if _, err := NewClient(ClientConfig{AppKey: "key"}, nil, zap.NewNop()); err == nil {
		t.Error("Expected error without token provider")
	}

	client, err := NewClient(ClientConfig{AppKey: "key"}, tokens, zap.NewNop())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if client.endpoint != DefaultEndpoint {
		t.Errorf("Expected default endpoint, got %s", client.endpoint)
	}
	if client.State() != StateClosed {
		t.Errorf("Expected closed, got %s", client.State())
	}
}

func TestClient_FullFlow(t *testing.T) {
	service := &fakeService{}

	var mu sync.Mutex
	var transitions []string
	client := setupTestClient(t, service, func(c *ClientConfig) {
		c.OnStateChange = func(from, to State) {
			mu.Lock()
			transitions = append(transitions, string(to))
			mu.Unlock()
		}
	})
	ctx := context.Background()

	if _, err := client.AudioStream(); !errors.Is(err, ErrNoAudioStream) {
		t.Errorf("Expected ErrNoAudioStream before start, got %v", err)
	}

	if err := client.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if client.State() != StateConnected {
		t.Fatalf("Expected connected, got %s", client.State())
	}

	if err := client.StartSynthesis(ctx); err != nil {
		t.Fatalf("StartSynthesis failed: %v", err)
	}
	taskID := client.TaskID()
	if len(taskID) != 32 {
		t.Errorf("Expected 32 character task id, got %q", taskID)
	}

	stream, err := client.AudioStream()
	if err != nil {
		t.Fatalf("AudioStream failed: %v", err)
	}
	if stream.ContentType() != "audio/pcm" {
		t.Errorf("Expected audio/pcm, got %s", stream.ContentType())
	}

	for _, text := range []string{"hello", "world"} {
		if err := client.Speak(text); err != nil {
			t.Fatalf("Speak failed: %v", err)
		}
	}

	if err := client.StopSynthesis(ctx); err != nil {
		t.Fatalf("StopSynthesis failed: %v", err)
	}
	if client.State() != StateSynthesisCompleted {
		t.Errorf("Expected synthesis-completed, got %s", client.State())
	}
	// a second stop is a no-op
	if err := client.StopSynthesis(ctx); err != nil {
		t.Errorf("Expected repeated StopSynthesis to succeed, got %v", err)
	}

	var audio []byte
	for {
		chunk, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		audio = append(audio, chunk...)
	}
	if string(audio) != "\x00hello\x00world" {
		t.Errorf("Unexpected audio %q", audio)
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if client.State() != StateClosed {
		t.Errorf("Expected closed, got %s", client.State())
	}
	if err := client.Close(); err != nil {
		t.Errorf("Expected repeated Close to succeed, got %v", err)
	}

	mu.Lock()
	got := strings.Join(transitions, ",")
	mu.Unlock()
	want := "connecting,connected,synthesis-started,synthesis-completed,closed"
	if got != want {
		t.Errorf("Expected transitions %s, got %s", want, got)
	}

	service.mu.Lock()
	token := service.token
	service.mu.Unlock()
	if token != "test-token" {
		t.Errorf("Expected token header test-token, got %q", token)
	}

	commands := service.received()
	names := make([]string, 0, len(commands))
	for _, cmd := range commands {
		names = append(names, string(cmd.Header.Name))
		if cmd.Header.TaskID != taskID {
			t.Errorf("Expected task id %s on %s, got %s", taskID, cmd.Header.Name, cmd.Header.TaskID)
		}
		if cmd.Header.AppKey != "test-app-key" || cmd.Header.Namespace != Namespace {
			t.Errorf("Unexpected header %+v", cmd.Header)
		}
	}
	if strings.Join(names, ",") != "StartSynthesis,RunSynthesis,RunSynthesis,StopSynthesis" {
		t.Errorf("Unexpected command order %v", names)
	}
}

func TestClient_HandshakeFailure(t *testing.T) {
	client := setupTestClient(t, &fakeService{rejectHandshake: true}, nil)

	err := client.Open(context.Background())
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Expected *ConnectionError, got %v", err)
	}
	if client.State() != StateClosed {
		t.Errorf("Expected closed, got %s", client.State())
	}
}

func TestClient_TokenFailure(t *testing.T) {
	server := httptest.NewServer(&fakeService{})
	defer server.Close()

	tokenErr := errors.New("credentials rejected")
	client, err := NewClient(ClientConfig{
		Endpoint: "ws" + strings.TrimPrefix(server.URL, "http"),
		AppKey:   "key",
	}, tokenFunc(func(context.Context) (string, error) { return "", tokenErr }), zap.NewNop())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	err = client.Open(context.Background())
	if !errors.Is(err, tokenErr) {
		t.Errorf("Expected token error, got %v", err)
	}
	if client.State() != StateClosed {
		t.Errorf("Expected closed, got %s", client.State())
	}
}

func TestClient_InvalidState(t *testing.T) {
	client := setupTestClient(t, &fakeService{}, nil)
	ctx := context.Background()

	if err := client.Speak("hi"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Speak before open: expected ErrInvalidState, got %v", err)
	}
	if err := client.StartSynthesis(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("StartSynthesis before open: expected ErrInvalidState, got %v", err)
	}
	if err := client.StopSynthesis(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("StopSynthesis before open: expected ErrInvalidState, got %v", err)
	}

	if err := client.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := client.Open(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Second Open: expected ErrInvalidState, got %v", err)
	}
	if err := client.Speak("hi"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Speak before start: expected ErrInvalidState, got %v", err)
	}
	if err := client.StopSynthesis(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("StopSynthesis before start: expected ErrInvalidState, got %v", err)
	}
	if client.State() != StateConnected {
		t.Errorf("Expected misuse to leave state connected, got %s", client.State())
	}

	if err := client.StartSynthesis(ctx); err != nil {
		t.Fatalf("StartSynthesis failed: %v", err)
	}
	if err := client.StartSynthesis(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Second StartSynthesis: expected ErrInvalidState, got %v", err)
	}
}

func TestClient_StopTimeoutKeepsAudio(t *testing.T) {
	client := setupTestClient(t, &fakeService{neverComplete: true}, func(c *ClientConfig) {
		c.StopTimeout = 50 * time.Millisecond
	})
	ctx := context.Background()

	if err := client.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := client.StartSynthesis(ctx); err != nil {
		t.Fatalf("StartSynthesis failed: %v", err)
	}
	stream, err := client.AudioStream()
	if err != nil {
		t.Fatalf("AudioStream failed: %v", err)
	}
	if err := client.Speak("late"); err != nil {
		t.Fatalf("Speak failed: %v", err)
	}

	err = client.StopSynthesis(ctx)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if client.State() != StateSynthesisStarted {
		t.Errorf("Expected state to remain synthesis-started, got %s", client.State())
	}

	client.Close()

	chunk, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Expected buffered audio, got %v", err)
	}
	if string(chunk) != "\x00late" {
		t.Errorf("Unexpected chunk %q", chunk)
	}
	if _, err := stream.Next(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed after buffered audio, got %v", err)
	}
}

func TestClient_AwaitCompletionAfterStopTimeout(t *testing.T) {
	service := &fakeService{lateFrames: 3, lateInterval: 100 * time.Millisecond}
	client := setupTestClient(t, service, func(c *ClientConfig) {
		c.StopTimeout = 150 * time.Millisecond
	})
	ctx := context.Background()

	if err := client.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := client.StartSynthesis(ctx); err != nil {
		t.Fatalf("StartSynthesis failed: %v", err)
	}
	stream, err := client.AudioStream()
	if err != nil {
		t.Fatalf("AudioStream failed: %v", err)
	}

	if err := client.StopSynthesis(ctx); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.AwaitCompletion(waitCtx); err != nil {
		t.Fatalf("AwaitCompletion failed: %v", err)
	}
	if client.State() != StateSynthesisCompleted {
		t.Errorf("Expected synthesis-completed, got %s", client.State())
	}

	data, err := io.ReadAll(stream.(io.Reader))
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(data) != 6 {
		t.Errorf("Expected 6 bytes of audio, got %d", len(data))
	}

	// already completed
	if err := client.AwaitCompletion(ctx); err != nil {
		t.Errorf("AwaitCompletion after completion failed: %v", err)
	}
}

func TestClient_AwaitCompletionClosed(t *testing.T) {
	client := setupTestClient(t, &fakeService{}, nil)
	if err := client.AwaitCompletion(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}
}

func TestClient_TaskFailed(t *testing.T) {
	client := setupTestClient(t, &fakeService{failOnStart: true}, nil)
	ctx := context.Background()

	if err := client.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	err := client.StartSynthesis(ctx)
	var taskErr *TaskFailedError
	if !errors.As(err, &taskErr) {
		t.Fatalf("Expected *TaskFailedError, got %v", err)
	}
	if taskErr.Status != 41020001 || taskErr.Message != "Invalid voice" {
		t.Errorf("Unexpected task failure %+v", taskErr)
	}
	if client.State() != StateClosed {
		t.Errorf("Expected closed, got %s", client.State())
	}
}

func TestClient_MalformedFrameFailsSession(t *testing.T) {
	client := setupTestClient(t, &fakeService{malformedOnRun: true}, nil)
	ctx := context.Background()

	if err := client.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := client.StartSynthesis(ctx); err != nil {
		t.Fatalf("StartSynthesis failed: %v", err)
	}
	stream, err := client.AudioStream()
	if err != nil {
		t.Fatalf("AudioStream failed: %v", err)
	}
	if err := client.Speak("text"); err != nil {
		t.Fatalf("Speak failed: %v", err)
	}

	if err := client.WaitUntil(ctx, StateClosed, time.Second); err != nil {
		t.Fatalf("Session did not close: %v", err)
	}

	_, err = stream.Next(ctx)
	var protocolErr *ProtocolError
	if !errors.As(err, &protocolErr) {
		t.Errorf("Expected *ProtocolError from stream, got %v", err)
	}
}

func TestClient_RemoteClose(t *testing.T) {
	client := setupTestClient(t, &fakeService{closeOnRun: true}, nil)
	ctx := context.Background()

	if err := client.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := client.StartSynthesis(ctx); err != nil {
		t.Fatalf("StartSynthesis failed: %v", err)
	}
	stream, err := client.AudioStream()
	if err != nil {
		t.Fatalf("AudioStream failed: %v", err)
	}
	if err := client.Speak("bye"); err != nil {
		t.Fatalf("Speak failed: %v", err)
	}

	if err := client.WaitUntil(ctx, StateClosed, time.Second); err != nil {
		t.Fatalf("Session did not close: %v", err)
	}

	var connErr *ConnectionError
	if _, err := stream.Next(ctx); !errors.As(err, &connErr) {
		t.Errorf("Expected *ConnectionError from stream, got %v", err)
	}
	if err := client.StopSynthesis(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState after remote close, got %v", err)
	}
	if err := client.WaitUntil(ctx, StateSynthesisCompleted, time.Second); !errors.As(err, &connErr) {
		t.Errorf("Expected waits to fail with the connection error, got %v", err)
	}
}

func TestClient_KeepAlive(t *testing.T) {
	service := &fakeService{}
	client := setupTestClient(t, service, func(c *ClientConfig) {
		c.PingInterval = 10 * time.Millisecond
	})

	if err := client.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	service.mu.Lock()
	pings := service.pings
	service.mu.Unlock()
	if pings == 0 {
		t.Error("Expected keep-alive pings while connected")
	}
}

func TestClient_Reopen(t *testing.T) {
	client := setupTestClient(t, &fakeService{}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := client.Open(ctx); err != nil {
			t.Fatalf("Open %d failed: %v", i, err)
		}
		if err := client.StartSynthesis(ctx); err != nil {
			t.Fatalf("StartSynthesis %d failed: %v", i, err)
		}
		if err := client.StopSynthesis(ctx); err != nil {
			t.Fatalf("StopSynthesis %d failed: %v", i, err)
		}
		client.Close()
	}
}
