package cosyvoice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/cosyvoice/server/domain/entities"
	"github.com/satriahrh/cosyvoice/server/domain/repositories"
	"github.com/satriahrh/cosyvoice/server/internal/audio"
)

const (
	// DefaultEndpoint is the NLS gateway of the Beijing region
	DefaultEndpoint = "wss://nls-gateway-cn-beijing.aliyuncs.com/ws/v1"

	defaultPingInterval     = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultStartTimeout     = 5 * time.Second
	defaultStopTimeout      = 5 * time.Second

	// Time allowed to write a message to the service.
	writeWait = 10 * time.Second

	// Maximum inbound frame size.
	maxMessageSize = 1 << 20

	tokenHeader = "X-NLS-Token"
)

// ClientConfig holds configuration for a protocol Client
// Required fields:
// - AppKey: the NLS application key
// Optional fields with defaults:
// - Endpoint: gateway URL (default: DefaultEndpoint)
// - Synthesis: voice and audio settings (default: entities.DefaultSynthesisConfig)
// - PingInterval: keep-alive period (default: 5s)
// - HandshakeTimeout: socket handshake bound (default: 10s)
// - StartTimeout / StopTimeout: bounds for synthesis start and completion (default: 5s)
type ClientConfig struct {
	Endpoint         string
	AppKey           string
	Synthesis        entities.SynthesisConfig
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	StartTimeout     time.Duration
	StopTimeout      time.Duration
	// OnStateChange is optional and observes every state transition
	OnStateChange StateObserver
}

// ValidateClientConfig validates the ClientConfig
func ValidateClientConfig(config ClientConfig) error {
	if config.AppKey == "" {
		return errors.New("cosyvoice app key is required")
	}
	if err := config.Synthesis.WithDefaults().Validate(); err != nil {
		return fmt.Errorf("invalid synthesis config: %w", err)
	}
	if config.PingInterval < 0 || config.HandshakeTimeout < 0 || config.StartTimeout < 0 || config.StopTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}

// Client speaks the streaming synthesis protocol over one WebSocket session
type Client struct {
	endpoint     string
	config       entities.SynthesisConfig
	tokens       repositories.TokenProvider
	dialer       *websocket.Dialer
	encoder      Encoder
	machine      *stateMachine
	dispatcher   *dispatcher
	pingInterval time.Duration
	startTimeout time.Duration
	stopTimeout  time.Duration
	logger       *zap.Logger

	// mu guards the per-connection fields below
	mu          sync.Mutex
	conn        *websocket.Conn
	done        chan struct{}
	taskID      string
	stream      *audio.Stream
	streamReady bool

	// gorilla allows one concurrent writer of data frames
	writeMu sync.Mutex
}

// Ensure Client implements the SynthesisSession interface
var _ repositories.SynthesisSession = (*Client)(nil)

// NewClient creates a new protocol client in the closed state
func NewClient(config ClientConfig, tokens repositories.TokenProvider, logger *zap.Logger) (*Client, error) {
	if err := ValidateClientConfig(config); err != nil {
		return nil, err
	}
	if tokens == nil {
		return nil, errors.New("token provider is required")
	}

	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	pingInterval := config.PingInterval
	if pingInterval == 0 {
		pingInterval = defaultPingInterval
	}

	handshakeTimeout := config.HandshakeTimeout
	if handshakeTimeout == 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}

	startTimeout := config.StartTimeout
	if startTimeout == 0 {
		startTimeout = defaultStartTimeout
	}

	stopTimeout := config.StopTimeout
	if stopTimeout == 0 {
		stopTimeout = defaultStopTimeout
	}

	c := &Client{
		endpoint: endpoint,
		config:   config.Synthesis.WithDefaults(),
		tokens:   tokens,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		encoder:      Encoder{AppKey: config.AppKey},
		machine:      newStateMachine(config.OnStateChange),
		pingInterval: pingInterval,
		startTimeout: startTimeout,
		stopTimeout:  stopTimeout,
		logger:       logger,
	}
	c.dispatcher = &dispatcher{
		machine: c.machine,
		stream:  c.currentStream,
		logger:  logger,
	}

	return c, nil
}

// State returns the current session state
func (c *Client) State() State {
	return c.machine.Current()
}

// Config returns the synthesis configuration of the session
func (c *Client) Config() entities.SynthesisConfig {
	return c.config
}

// TaskID returns the task id of the running synthesis, or "" before StartSynthesis
func (c *Client) TaskID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.taskID
}

// AudioStream returns the output stream once synthesis has started
func (c *Client) AudioStream() (repositories.AudioStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil || !c.streamReady {
		return nil, ErrNoAudioStream
	}
	return c.stream, nil
}

// WaitUntil blocks until the session reaches target or timeout elapses
func (c *Client) WaitUntil(ctx context.Context, target State, timeout time.Duration) error {
	return c.machine.WaitUntil(ctx, target, timeout)
}

// Open acquires a token and performs the socket handshake. It returns once
// the session is connected or the handshake failed.
func (c *Client) Open(ctx context.Context) error {
	if err := c.machine.Transition(StateConnecting); err != nil {
		return invalidState("open", c.machine.Current())
	}

	token, err := c.tokens.GetToken(ctx)
	if err != nil {
		c.logger.Error("Failed to acquire access token", zap.Error(err))
		c.machine.Fail(err)
		return &ConnectionError{Op: "token", Err: err}
	}

	header := http.Header{}
	header.Set(tokenHeader, token)

	conn, resp, err := c.dialer.DialContext(ctx, c.endpoint, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		c.logger.Error("Failed to connect to synthesis service",
			zap.String("endpoint", c.endpoint),
			zap.Error(err))
		c.machine.Fail(err)
		return &ConnectionError{Op: "handshake", Err: err}
	}
	conn.SetReadLimit(maxMessageSize)

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.mu.Unlock()

	if err := c.machine.Transition(StateConnected); err != nil {
		// closed while the handshake was in flight
		c.release(ErrSessionClosed)
		return &ConnectionError{Op: "handshake", Err: ErrSessionClosed}
	}

	go c.readPump(conn, done)
	go c.keepAlive(conn, done)

	c.logger.Info("Connected to synthesis service", zap.String("endpoint", c.endpoint))
	return nil
}

// Close releases the socket and the output stream. It is safe to call from
// any state and more than once.
func (c *Client) Close() error {
	if c.machine.Fail(nil) {
		c.logger.Debug("Closing synthesis session", zap.String("taskID", c.TaskID()))
	}
	return c.release(ErrSessionClosed)
}

// StartSynthesis starts a new synthesis task and waits until the service confirms it
func (c *Client) StartSynthesis(ctx context.Context) error {
	if state := c.machine.Current(); state != StateConnected {
		return invalidState("start synthesis", state)
	}

	// The stream exists before the command is sent so no audio arriving
	// right after the confirmation can be missed.
	stream := audio.NewStream(c.config.ContentType())

	c.mu.Lock()
	if c.taskID != "" {
		c.mu.Unlock()
		return invalidState("start synthesis", c.machine.Current())
	}
	c.taskID = NewID()
	c.stream = stream
	taskID := c.taskID
	c.mu.Unlock()

	c.logger.Info("Starting synthesis",
		zap.String("taskID", taskID),
		zap.String("voice", c.config.Voice),
		zap.String("format", string(c.config.Format)),
		zap.Int("sampleRate", c.config.SampleRate))

	if err := c.send(StartSynthesisCommand{Config: c.config}); err != nil {
		return err
	}

	if err := c.machine.WaitUntil(ctx, StateSynthesisStarted, c.startTimeout); err != nil {
		c.logger.Warn("Synthesis did not start", zap.String("taskID", taskID), zap.Error(err))
		return err
	}

	c.mu.Lock()
	if c.stream == stream {
		c.streamReady = true
	}
	c.mu.Unlock()

	return nil
}

// Speak submits text to the running synthesis. Ordering between calls is
// preserved by the transport.
func (c *Client) Speak(text string) error {
	if state := c.machine.Current(); state != StateSynthesisStarted {
		return invalidState("speak", state)
	}
	return c.send(RunSynthesisCommand{Text: text})
}

// StopSynthesis asks the service to finish the task and waits for completion
func (c *Client) StopSynthesis(ctx context.Context) error {
	switch state := c.machine.Current(); state {
	case StateSynthesisCompleted:
		return nil
	case StateSynthesisStarted:
	default:
		return invalidState("stop synthesis", state)
	}

	if err := c.send(StopSynthesisCommand{}); err != nil {
		return err
	}

	if err := c.machine.WaitUntil(ctx, StateSynthesisCompleted, c.stopTimeout); err != nil {
		c.logger.Warn("Synthesis did not complete", zap.String("taskID", c.TaskID()), zap.Error(err))
		return err
	}

	c.logger.Info("Synthesis completed", zap.String("taskID", c.TaskID()))
	return nil
}

// AwaitCompletion waits for synthesis-completed without sending anything. It
// is bounded by the deadline of ctx, or by the stop timeout when ctx has none.
func (c *Client) AwaitCompletion(ctx context.Context) error {
	timeout := c.stopTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return c.machine.WaitUntil(ctx, StateSynthesisCompleted, timeout)
}

func (c *Client) send(cmd Command) error {
	c.mu.Lock()
	conn := c.conn
	taskID := c.taskID
	c.mu.Unlock()

	if conn == nil {
		return &ConnectionError{Op: "write", Err: ErrSessionClosed}
	}

	data, err := c.encoder.Encode(cmd, taskID)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		c.logger.Error("Failed to send command", zap.String("command", string(cmd.Name())), zap.Error(err))
		connErr := &ConnectionError{Op: "write", Err: err}
		c.fail(connErr)
		return connErr
	}

	c.logger.Debug("Sent command",
		zap.String("command", string(cmd.Name())),
		zap.String("taskID", taskID),
		zap.Int("size", len(data)))
	return nil
}

// readPump dispatches inbound frames one at a time until the connection ends
func (c *Client) readPump(conn *websocket.Conn, done <-chan struct{}) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				// released locally
				return
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Error("WebSocket error", zap.Error(err))
			} else {
				c.logger.Info("Synthesis service closed the connection", zap.Error(err))
			}
			c.fail(&ConnectionError{Op: "read", Err: err})
			return
		}

		if err := c.dispatcher.Dispatch(frame); err != nil {
			c.fail(err)
			return
		}
	}
}

// keepAlive pings the service while the session is connected
func (c *Client) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			switch c.machine.Current() {
			case StateClosed, StateConnecting:
				continue
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("Keep-alive ping failed", zap.Error(err))
			}
		}
	}
}

// fail moves the session to closed because of cause and releases the connection
func (c *Client) fail(cause error) {
	if c.machine.Fail(cause) {
		c.logger.Error("Synthesis session failed", zap.String("taskID", c.TaskID()), zap.Error(cause))
	}
	c.release(cause)
}

// release tears down the current connection exactly once
func (c *Client) release(cause error) error {
	c.mu.Lock()
	conn, done, stream := c.conn, c.done, c.stream
	c.conn, c.done, c.stream = nil, nil, nil
	c.taskID = ""
	c.streamReady = false
	c.mu.Unlock()

	if stream != nil {
		stream.CloseWithError(cause)
	}
	if conn == nil {
		return nil
	}

	close(done)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return conn.Close()
}

func (c *Client) currentStream() *audio.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}
