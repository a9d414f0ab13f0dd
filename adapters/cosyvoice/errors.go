package cosyvoice

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidState is returned when an operation is called in a state that does not allow it
	ErrInvalidState = errors.New("cosyvoice: invalid session state")
	// ErrTimeout matches every *TimeoutError
	ErrTimeout = errors.New("cosyvoice: timed out waiting for state")
	// ErrSessionClosed is returned to waiters when the session is closed before they resolve
	ErrSessionClosed = errors.New("cosyvoice: session closed")
	// ErrNoAudioStream is returned when the audio stream is requested before synthesis started
	ErrNoAudioStream = errors.New("cosyvoice: audio stream is not available")
)

// ConnectionError reports a handshake or socket failure. It is fatal for the session.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cosyvoice: connection %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a bounded wait that did not reach its target state
type TimeoutError struct {
	Target  State
	Current State
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("cosyvoice: state %s not reached within %s (current %s)", e.Target, e.Timeout, e.Current)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// ProtocolError reports a control frame that could not be understood
type ProtocolError struct {
	Frame string
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("cosyvoice: malformed control frame %q: %v", e.Frame, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// TaskFailedError carries a TaskFailed event reported by the service
type TaskFailedError struct {
	TaskID  string
	Status  int
	Message string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("cosyvoice: task %s failed with status %d: %s", e.TaskID, e.Status, e.Message)
}

func invalidState(op string, current State) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidState, op, current)
}
