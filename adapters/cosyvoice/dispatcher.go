package cosyvoice

import (
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/satriahrh/cosyvoice/server/internal/audio"
)

// FrameKind classifies an inbound frame
type FrameKind int

const (
	FrameAudio FrameKind = iota
	FrameControl
)

func (k FrameKind) String() string {
	if k == FrameControl {
		return "control"
	}
	return "audio"
}

// Inbound event names
const (
	EventSynthesisStarted   = "SynthesisStarted"
	EventSynthesisCompleted = "SynthesisCompleted"
	EventSentenceBegin      = "SentenceBegin"
	EventSentenceSynthesis  = "SentenceSynthesis"
	EventSentenceEnd        = "SentenceEnd"
	EventTaskFailed         = "TaskFailed"
)

// EventHeader is the header of an inbound control frame
type EventHeader struct {
	Name          string `json:"name"`
	TaskID        string `json:"task_id"`
	MessageID     string `json:"message_id"`
	Namespace     string `json:"namespace"`
	Status        int    `json:"status"`
	StatusText    string `json:"status_text,omitempty"`
	StatusMessage string `json:"status_message,omitempty"`
}

// Event is a parsed control frame
type Event struct {
	Header  EventHeader     `json:"header"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ClassifyFrame reports whether frame is a JSON control frame or raw audio.
// A frame is control iff its first byte is '{' and its last byte is '}'.
func ClassifyFrame(frame []byte) FrameKind {
	if len(frame) > 0 && frame[0] == '{' && frame[len(frame)-1] == '}' {
		return FrameControl
	}
	return FrameAudio
}

// ParseEvent decodes a control frame
func ParseEvent(frame []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(frame, &event); err != nil {
		return nil, &ProtocolError{Frame: truncate(frame), Err: err}
	}
	if event.Header.Name == "" {
		return nil, &ProtocolError{Frame: truncate(frame), Err: errors.New("missing header name")}
	}
	return &event, nil
}

// dispatcher routes inbound frames. It is called from a single reader
// goroutine, so frames are handled strictly in arrival order.
type dispatcher struct {
	machine *stateMachine
	stream  func() *audio.Stream
	logger  *zap.Logger
}

// Dispatch handles one inbound frame. A returned error is fatal for the session.
func (d *dispatcher) Dispatch(frame []byte) error {
	if ClassifyFrame(frame) == FrameAudio {
		d.handleAudio(frame)
		return nil
	}

	event, err := ParseEvent(frame)
	if err != nil {
		return err
	}
	return d.handleEvent(event)
}

func (d *dispatcher) handleEvent(event *Event) error {
	switch event.Header.Name {
	case EventSynthesisStarted:
		if err := d.machine.Transition(StateSynthesisStarted); err != nil {
			d.logger.Warn("Unexpected synthesis start", zap.String("taskID", event.Header.TaskID), zap.Error(err))
		}

	case EventSynthesisCompleted:
		if stream := d.stream(); stream != nil {
			stream.Close()
		}
		if err := d.machine.Transition(StateSynthesisCompleted); err != nil {
			d.logger.Warn("Unexpected synthesis completion", zap.String("taskID", event.Header.TaskID), zap.Error(err))
		}

	case EventSentenceBegin, EventSentenceSynthesis, EventSentenceEnd:
		d.logger.Debug("Sentence event",
			zap.String("name", event.Header.Name),
			zap.String("taskID", event.Header.TaskID),
			zap.ByteString("payload", event.Payload))

	case EventTaskFailed:
		message := event.Header.StatusText
		if message == "" {
			message = event.Header.StatusMessage
		}
		d.logger.Error("Synthesis task failed",
			zap.String("taskID", event.Header.TaskID),
			zap.Int("status", event.Header.Status),
			zap.String("message", message))
		return &TaskFailedError{
			TaskID:  event.Header.TaskID,
			Status:  event.Header.Status,
			Message: message,
		}

	default:
		d.logger.Info("Received unknown event", zap.String("name", event.Header.Name))
	}

	return nil
}

func (d *dispatcher) handleAudio(frame []byte) {
	stream := d.stream()
	if stream == nil {
		d.logger.Warn("Dropping audio frame without an active stream", zap.Int("size", len(frame)))
		return
	}
	if _, err := stream.Write(frame); err != nil {
		d.logger.Warn("Dropping audio frame", zap.Int("size", len(frame)), zap.Error(err))
	}
}

func truncate(frame []byte) string {
	const limit = 128
	if len(frame) > limit {
		return string(frame[:limit]) + "..."
	}
	return string(frame)
}
