package cosyvoice

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/satriahrh/cosyvoice/server/domain/entities"
)

// Namespace is the protocol namespace of the streaming synthesizer
const Namespace = "FlowingSpeechSynthesizer"

// CommandName defines the type of outbound command
type CommandName string

// Supported commands
const (
	CommandStartSynthesis CommandName = "StartSynthesis"
	CommandRunSynthesis   CommandName = "RunSynthesis"
	CommandStopSynthesis  CommandName = "StopSynthesis"
)

// Command is an outbound protocol message before it is tagged with a header
type Command interface {
	Name() CommandName
	Payload() any
}

// StartSynthesisCommand opens a synthesis task with the given voice settings
type StartSynthesisCommand struct {
	Config entities.SynthesisConfig
}

// RunSynthesisCommand submits text to the running task
type RunSynthesisCommand struct {
	Text string
}

// StopSynthesisCommand asks the service to finish the task
type StopSynthesisCommand struct{}

// StartSynthesisPayload is the payload of StartSynthesis on the wire
type StartSynthesisPayload struct {
	Voice      string `json:"voice"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Volume     int    `json:"volume"`
	SpeechRate int    `json:"speech_rate"`
	PitchRate  int    `json:"pitch_rate"`
}

// RunSynthesisPayload is the payload of RunSynthesis on the wire
type RunSynthesisPayload struct {
	Text string `json:"text"`
}

func (StartSynthesisCommand) Name() CommandName { return CommandStartSynthesis }

func (c StartSynthesisCommand) Payload() any {
	return StartSynthesisPayload{
		Voice:      c.Config.Voice,
		Format:     string(c.Config.Format),
		SampleRate: c.Config.SampleRate,
		Volume:     c.Config.Volume,
		SpeechRate: c.Config.SpeechRate,
		PitchRate:  c.Config.PitchRate,
	}
}

func (RunSynthesisCommand) Name() CommandName { return CommandRunSynthesis }

func (c RunSynthesisCommand) Payload() any {
	return RunSynthesisPayload{Text: c.Text}
}

func (StopSynthesisCommand) Name() CommandName { return CommandStopSynthesis }

func (StopSynthesisCommand) Payload() any { return nil }

// Header is the common header of every outbound message
type Header struct {
	Name      CommandName `json:"name"`
	TaskID    string      `json:"task_id"`
	MessageID string      `json:"message_id"`
	Namespace string      `json:"namespace"`
	AppKey    string      `json:"appkey"`
}

// Message is the encoded form of a command
type Message struct {
	Header  Header `json:"header"`
	Payload any    `json:"payload,omitempty"`
}

// Encoder tags commands with a header and serializes them.
// It holds no state besides the application key.
type Encoder struct {
	AppKey string
	// NewID generates message ids; defaults to NewID
	NewID func() string
}

// Encode serializes cmd for the task identified by taskID
func (e Encoder) Encode(cmd Command, taskID string) ([]byte, error) {
	newID := e.NewID
	if newID == nil {
		newID = NewID
	}

	msg := Message{
		Header: Header{
			Name:      cmd.Name(),
			TaskID:    taskID,
			MessageID: newID(),
			Namespace: Namespace,
			AppKey:    e.AppKey,
		},
		Payload: cmd.Payload(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", cmd.Name(), err)
	}
	return data, nil
}

// NewID returns a 32 character hex identifier as the gateway expects
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
