// Package remote defines the bidirectional channel to a live conversational
// model.
//
// A [Provider] opens a [Channel] for a [Config]. The channel accepts
// realtime audio and image input and tool responses, and delivers an ordered
// stream of [Event] values: one [EventOpened] once the remote end has
// accepted the setup, any number of [EventMessage], and finally at most one
// [EventClosed] or [EventError] before the events channel is closed.
//
// The channel is treated as opaque by the session engine; concrete wire
// protocols live in the gemini, genai and openai subpackages.
//
// All implementations must be safe for concurrent use.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrClosed is returned by send methods after the channel was closed.
	ErrClosed = errors.New("remote: channel closed")

	// ErrInvalidConfig wraps every [Config.Validate] failure. Opening with
	// an invalid config is never worth retrying.
	ErrInvalidConfig = errors.New("remote: invalid config")
)

// Modality is the kind of response the model produces.
type Modality string

const (
	ModalityAudio Modality = "audio"
	ModalityText  Modality = "text"
)

// Role identifies who a transcript delta belongs to.
type Role string

const (
	// RoleLocal is speech captured from the local microphone.
	RoleLocal Role = "local"

	// RoleRemote is the model's own output.
	RoleRemote Role = "remote"
)

// ToolDeclaration describes a function the model may call.
type ToolDeclaration struct {
	Name        string
	Description string

	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any
}

// Config configures a channel at open time.
type Config struct {
	// Modality selects spoken or textual responses. Empty means audio.
	Modality Modality

	// Voice names a provider-specific prebuilt voice. Empty uses the
	// provider default.
	Voice string

	// Instructions is the system instruction text.
	Instructions string

	// Tools are offered to the model for the whole session.
	Tools []ToolDeclaration

	// InputTranscription requests transcripts of the local speech.
	InputTranscription bool

	// OutputTranscription requests transcripts of the model's speech.
	OutputTranscription bool
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	switch c.Modality {
	case "", ModalityAudio, ModalityText:
	default:
		errs = append(errs, fmt.Errorf("remote: unknown modality %q", c.Modality))
	}
	seen := make(map[string]bool, len(c.Tools))
	for i, t := range c.Tools {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("remote: tools[%d]: name is required", i))
			continue
		}
		if seen[t.Name] {
			errs = append(errs, fmt.Errorf("remote: tools[%d]: duplicate name %q", i, t.Name))
		}
		seen[t.Name] = true
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Blob is a chunk of binary media.
type Blob struct {
	MIMEType string
	Data     []byte
}

// Input is one realtime input frame. Exactly one field is set.
type Input struct {
	Audio *Blob
	Image *Blob
}

// AudioInput wraps PCM16 bytes captured at rate.
func AudioInput(pcm []byte, rate int) Input {
	return Input{Audio: &Blob{MIMEType: fmt.Sprintf("audio/pcm;rate=%d", rate), Data: pcm}}
}

// ImageInput wraps an encoded image.
func ImageInput(mimeType string, data []byte) Input {
	return Input{Image: &Blob{MIMEType: mimeType, Data: data}}
}

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	ID   string
	Name string
	Args map[string]any
}

// FunctionResponse answers a [FunctionCall].
type FunctionResponse struct {
	ID       string
	Name     string
	Response map[string]any
}

// TranscriptDelta is an incremental piece of transcript text.
type TranscriptDelta struct {
	Role Role
	Text string
}

// AudioChunk is one piece of model audio as received on the wire.
type AudioChunk struct {
	// MIMEType is typically "audio/pcm;rate=24000".
	MIMEType string

	// Data is base64-encoded little-endian PCM16, mono.
	Data string
}

// SampleRate parses the rate parameter of the MIME type. It returns def
// when the parameter is missing or malformed.
func (a AudioChunk) SampleRate(def int) int {
	_, params, ok := strings.Cut(a.MIMEType, ";")
	if !ok {
		return def
	}
	for p := range strings.SplitSeq(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || k != "rate" {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// Message is the payload of an [EventMessage]. Any combination of fields
// may be set.
type Message struct {
	ToolCalls    []FunctionCall
	Transcripts  []TranscriptDelta
	Audio        []AudioChunk
	TurnComplete bool
	Interrupted  bool
}

// Empty reports whether m carries nothing.
func (m *Message) Empty() bool {
	return len(m.ToolCalls) == 0 && len(m.Transcripts) == 0 && len(m.Audio) == 0 &&
		!m.TurnComplete && !m.Interrupted
}

// EventType discriminates [Event] values.
type EventType int

const (
	EventOpened EventType = iota
	EventMessage
	EventClosed
	EventError
)

// String returns a short name for the event type.
func (t EventType) String() string {
	switch t {
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is one item of a channel's event stream.
type Event struct {
	Type    EventType
	Message *Message // set for EventMessage
	Err     error    // set for EventError
}

// Channel is an open connection to the model.
type Channel interface {
	// Events returns the ordered event stream. It is closed after the
	// terminal event or after Close.
	Events() <-chan Event

	// SendRealtimeInput sends one audio or image frame.
	SendRealtimeInput(ctx context.Context, in Input) error

	// SendToolResponse answers one or more function calls.
	SendToolResponse(ctx context.Context, responses []FunctionResponse) error

	// Close terminates the channel. Idempotent.
	Close() error
}

// Provider opens channels to one backend.
type Provider interface {
	// Name is the registry name of the backend, e.g. "gemini-live".
	Name() string

	// Open dials the backend and sends the setup. It returns before the
	// remote end confirms; wait for [EventOpened] on the channel.
	Open(ctx context.Context, cfg Config) (Channel, error)
}
