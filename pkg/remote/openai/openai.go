// Package openai implements [remote.Provider] for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime
// endpoint and exchanges JSON events according to the Realtime protocol.
// Microphone audio is resampled to the 24 kHz PCM16 the API expects and
// appended to the input buffer; still images are added as user items; model
// audio arrives as 24 kHz base64 deltas.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/companion/pkg/audio"
	"github.com/MrWong99/companion/pkg/remote"
)

// Compile-time assertions.
var (
	_ remote.Provider = (*Provider)(nil)
	_ remote.Channel  = (*channel)(nil)
)

// Name is the registry name of this provider.
const Name = "openai-realtime"

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// SampleRate is the PCM16 rate the Realtime API uses in both directions.
	SampleRate = 24000

	readLimit = 8 << 20
)

// outputMIME labels model audio chunks.
var outputMIME = audio.PCMMIMEType(SampleRate)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.baseURL = u
		}
	}
}

// WithTranscriptionModel sets the model used for input audio transcription.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) { p.transcriptionModel = model }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements remote.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey             string
	model              string
	baseURL            string
	transcriptionModel string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:             apiKey,
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		transcriptionModel: "whisper-1",
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements remote.Provider.
func (p *Provider) Name() string { return Name }

// Open dials the Realtime endpoint and sends a session.update. The channel
// emits [remote.EventOpened] once the server reports the session.
func (p *Provider) Open(ctx context.Context, cfg remote.Config) (remote.Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	chCtx, chCancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ch := &channel{
		conn:   conn,
		events: remote.NewEmitter(remote.DefaultEventBuffer, done),
		done:   done,
		ctx:    chCtx,
		cancel: chCancel,
	}

	if err := ch.writeJSON(ctx, buildSessionUpdate(cfg, p.transcriptionModel)); err != nil {
		chCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go ch.receiveLoop()
	return ch, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Tools                   []oaiTool            `json:"tools,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// serverErrorDetail represents the nested error object in a Realtime error
// event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta / response.text.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// buildSessionUpdate translates cfg into a session.update event.
func buildSessionUpdate(cfg remote.Config, transcriptionModel string) sessionUpdateMessage {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if cfg.Modality == remote.ModalityText {
		params.Modalities = []string{"text"}
	}
	if len(cfg.Tools) > 0 {
		params.Tools = toOAITools(cfg.Tools)
	}
	if cfg.InputTranscription && transcriptionModel != "" {
		params.InputAudioTranscription = &transcriptionParams{Model: transcriptionModel}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// toOAITools converts tool declarations to the Realtime tool format.
func toOAITools(tools []remote.ToolDeclaration) []oaiTool {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

// ── channel ────────────────────────────────────────────────────────────────────

type channel struct {
	conn   *websocket.Conn
	events *remote.Emitter

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	// opened is only touched by receiveLoop.
	opened bool

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message. The write
// is bounded by both ctx and the channel lifetime.
func (c *channel) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	unlink := context.AfterFunc(c.ctx, stop)
	defer unlink()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them. It owns
// the events channel and closes it when it exits.
func (c *channel) receiveLoop() {
	defer c.events.Close()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				c.events.Closed()
				return
			}
			c.events.Error(fmt.Errorf("openai: read: %w", err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed event", "err", err)
			continue
		}

		if !c.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent emits the events for evt. It returns false once the
// channel is shutting down or a terminal event was emitted.
func (c *channel) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "session.created", "session.updated":
		if c.opened {
			return true
		}
		c.opened = true
		return c.events.Opened()

	case "response.audio.delta":
		if evt.Delta == "" {
			return true
		}
		return c.events.Message(&remote.Message{
			Audio: []remote.AudioChunk{{MIMEType: outputMIME, Data: evt.Delta}},
		})

	case "response.audio_transcript.delta", "response.text.delta":
		if evt.Delta == "" {
			return true
		}
		return c.events.Message(&remote.Message{
			Transcripts: []remote.TranscriptDelta{{Role: remote.RoleRemote, Text: evt.Delta}},
		})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return true
		}
		return c.events.Message(&remote.Message{
			Transcripts: []remote.TranscriptDelta{{Role: remote.RoleLocal, Text: evt.Transcript}},
		})

	case "input_audio_buffer.speech_started":
		return c.events.Message(&remote.Message{Interrupted: true})

	case "response.done":
		return c.events.Message(&remote.Message{TurnComplete: true})

	case "response.function_call_arguments.done":
		var args map[string]any
		if evt.Arguments != "" {
			if err := json.Unmarshal([]byte(evt.Arguments), &args); err != nil {
				slog.Warn("openai: malformed function call arguments", "name", evt.Name, "err", err)
				args = map[string]any{"raw": evt.Arguments}
			}
		}
		return c.events.Message(&remote.Message{
			ToolCalls: []remote.FunctionCall{{ID: evt.CallID, Name: evt.Name, Args: args}},
		})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		c.events.Error(fmt.Errorf("openai: %s", msg))
		return false
	}
	return true
}

func (c *channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ── Channel methods ────────────────────────────────────────────────────────────

// Events implements remote.Channel.
func (c *channel) Events() <-chan remote.Event { return c.events.Events() }

// SendRealtimeInput appends audio to the input buffer, or adds an image as a
// user conversation item.
func (c *channel) SendRealtimeInput(ctx context.Context, in remote.Input) error {
	if c.isClosed() {
		return remote.ErrClosed
	}

	var msg any
	switch {
	case in.Audio != nil:
		pcm := in.Audio.Data
		rate := remote.AudioChunk{MIMEType: in.Audio.MIMEType}.SampleRate(SampleRate)
		if rate != SampleRate {
			var err error
			if pcm, err = audio.ResamplePCM16(pcm, rate, SampleRate); err != nil {
				return fmt.Errorf("openai: resample input: %w", err)
			}
		}
		msg = appendAudioMessage{
			Type:  "input_audio_buffer.append",
			Audio: base64.StdEncoding.EncodeToString(pcm),
		}
	case in.Image != nil:
		dataURL := "data:" + in.Image.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(in.Image.Data)
		msg = createConversationItemMessage{
			Type: "conversation.item.create",
			Item: conversationItem{
				Type:    "message",
				Role:    "user",
				Content: []conversationPart{{Type: "input_image", ImageURL: dataURL}},
			},
		}
	default:
		return errors.New("openai: realtime input without media")
	}

	if err := c.writeJSON(ctx, msg); err != nil {
		if c.isClosed() {
			return remote.ErrClosed
		}
		return fmt.Errorf("openai: send input: %w", err)
	}
	return nil
}

// SendToolResponse adds one function_call_output item per response, then
// asks the model to continue.
func (c *channel) SendToolResponse(ctx context.Context, responses []remote.FunctionResponse) error {
	if c.isClosed() {
		return remote.ErrClosed
	}
	if len(responses) == 0 {
		return nil
	}

	for _, r := range responses {
		resp := r.Response
		if resp == nil {
			resp = map[string]any{}
		}
		output, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("openai: marshal tool output %q: %w", r.Name, err)
		}
		item := createConversationItemMessage{
			Type: "conversation.item.create",
			Item: conversationItem{
				Type:   "function_call_output",
				CallID: r.ID,
				Output: string(output),
			},
		}
		if err := c.writeJSON(ctx, item); err != nil {
			if c.isClosed() {
				return remote.ErrClosed
			}
			return fmt.Errorf("openai: send tool response: %w", err)
		}
	}
	if err := c.writeJSON(ctx, map[string]string{"type": "response.create"}); err != nil {
		if c.isClosed() {
			return remote.ErrClosed
		}
		return fmt.Errorf("openai: request response: %w", err)
	}
	return nil
}

// Close terminates the channel and releases all resources. Idempotent.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	close(c.done)
	c.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
